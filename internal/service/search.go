package service

import (
	"context"
	"log/slog"
	"strings"

	"github.com/John-Robertt/carina/internal/domain"
	"github.com/John-Robertt/carina/internal/infra/cache"
)

// SearchResult 是搜索/首页列表的响应。失败时只有 Success=false 与 Message。
type SearchResult struct {
	Success    bool                    `json:"success"`
	Galleries  []domain.GallerySummary `json:"galleries,omitempty"`
	Pagination *domain.Pagination      `json:"pagination,omitempty"`
	Keyword    string                  `json:"keyword,omitempty"`
	Message    string                  `json:"message,omitempty"`
}

// Search 返回 query 的列表页。query 为空时返回首页；cursor 为上一页的 next_id。
func (s *Service) Search(ctx context.Context, query, cursor string, refresh bool) SearchResult {
	query = strings.TrimSpace(query)
	cursor = strings.TrimSpace(cursor)
	key := cache.Fingerprint(opSearch, map[string]string{"q": query, "next": cursor})

	if v, ok := lookup[SearchResult](ctx, s, opSearch, key, refresh); ok {
		return v
	}
	res, err := coalesce(ctx, s, key, func(fctx context.Context) SearchResult {
		res := s.search(fctx, query, cursor)
		if res.Success {
			s.store(fctx, opSearch, key, res, s.opt.SearchTTL)
		}
		return res
	})
	if err != nil {
		return SearchResult{Message: failureMessage("request cancelled", err)}
	}
	return res
}

func (s *Service) search(ctx context.Context, query, cursor string) SearchResult {
	u := s.site.ListingURL(query, cursor)
	html, err := s.site.FetchHTML(ctx, u)
	if err != nil {
		s.log.Warn("抓取列表页失败", slog.String("url", u), slog.Any("err", err))
		return SearchResult{Message: failureMessage("failed to fetch listing", err)}
	}
	galleries, page, strategy, err := s.parser.ListingWithStrategy(html)
	if err != nil {
		s.log.Warn("解析列表页失败", slog.String("url", u), slog.Any("err", err))
		return SearchResult{Message: failureMessage("failed to parse listing", err)}
	}
	if galleries == nil {
		galleries = []domain.GallerySummary{}
	}
	s.log.Debug("列表页解析完成",
		slog.String("url", u),
		slog.String("strategy", strategy),
		slog.Int("count", len(galleries)),
	)
	return SearchResult{
		Success:    true,
		Galleries:  galleries,
		Pagination: &page,
		Keyword:    query,
	}
}
