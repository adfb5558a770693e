package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/John-Robertt/carina/internal/domain"
	"github.com/John-Robertt/carina/internal/extract"
	"github.com/John-Robertt/carina/internal/infra/cache"
	"github.com/John-Robertt/carina/internal/manifest"
)

// GalleryResult 是详情页的响应。成功时详情字段平铺在顶层。
type GalleryResult struct {
	Success bool `json:"success"`
	*domain.GalleryDetail
	Message   string `json:"message,omitempty"`
	DebugHTML string `json:"debug_html,omitempty"`

	// partial 表示爬取被中断，清单不完整；不缓存。
	partial bool
}

// Gallery 返回画廊详情；fetchImages=false 时跳过 manifest 汇总。
func (s *Service) Gallery(ctx context.Context, ref domain.GalleryRef, fetchImages, refresh bool) GalleryResult {
	if !ref.Valid() {
		return GalleryResult{Message: "invalid gallery reference"}
	}
	key := cache.Fingerprint(opGallery, map[string]any{
		"gid":    ref.ID,
		"token":  ref.Token,
		"images": fetchImages,
	})

	if v, ok := lookup[GalleryResult](ctx, s, opGallery, key, refresh); ok {
		return v
	}
	res, err := coalesce(ctx, s, key, func(fctx context.Context) GalleryResult {
		res := s.gallery(fctx, ref, fetchImages)
		if res.Success && !res.partial {
			s.store(fctx, opGallery, key, res, s.opt.GalleryTTL)
		}
		return res
	})
	if err != nil {
		return GalleryResult{Message: failureMessage("request cancelled", err)}
	}
	return res
}

func (s *Service) gallery(ctx context.Context, ref domain.GalleryRef, fetchImages bool) GalleryResult {
	u := s.site.GalleryURL(ref, 0)
	html, err := s.site.FetchHTML(ctx, u)
	if err != nil {
		s.log.Warn("抓取详情页失败", slog.String("gallery", ref.String()), slog.Any("err", err))
		return GalleryResult{Message: failureMessage("failed to fetch gallery", err)}
	}

	detail, err := s.parser.Detail(html, ref)
	if err != nil {
		res := GalleryResult{Message: failureMessage("failed to parse gallery", err)}
		var ee *extract.Error
		if errors.As(err, &ee) {
			res.DebugHTML = ee.Excerpt
		}
		s.log.Warn("解析详情页失败", slog.String("gallery", ref.String()), slog.Any("err", err))
		return res
	}

	if fetchImages {
		images, attempts := s.agg.Collect(ctx, detail, html)
		detail.Images = images
		if len(images) == 0 {
			s.log.Warn("未能获取图片清单", slog.String("gallery", ref.String()), slog.Int("attempts", len(attempts)))
		}
		for _, at := range attempts {
			if at.Outcome == manifest.OutcomePartial {
				return GalleryResult{Success: true, GalleryDetail: &detail, partial: true}
			}
		}
	}
	return GalleryResult{Success: true, GalleryDetail: &detail}
}
