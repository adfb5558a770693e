package extract

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/John-Robertt/carina/internal/domain"
)

// Listing 策略名（按优先级排列）。
const (
	ListingTable = "table"
	ListingGrid  = "grid"
	ListingLinks = "links"
)

type listingStrategy struct {
	name  string
	parse func(p Parser, root *goquery.Selection) []domain.GallerySummary
}

var listingStrategies = []listingStrategy{
	{name: ListingTable, parse: Parser.listingTable},
	{name: ListingGrid, parse: Parser.listingGrid},
	{name: ListingLinks, parse: Parser.listingLinks},
}

// Listing 解析搜索/首页列表。
//
// 根容器不存在时返回 *Error{ReasonNoMatch}；根容器存在但没有任何行视为“空结果”。
func (p Parser) Listing(html []byte) ([]domain.GallerySummary, domain.Pagination, error) {
	out, pg, _, err := p.ListingWithStrategy(html)
	return out, pg, err
}

// ListingWithStrategy 与 Listing 相同，额外返回命中的策略名（全部为空时为 ""）。
func (p Parser) ListingWithStrategy(html []byte) ([]domain.GallerySummary, domain.Pagination, string, error) {
	doc, err := newDocument(html)
	if err != nil {
		return nil, domain.Pagination{}, "", &Error{Reason: ReasonNoMatch}
	}

	root := doc.Find("div.ido").First()
	if root.Length() == 0 {
		if doc.Find(".itg").Length() == 0 {
			return nil, domain.Pagination{}, "", &Error{Reason: ReasonNoMatch}
		}
		root = doc.Find("body").First()
		if root.Length() == 0 {
			root = doc.Selection
		}
	}

	pg := domain.NewPagination(nextCursor(doc))
	for _, s := range listingStrategies {
		if rows := s.parse(p, root); len(rows) > 0 {
			return rows, pg, s.name, nil
		}
	}
	return []domain.GallerySummary{}, pg, "", nil
}

func nextCursor(doc *goquery.Document) string {
	href, ok := doc.Find("a#dnext").First().Attr("href")
	if !ok {
		return ""
	}
	u, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return ""
	}
	return u.Query().Get("next")
}

// listingTable：扩展/紧凑/最小化表格布局，每个 tr 是一行。
func (p Parser) listingTable(root *goquery.Selection) []domain.GallerySummary {
	var out []domain.GallerySummary
	root.Find("table.itg tr").Each(func(_ int, row *goquery.Selection) {
		link := row.Find(`a[href*="/g/"]`).First()
		if link.Length() == 0 {
			return
		}
		s, ok := p.summary(row, link)
		if !ok {
			return
		}
		s.Title = firstNonEmpty(
			normSpace(row.Find(".glink").First().Text()),
			normSpace(link.Text()),
			imgTitle(row),
		)
		out = append(out, s)
	})
	return out
}

// listingGrid：缩略图网格布局，每个 div.gl1t 是一格。
func (p Parser) listingGrid(root *goquery.Selection) []domain.GallerySummary {
	var out []domain.GallerySummary
	root.Find("div.gl1t").Each(func(_ int, cell *goquery.Selection) {
		link := cell.Find(`a[href*="/g/"]`).First()
		if link.Length() == 0 {
			return
		}
		s, ok := p.summary(cell, link)
		if !ok {
			return
		}
		s.Title = firstNonEmpty(
			normSpace(cell.Find(".glname").First().Text()),
			normSpace(cell.Find(".glink").First().Text()),
			normSpace(link.Text()),
			imgTitle(cell),
		)
		out = append(out, s)
	})
	return out
}

// listingLinks：最后的兜底，扫描容器内所有画廊链接并按 id 去重。
func (p Parser) listingLinks(root *goquery.Selection) []domain.GallerySummary {
	var out []domain.GallerySummary
	seen := map[uint64]int{}
	root.Find(`a[href*="/g/"]`).Each(func(_ int, link *goquery.Selection) {
		href, _ := link.Attr("href")
		ref, ok := RefFromURL(href)
		if !ok {
			return
		}
		title := firstNonEmpty(normSpace(link.Text()), imgTitle(link))
		if i, dup := seen[ref.ID]; dup {
			// 同一画廊常见“缩略图链接 + 标题链接”两个锚点，合并信息。
			if out[i].Title == "" {
				out[i].Title = title
			}
			if out[i].ThumbnailRef.SourceURL == "" {
				out[i].ThumbnailRef = p.thumbnail(link)
			}
			return
		}
		seen[ref.ID] = len(out)
		out = append(out, domain.GallerySummary{
			GalleryRef:   ref,
			URL:          p.resolve(href),
			Title:        title,
			ThumbnailRef: p.thumbnail(link),
		})
	})
	return out
}

// summary 构造一行的公共字段；标题由具体布局填充。
func (p Parser) summary(row, link *goquery.Selection) (domain.GallerySummary, bool) {
	href, _ := link.Attr("href")
	ref, ok := RefFromURL(href)
	if !ok {
		return domain.GallerySummary{}, false
	}

	s := domain.GallerySummary{
		GalleryRef:   ref,
		URL:          p.resolve(href),
		ThumbnailRef: p.thumbnail(row),
		Category:     normSpace(row.Find(".cn, .cs").First().Text()),
		Uploader:     normSpace(row.Find(`a[href*="/uploader/"]`).First().Text()),
	}
	if n, ok := pageCount(row); ok {
		s.PageCount = &n
	}
	return s, true
}

// pageCount 优先在叶子节点里找 "N pages"；相邻节点的文本拼接后数字可能粘连。
func pageCount(row *goquery.Selection) (int, bool) {
	n, found := 0, false
	row.Find("div, td, span").EachWithBreak(func(_ int, el *goquery.Selection) bool {
		if el.Children().Length() > 0 {
			return true
		}
		if m := pagesRE.FindStringSubmatch(normSpace(el.Text())); m != nil {
			n, found = firstInt(m[1])
			return !found
		}
		return true
	})
	if found {
		return n, true
	}
	if m := pagesRE.FindStringSubmatch(normSpace(row.Text())); m != nil {
		return firstInt(m[1])
	}
	return 0, false
}

func imgTitle(sel *goquery.Selection) string {
	img := sel.Find("img").First()
	if v, ok := img.Attr("title"); ok && strings.TrimSpace(v) != "" {
		return normSpace(v)
	}
	v, _ := img.Attr("alt")
	return normSpace(v)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
