package extract

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/John-Robertt/carina/internal/domain"
)

var (
	cssURLRE      = regexp.MustCompile(`url\(\s*['"]?([^'")]+?)['"]?\s*\)`)
	cssPositionRE = regexp.MustCompile(`(-?\d+)(?:px)?\s+(-?\d+)(?:px)?`)
)

// spriteStyle 是从 inline style 中提取出的背景图信息；未知字段为 nil。
type spriteStyle struct {
	URL  string
	W, H *int
	X, Y *int
}

// crop 只有在宽、高、x、y 全部已知时才返回裁剪框。
func (s spriteStyle) crop() *domain.CropBox {
	if s.W == nil || s.H == nil || s.X == nil || s.Y == nil {
		return nil
	}
	return &domain.CropBox{Width: *s.W, Height: *s.H, X: *s.X, Y: *s.Y}
}

// parseSpriteStyle 按 ';' 切分 style，逐条声明独立匹配。
//
// background-image + background-position 与 background 简写归一到同一结构。
// 偏移量取绝对值（站点用负偏移表示“向右/向下”）。
func parseSpriteStyle(style string) (spriteStyle, bool) {
	var out spriteStyle
	for _, decl := range strings.Split(style, ";") {
		name, value, ok := strings.Cut(decl, ":")
		if !ok {
			continue
		}
		name = strings.ToLower(strings.TrimSpace(name))
		value = strings.TrimSpace(value)

		switch name {
		case "width":
			out.W = parsePx(value)
		case "height":
			out.H = parsePx(value)
		case "background-image":
			if m := cssURLRE.FindStringSubmatch(value); m != nil {
				out.URL = strings.TrimSpace(m[1])
			}
		case "background":
			if m := cssURLRE.FindStringSubmatch(value); m != nil {
				out.URL = strings.TrimSpace(m[1])
			}
			// URL 里可能有数字序列，先去掉再找偏移。
			rest := cssURLRE.ReplaceAllString(value, " ")
			if x, y, ok := parsePosition(rest); ok {
				out.X, out.Y = &x, &y
			}
		case "background-position":
			if x, y, ok := parsePosition(value); ok {
				out.X, out.Y = &x, &y
			}
		}
	}
	return out, out.URL != ""
}

func parsePosition(s string) (int, int, bool) {
	m := cssPositionRE.FindStringSubmatch(s)
	if m == nil {
		return 0, 0, false
	}
	x, err1 := strconv.Atoi(m[1])
	y, err2 := strconv.Atoi(m[2])
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return absInt(x), absInt(y), true
}

func parsePx(s string) *int {
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "px"))
	if s == "" {
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f < 0 || math.IsNaN(f) {
		return nil
	}
	n := int(f)
	return &n
}

func absInt(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

func hasCSSURL(style string) bool {
	return strings.Contains(strings.ToLower(style), "url(")
}

// imgSource 取 img 的真实地址：data-src 优先（懒加载），忽略占位图。
func imgSource(img *goquery.Selection) string {
	for _, attr := range []string{"data-src", "src"} {
		v, _ := img.Attr(attr)
		v = strings.TrimSpace(v)
		if v == "" || isPlaceholder(v) {
			continue
		}
		return v
	}
	return ""
}

// isPlaceholder 识别盖在雪碧图背景上的透明占位图。
func isPlaceholder(src string) bool {
	if strings.HasPrefix(src, "data:") {
		return true
	}
	return strings.HasSuffix(strings.ToLower(src), "/blank.gif")
}

// thumbnail 在 sel（含自身）范围内解析缩略图，优先级：
//  1. img 的直接地址（img 自身 style 不带背景图时）
//  2. 带 url( 的 style：img 自身、sel 自身、再到任意后代
//  3. img 的直接地址（style 中背景图无法解析时兜底）
func (p Parser) thumbnail(sel *goquery.Selection) domain.ThumbnailRef {
	img := sel.Filter("img")
	if img.Length() == 0 {
		img = sel.Find("img")
	}
	img = img.First()

	if img.Length() > 0 {
		style, _ := img.Attr("style")
		if !hasCSSURL(style) {
			if src := imgSource(img); src != "" {
				return domain.NewThumbnailRef(p.resolve(src), nil)
			}
		}
	}

	for _, style := range styleCandidates(sel, img) {
		if sp, ok := parseSpriteStyle(style); ok {
			return domain.NewThumbnailRef(p.resolve(sp.URL), sp.crop())
		}
	}

	if img.Length() > 0 {
		if src := imgSource(img); src != "" {
			return domain.NewThumbnailRef(p.resolve(src), nil)
		}
	}
	return domain.ThumbnailRef{}
}

func styleCandidates(sel, img *goquery.Selection) []string {
	var out []string
	add := func(s *goquery.Selection) {
		if v, ok := s.Attr("style"); ok && hasCSSURL(v) {
			out = append(out, v)
		}
	}
	if img.Length() > 0 {
		add(img)
	}
	add(sel.First())
	sel.First().Find("[style]").Each(func(_ int, s *goquery.Selection) {
		add(s)
	})
	return out
}
