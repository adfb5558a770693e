// Package extract 把站点 HTML 解析为稳定的结构化记录。
//
// 约束：
// - 所有解析都是纯函数：相同输入 => 相同输出，不做网络请求
// - 每个入口都按固定优先级尝试多种布局，取第一个非空结果
// - 局部字段缺失不算失败；只有“根节点不存在/标题不存在”才返回 *Error
package extract

import (
	"bytes"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/John-Robertt/carina/internal/domain"
)

// DefaultBaseURL 是站点默认域名；相对链接以它为基准解析。
const DefaultBaseURL = "https://e-hentai.org"

// Parser 持有解析相对链接所需的站点基准地址；零值可用。
type Parser struct {
	BaseURL string
}

func (p Parser) base() string {
	u := strings.TrimSpace(p.BaseURL)
	if u == "" {
		return DefaultBaseURL
	}
	return strings.TrimRight(u, "/")
}

var (
	galleryHrefRE = regexp.MustCompile(`/g/(\d+)/([0-9a-f]+)`)
	imageKeyRE    = regexp.MustCompile(`/s/([0-9a-z]+)/`)
	pagesRE       = regexp.MustCompile(`\b(\d+)\s+pages?\b`)
)

func newDocument(html []byte) (*goquery.Document, error) {
	return goquery.NewDocumentFromReader(bytes.NewReader(html))
}

// RefFromURL 从 /g/{id}/{token}/ 形式的链接中提取 GalleryRef。
func RefFromURL(href string) (domain.GalleryRef, bool) {
	m := galleryHrefRE.FindStringSubmatch(href)
	if m == nil {
		return domain.GalleryRef{}, false
	}
	id, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil || id == 0 {
		return domain.GalleryRef{}, false
	}
	return domain.GalleryRef{ID: id, Token: m[2]}, true
}

func imageKey(href string) string {
	if m := imageKeyRE.FindStringSubmatch(href); m != nil {
		return m[1]
	}
	return ""
}

func (p Parser) resolve(href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	if strings.HasPrefix(href, "//") {
		return "https:" + href
	}
	if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") || strings.HasPrefix(href, "data:") {
		return href
	}
	bu, err := url.Parse(p.base() + "/")
	if err != nil {
		return href
	}
	ru, err := url.Parse(href)
	if err != nil {
		return href
	}
	return bu.ResolveReference(ru).String()
}

func normSpace(s string) string { return strings.Join(strings.Fields(s), " ") }

func normLabel(s string) string {
	s = normSpace(s)
	s = strings.TrimSuffix(s, ":")
	s = strings.TrimSuffix(s, "：")
	return strings.TrimSpace(s)
}

// firstInt 提取第一段连续数字；没有数字返回 (0, false)。
func firstInt(s string) (int, bool) {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
			continue
		}
		if b.Len() > 0 {
			break
		}
	}
	if b.Len() == 0 {
		return 0, false
	}
	n, err := strconv.Atoi(b.String())
	if err != nil {
		return 0, false
	}
	return n, true
}
