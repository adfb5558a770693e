package extract

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/John-Robertt/carina/internal/domain"
)

// manifestSelectors 按优先级列出详情页缩略图区的三种布局。
var manifestSelectors = []string{
	"#gdt .gdtm",
	"#gdt .gdtl",
	`#gdt a[href*="/s/"]`,
}

// FileName 生成 manifest 中的文件名（%03d.jpg）。
func FileName(index uint32) string {
	return fmt.Sprintf("%03d.jpg", index)
}

// ManifestPage 解析详情页的一页缩略图。
//
// startIndex 是本页第一张图的序号（1-based）。没有链接的节点被跳过且不占序号，
// 保证同一页内序号连续。
func (p Parser) ManifestPage(html []byte, startIndex int) []domain.ImageDescriptor {
	doc, err := newDocument(html)
	if err != nil {
		return nil
	}
	if startIndex < 1 {
		startIndex = 1
	}

	for _, sel := range manifestSelectors {
		nodes := doc.Find(sel)
		if nodes.Length() == 0 {
			continue
		}
		var out []domain.ImageDescriptor
		nodes.Each(func(_ int, node *goquery.Selection) {
			link := node
			if !node.Is("a") {
				link = node.Find(`a[href]`).First()
			}
			href, ok := link.Attr("href")
			if !ok || strings.TrimSpace(href) == "" {
				return
			}
			idx := uint32(startIndex + len(out))
			out = append(out, domain.ImageDescriptor{
				Index:        idx,
				FileName:     FileName(idx),
				Key:          imageKey(href),
				PageURL:      p.resolve(href),
				ThumbnailRef: p.thumbnail(node),
			})
		})
		if len(out) > 0 {
			return out
		}
	}
	return nil
}

var (
	viewerMarkerRE = regexp.MustCompile(`var\s+(?:imagelist|y)\s*=\s*\[`)
	viewerIDRE     = regexp.MustCompile(`/mpv/(\d+)/`)
	parenURLRE     = regexp.MustCompile(`\(\s*['"]?([^'")]+?)['"]?\s*\)`)
)

type viewerRecord struct {
	N string `json:"n"`
	K string `json:"k"`
	T string `json:"t"`
}

// ViewerManifest 解析多页查看器页面内嵌的图片清单。
//
// 标记缺失、JSON 非法或 viewerURL 中没有画廊 id 时返回空切片（软失败，由调用方回退）。
func (p Parser) ViewerManifest(html []byte, viewerURL string) []domain.ImageDescriptor {
	m := viewerIDRE.FindStringSubmatch(viewerURL)
	if m == nil {
		return nil
	}
	gid := m[1]

	recs, ok := viewerRecords(html)
	if !ok {
		return nil
	}

	out := make([]domain.ImageDescriptor, 0, len(recs))
	for i, r := range recs {
		idx := uint32(i + 1)
		name := strings.TrimSpace(r.N)
		if name == "" {
			name = FileName(idx)
		}
		out = append(out, domain.ImageDescriptor{
			Index:        idx,
			FileName:     name,
			Key:          r.K,
			PageURL:      p.base() + "/s/" + r.K + "/" + gid + "-" + strconv.Itoa(i+1),
			ThumbnailRef: domain.NewThumbnailRef(p.resolve(viewerThumb(r.T)), nil),
		})
	}
	return out
}

// viewerRecords 从标记后的 '[' 开始按 JSON 解码一个完整数组。
// 字符串值里可能出现 "];"，不能靠正则找结尾。
func viewerRecords(html []byte) ([]viewerRecord, bool) {
	for _, loc := range viewerMarkerRE.FindAllIndex(html, -1) {
		var recs []viewerRecord
		dec := json.NewDecoder(bytes.NewReader(html[loc[1]-1:]))
		if err := dec.Decode(&recs); err == nil {
			return recs, true
		}
	}
	return nil, false
}

// viewerThumb 兼容两种 t 字段：纯 URL，或 "(url) -0px 0" 形式的背景描述。
func viewerThumb(t string) string {
	t = strings.TrimSpace(t)
	if m := parenURLRE.FindStringSubmatch(t); m != nil {
		return m[1]
	}
	return t
}

// ImageSource 从单图页面中取原图地址（img#img 的 src）。
func (p Parser) ImageSource(html []byte) (string, bool) {
	doc, err := newDocument(html)
	if err != nil {
		return "", false
	}
	src, ok := doc.Find("img#img").First().Attr("src")
	src = strings.TrimSpace(src)
	if !ok || src == "" {
		return "", false
	}
	return p.resolve(src), true
}
