package domain

import (
	"net/url"
	"strconv"
	"strings"
)

// ProxyPath 是图片代理端点的相对路径（由前端拼接 base）。
const ProxyPath = "image/proxy"

// CropBox 是雪碧图中的一个矩形区域（像素）。
//
// 解析阶段不校验是否越界：源图尺寸要到真正下载图片后才知道，校验推迟到 imgx。
type CropBox struct {
	Width  int `json:"w"`
	Height int `json:"h"`
	X      int `json:"x"`
	Y      int `json:"y"`
}

// ThumbnailRef 要么是独立图片，要么是共享雪碧图中的一块（Crop != nil）。
//
// 以匿名字段嵌入各记录，JSON 中平铺为 thumbnail / thumbnail_proxy（客户端依赖这两个字段名）。
type ThumbnailRef struct {
	SourceURL string   `json:"thumbnail"`
	Crop      *CropBox `json:"thumbnail_crop,omitempty"`
	Proxy     string   `json:"thumbnail_proxy"`
}

// NewThumbnailRef 构造 ThumbnailRef，并同时生成代理 URL。
func NewThumbnailRef(src string, crop *CropBox) ThumbnailRef {
	src = strings.TrimSpace(src)
	if src == "" {
		return ThumbnailRef{}
	}
	var c *CropBox
	if crop != nil {
		cc := *crop
		c = &cc
	}
	return ThumbnailRef{
		SourceURL: src,
		Crop:      c,
		Proxy:     ProxyURL(src, TransformRequest{Crop: c}),
	}
}

// ProxyURL 生成形如 image/proxy?url=<enc>&sprite_w=&sprite_h=&sprite_x=&sprite_y= 的相对 URL。
//
// 参数名是对外契约（路由层与客户端都依赖它），不要改名。参数顺序固定，方便缓存命中。
func ProxyURL(src string, req TransformRequest) string {
	var b strings.Builder
	b.WriteString(ProxyPath)
	b.WriteString("?url=")
	b.WriteString(url.QueryEscape(src))
	if c := req.Crop; c != nil {
		b.WriteString("&sprite_w=" + strconv.Itoa(c.Width))
		b.WriteString("&sprite_h=" + strconv.Itoa(c.Height))
		b.WriteString("&sprite_x=" + strconv.Itoa(c.X))
		b.WriteString("&sprite_y=" + strconv.Itoa(c.Y))
	}
	if req.Width > 0 {
		b.WriteString("&w=" + strconv.Itoa(req.Width))
	}
	if req.Height > 0 {
		b.WriteString("&h=" + strconv.Itoa(req.Height))
	}
	if req.Quality > 0 {
		b.WriteString("&q=" + strconv.Itoa(req.Quality))
	}
	return b.String()
}
