package domain

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// DefaultQuality 是未指定 q 时的 JPEG 质量。
const DefaultQuality = 95

// TransformRequest 描述一次图片变换。
//
// Width/Height 为 0 表示“按另一边的宽高比推导”；两者都为 0 表示不缩放。
type TransformRequest struct {
	Width   int
	Height  int
	Quality int // 1..100；0 表示默认值
	Crop    *CropBox
}

// NeedsProcessing 为 false 时调用方必须跳过 imgx，直接流式透传源图。
func (r TransformRequest) NeedsProcessing() bool {
	return r.Width > 0 || r.Height > 0 || r.Crop != nil
}

func (r TransformRequest) EffectiveQuality() int {
	switch {
	case r.Quality <= 0:
		return DefaultQuality
	case r.Quality > 100:
		return 100
	default:
		return r.Quality
	}
}

// ParseTransformQuery 从代理 URL 的查询参数中解析 TransformRequest。
//
// sprite_w/sprite_h/sprite_x/sprite_y 必须同时出现才视为裁剪；只给一部分按“无裁剪”处理。
func ParseTransformQuery(q url.Values) (TransformRequest, error) {
	var (
		req TransformRequest
		err error
	)
	if req.Width, err = optInt(q, "w"); err != nil {
		return TransformRequest{}, err
	}
	if req.Height, err = optInt(q, "h"); err != nil {
		return TransformRequest{}, err
	}
	if req.Quality, err = optInt(q, "q"); err != nil {
		return TransformRequest{}, err
	}

	keys := []string{"sprite_w", "sprite_h", "sprite_x", "sprite_y"}
	present := 0
	for _, k := range keys {
		if strings.TrimSpace(q.Get(k)) != "" {
			present++
		}
	}
	if present == len(keys) {
		var c CropBox
		if c.Width, err = optInt(q, "sprite_w"); err != nil {
			return TransformRequest{}, err
		}
		if c.Height, err = optInt(q, "sprite_h"); err != nil {
			return TransformRequest{}, err
		}
		if c.X, err = optInt(q, "sprite_x"); err != nil {
			return TransformRequest{}, err
		}
		if c.Y, err = optInt(q, "sprite_y"); err != nil {
			return TransformRequest{}, err
		}
		req.Crop = &c
	}
	return req, nil
}

func optInt(q url.Values, key string) (int, error) {
	s := strings.TrimSpace(q.Get(key))
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("参数 %s 不是整数：%q", key, s)
	}
	if n < 0 {
		return 0, fmt.Errorf("参数 %s 不能为负数：%d", key, n)
	}
	return n, nil
}
