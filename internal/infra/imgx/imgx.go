// Package imgx 实现图片变换：按需裁剪雪碧图、缩放、统一编码为 JPEG。
//
// 约束：
// - 处理顺序固定：尺寸检查 -> 裁剪 -> 缩放 -> 编码
// - 后端按顺序尝试，每次都从原始字节重新开始
// - 源图或输出超过像素上限时在任何后端运行之前失败
package imgx

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // 注册 GIF 解码器
	_ "image/jpeg" // 注册 JPEG 解码器
	_ "image/png"  // 注册 PNG 解码器
	"strings"
	"time"

	_ "golang.org/x/image/bmp"  // 注册 BMP 解码器
	_ "golang.org/x/image/webp" // 注册 WebP 解码器（站点缩略图多为 webp）

	"github.com/John-Robertt/carina/internal/domain"
)

// DefaultMaxPixels 是默认像素上限（宽 × 高）。
const DefaultMaxPixels = 25_000_000

// ContentTypeJPEG 是变换结果的固定类型。
const ContentTypeJPEG = "image/jpeg"

var (
	ErrEmptyInput    = errors.New("imgx: 输入为空")
	ErrTooLarge      = errors.New("imgx: 图片像素超过上限")
	ErrInvalidCrop   = errors.New("imgx: 裁剪框与图片没有交集")
	ErrNoBackend     = errors.New("imgx: 没有可用的图片后端")
	ErrBackendFailed = errors.New("imgx: 所有图片后端均失败")
)

// Result 是一次成功变换的输出。
type Result struct {
	ContentType string
	Bytes       []byte
	Backend     string
	Duration    time.Duration
}

// Attempt 记录一个后端的失败。
type Attempt struct {
	Backend string
	Stage   string // decode / crop / resize / encode
	Err     error
}

// BackendError 表示所有后端都失败；errors.Is(err, ErrBackendFailed) 为 true。
type BackendError struct {
	Attempts []Attempt
}

func (e *BackendError) Error() string {
	if e == nil || len(e.Attempts) == 0 {
		return ErrBackendFailed.Error()
	}
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s/%s: %v", a.Backend, a.Stage, a.Err))
	}
	return ErrBackendFailed.Error() + "：" + strings.Join(parts, "; ")
}

func (e *BackendError) Is(target error) bool { return target == ErrBackendFailed }

// Engine 按顺序持有经过探测的后端；构造后只读，可并发使用。
type Engine struct {
	maxPixels int64
	backends  []Backend
}

// NewEngine 探测每个后端（1×1 图片完整走一遍），只保留可用的后端。
//
// maxPixels<=0 时使用 DefaultMaxPixels。
func NewEngine(maxPixels int64, backends ...Backend) *Engine {
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	e := &Engine{maxPixels: maxPixels}
	for _, b := range backends {
		if b == nil {
			continue
		}
		if err := probe(b); err != nil {
			continue
		}
		e.backends = append(e.backends, b)
	}
	return e
}

// Backends 返回可用后端名（按尝试顺序）。
func (e *Engine) Backends() []string {
	out := make([]string, 0, len(e.backends))
	for _, b := range e.backends {
		out = append(out, b.Name())
	}
	return out
}

// Transform 对 data 执行 req 描述的变换。
//
// 错误：ErrEmptyInput / ErrTooLarge / ErrInvalidCrop / ErrNoBackend / *BackendError。
// 调用方遇到任何错误都应回退为原图。
func (e *Engine) Transform(data []byte, req domain.TransformRequest) (Result, error) {
	if len(data) == 0 {
		return Result{}, ErrEmptyInput
	}

	// 只读头部：不解码像素就能拒绝超大图片。未知格式跳过检查，交给后端尝试。
	if cfg, _, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
		if err := e.checkBounds(cfg.Width, cfg.Height, req); err != nil {
			return Result{}, err
		}
	}

	if len(e.backends) == 0 {
		return Result{}, ErrNoBackend
	}

	var attempts []Attempt
	for _, b := range e.backends {
		start := time.Now()
		out, stage, err := e.run(b, data, req)
		if err == nil {
			return Result{
				ContentType: ContentTypeJPEG,
				Bytes:       out,
				Backend:     b.Name(),
				Duration:    time.Since(start),
			}, nil
		}
		if errors.Is(err, ErrTooLarge) || errors.Is(err, ErrInvalidCrop) {
			return Result{}, err
		}
		attempts = append(attempts, Attempt{Backend: b.Name(), Stage: stage, Err: err})
	}
	return Result{}, &BackendError{Attempts: attempts}
}

func (e *Engine) run(b Backend, data []byte, req domain.TransformRequest) ([]byte, string, error) {
	img, err := b.Decode(data)
	if err != nil {
		return nil, "decode", err
	}
	bounds := img.Bounds()
	// 头部无法识别时这里才第一次知道尺寸。
	if err := e.checkBounds(bounds.Dx(), bounds.Dy(), req); err != nil {
		return nil, "decode", err
	}

	if req.Crop != nil {
		box, _ := clipCrop(*req.Crop, bounds.Dx(), bounds.Dy())
		if img, err = b.Crop(img, box); err != nil {
			return nil, "crop", err
		}
	}

	if req.Width > 0 || req.Height > 0 {
		cur := img.Bounds()
		w, h := targetSize(cur.Dx(), cur.Dy(), req.Width, req.Height)
		if err := e.checkOutput(w, h); err != nil {
			return nil, "resize", err
		}
		if w != cur.Dx() || h != cur.Dy() {
			if img, err = b.Resize(img, w, h); err != nil {
				return nil, "resize", err
			}
		}
	}

	var buf bytes.Buffer
	if err := b.Encode(&buf, img, req.EffectiveQuality()); err != nil {
		return nil, "encode", err
	}
	return buf.Bytes(), "", nil
}

// checkBounds 校验源图尺寸、裁剪框与缩放后的输出尺寸。
func (e *Engine) checkBounds(w, h int, req domain.TransformRequest) error {
	if int64(w)*int64(h) > e.maxPixels {
		return fmt.Errorf("%w：%dx%d", ErrTooLarge, w, h)
	}
	if req.Crop != nil {
		box, ok := clipCrop(*req.Crop, w, h)
		if !ok {
			return fmt.Errorf("%w：crop=%+v image=%dx%d", ErrInvalidCrop, *req.Crop, w, h)
		}
		w, h = box.Width, box.Height
	}
	if req.Width > 0 || req.Height > 0 {
		// 单边先单独比较：推导另一边时避免 float -> int 溢出。
		if int64(req.Width) > e.maxPixels || int64(req.Height) > e.maxPixels {
			return fmt.Errorf("%w：目标 %dx%d", ErrTooLarge, req.Width, req.Height)
		}
		return e.checkOutput(targetSize(w, h, req.Width, req.Height))
	}
	return nil
}

// checkOutput 拒绝超过像素上限的输出尺寸（输出缓冲按 w*h 分配）。
func (e *Engine) checkOutput(w, h int) error {
	if int64(w) > e.maxPixels || int64(h) > e.maxPixels || int64(w)*int64(h) > e.maxPixels {
		return fmt.Errorf("%w：输出 %dx%d", ErrTooLarge, w, h)
	}
	return nil
}

// clipCrop 把裁剪框限制在 w×h 内；结果为空（尺寸为 0 或完全越界）时 ok=false。
func clipCrop(c domain.CropBox, w, h int) (domain.CropBox, bool) {
	if c.Width <= 0 || c.Height <= 0 {
		return domain.CropBox{}, false
	}
	r := image.Rect(c.X, c.Y, c.X+c.Width, c.Y+c.Height).Intersect(image.Rect(0, 0, w, h))
	if r.Empty() {
		return domain.CropBox{}, false
	}
	return domain.CropBox{Width: r.Dx(), Height: r.Dy(), X: r.Min.X, Y: r.Min.Y}, true
}

// targetSize 计算缩放目标；只给一边时另一边按比例推导（整数截断，至少 1）。
func targetSize(srcW, srcH, w, h int) (int, int) {
	switch {
	case w > 0 && h > 0:
		return w, h
	case w > 0:
		h = int(float64(srcH) * (float64(w) / float64(srcW)))
	case h > 0:
		w = int(float64(srcW) * (float64(h) / float64(srcH)))
	default:
		return srcW, srcH
	}
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	return w, h
}
