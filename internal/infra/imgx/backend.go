package imgx

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"strings"

	"github.com/disintegration/imaging"
	xdraw "golang.org/x/image/draw"

	"github.com/John-Robertt/carina/internal/domain"
)

// Backend 是一个可替换的图片处理实现。
//
// Crop 收到的裁剪框已经被限制在图片范围内，坐标相对于图片左上角；
// 输出必须以 (0,0) 为原点。
// Decode 不做 EXIF 方向校正：雪碧图坐标针对存储的原始像素。
type Backend interface {
	Name() string
	Decode(data []byte) (image.Image, error)
	Crop(img image.Image, box domain.CropBox) (image.Image, error)
	Resize(img image.Image, w, h int) (image.Image, error)
	Encode(w io.Writer, img image.Image, quality int) error
}

// 后端名（配置 transform.backends 使用）。
const (
	BackendImaging = "imaging"
	BackendDraw    = "draw"
)

// BackendsByName 按名字构造后端列表；未知名字返回错误。
func BackendsByName(names []string) ([]Backend, error) {
	out := make([]Backend, 0, len(names))
	for _, n := range names {
		switch strings.ToLower(strings.TrimSpace(n)) {
		case BackendImaging:
			out = append(out, Imaging{})
		case BackendDraw:
			out = append(out, Draw{})
		default:
			return nil, fmt.Errorf("未知图片后端：%q", n)
		}
	}
	return out, nil
}

// Imaging 基于 github.com/disintegration/imaging（Lanczos 重采样）。
type Imaging struct{}

func (Imaging) Name() string { return BackendImaging }

func (Imaging) Decode(data []byte) (image.Image, error) {
	return imaging.Decode(bytes.NewReader(data))
}

func (Imaging) Crop(img image.Image, box domain.CropBox) (image.Image, error) {
	o := img.Bounds().Min
	r := image.Rect(o.X+box.X, o.Y+box.Y, o.X+box.X+box.Width, o.Y+box.Y+box.Height)
	return imaging.Crop(img, r), nil
}

func (Imaging) Resize(img image.Image, w, h int) (image.Image, error) {
	return imaging.Resize(img, w, h, imaging.Lanczos), nil
}

func (Imaging) Encode(w io.Writer, img image.Image, quality int) error {
	return imaging.Encode(w, img, imaging.JPEG, imaging.JPEGQuality(quality))
}

// Draw 基于 golang.org/x/image/draw（CatmullRom 重采样）+ 标准库编解码。
type Draw struct{}

func (Draw) Name() string { return BackendDraw }

func (Draw) Decode(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	return img, err
}

func (Draw) Crop(img image.Image, box domain.CropBox) (image.Image, error) {
	src := img.Bounds().Min.Add(image.Pt(box.X, box.Y))
	dst := image.NewRGBA(image.Rect(0, 0, box.Width, box.Height))
	xdraw.Draw(dst, dst.Bounds(), img, src, xdraw.Src)
	return dst, nil
}

func (Draw) Resize(img image.Image, w, h int) (image.Image, error) {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), xdraw.Src, nil)
	return dst, nil
}

func (Draw) Encode(w io.Writer, img image.Image, quality int) error {
	return jpeg.Encode(w, img, &jpeg.Options{Quality: quality})
}

// probeImage 是 2×2 的 PNG，用于启动时验证后端可用。
var probeImage = func() []byte {
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	_ = png.Encode(&buf, img)
	return buf.Bytes()
}()

func probe(b Backend) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("后端 %s 探测 panic：%v", b.Name(), r)
		}
	}()

	img, err := b.Decode(probeImage)
	if err != nil {
		return err
	}
	if img, err = b.Crop(img, domain.CropBox{Width: 1, Height: 1, X: 1, Y: 1}); err != nil {
		return err
	}
	if img, err = b.Resize(img, 2, 2); err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := b.Encode(&buf, img, 80); err != nil {
		return err
	}
	cfg, err := jpeg.DecodeConfig(&buf)
	if err != nil {
		return err
	}
	if cfg.Width != 2 || cfg.Height != 2 {
		return fmt.Errorf("后端 %s 探测尺寸错误：%dx%d", b.Name(), cfg.Width, cfg.Height)
	}
	return nil
}
