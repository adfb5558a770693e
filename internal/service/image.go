package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/url"
	"strings"

	"github.com/John-Robertt/carina/internal/domain"
	"github.com/John-Robertt/carina/internal/infra/imgx"
	"github.com/John-Robertt/carina/internal/site"
)

// BodyKind 区分图片响应体的两种形态。
type BodyKind int

const (
	// BodyStreaming：上游 body 原样流式转发，调用方负责 Close。
	BodyStreaming BodyKind = iota + 1
	// BodyBuffered：已在内存中的字节（变换结果或回退的原图）。
	BodyBuffered
)

// ImageBody 是图片响应体；Kind 决定 Stream 与 Bytes 中哪一个有效。
type ImageBody struct {
	Kind   BodyKind
	Stream io.ReadCloser
	Size   int64 // 仅 BodyStreaming；-1 表示未知
	Bytes  []byte
}

// Close 释放流式 body；对 BodyBuffered 是 no-op。
func (b ImageBody) Close() error {
	if b.Kind == BodyStreaming && b.Stream != nil {
		return b.Stream.Close()
	}
	return nil
}

// 图片失败的类别（路由层据此选择状态码）。
const (
	FailInvalid  = "invalid"
	FailUpstream = "upstream"
)

// 代理响应的形态（指标标签）。
const (
	modeStream      = "stream"
	modeTransformed = "transformed"
	modeOriginal    = "original"
	modeError       = "error"
)

// ImageResult 是图片代理的结果。失败时 Body 为零值。
type ImageResult struct {
	Success     bool
	ContentType string
	Body        ImageBody
	Message     string
	Failure     string
}

// Image 代理 rawURL 指向的图片；rawURL 也可以是单图页面（先解析出真实图片地址）。
//
// 不需要处理时流式透传；需要处理时读入内存（受 MaxImageBytes 限制）再变换。
// 变换的任何失败都回退为原图，而不是报错。
func (s *Service) Image(ctx context.Context, rawURL string, req domain.TransformRequest) ImageResult {
	src, ok := normalizeImageURL(rawURL)
	if !ok {
		s.metrics.ProxyServed(modeError)
		return ImageResult{Message: "invalid image url", Failure: FailInvalid}
	}

	if site.IsImagePageURL(src) {
		resolved, err := s.resolvePage(ctx, src)
		if err != nil {
			s.metrics.ProxyServed(modeError)
			s.log.Warn("解析图片页失败", slog.String("url", src), slog.Any("err", err))
			return ImageResult{Message: failureMessage("failed to resolve image page", err), Failure: FailUpstream}
		}
		src = resolved
	}

	resp, err := s.site.Open(ctx, src, nil)
	if err != nil {
		s.metrics.ProxyServed(modeError)
		s.log.Warn("下载图片失败", slog.String("url", src), slog.Any("err", err))
		return ImageResult{Message: failureMessage("failed to fetch image", err), Failure: FailUpstream}
	}
	ct := contentType(resp.Header.Get("Content-Type"), src)

	if !req.NeedsProcessing() || s.engine == nil {
		s.metrics.ProxyServed(modeStream)
		return ImageResult{
			Success:     true,
			ContentType: ct,
			Body:        ImageBody{Kind: BodyStreaming, Stream: resp.Body, Size: resp.ContentLength},
		}
	}

	if req.Quality == 0 {
		req.Quality = s.opt.Quality
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, s.opt.MaxImageBytes+1))
	if err != nil {
		_ = resp.Body.Close()
		s.metrics.ProxyServed(modeError)
		return ImageResult{Message: failureMessage("failed to read image", err), Failure: FailUpstream}
	}
	if int64(len(data)) > s.opt.MaxImageBytes {
		// 超过上限不做变换：把已读部分与剩余 body 拼回去，原样转发。
		s.metrics.ProxyServed(modeOriginal)
		s.log.Info("图片超过处理上限，转发原图", slog.String("url", src), slog.Int64("max_bytes", s.opt.MaxImageBytes))
		return ImageResult{
			Success:     true,
			ContentType: ct,
			Body: ImageBody{
				Kind:   BodyStreaming,
				Stream: readCloser{Reader: io.MultiReader(bytes.NewReader(data), resp.Body), Closer: resp.Body},
				Size:   resp.ContentLength,
			},
		}
	}
	_ = resp.Body.Close()

	out, err := s.engine.Transform(data, req)
	if err != nil {
		s.metrics.TransformDone(failedBackend(err), transformOutcome(err), 0)
		s.metrics.ProxyServed(modeOriginal)
		s.log.Warn("图片变换失败，回退原图", slog.String("url", src), slog.Any("err", err))
		return ImageResult{
			Success:     true,
			ContentType: ct,
			Body:        ImageBody{Kind: BodyBuffered, Bytes: data},
		}
	}
	s.metrics.TransformDone(out.Backend, "ok", out.Duration.Seconds())
	s.metrics.ProxyServed(modeTransformed)
	return ImageResult{
		Success:     true,
		ContentType: out.ContentType,
		Body:        ImageBody{Kind: BodyBuffered, Bytes: out.Bytes},
	}
}

func (s *Service) resolvePage(ctx context.Context, pageURL string) (string, error) {
	html, err := s.site.FetchHTML(ctx, pageURL)
	if err != nil {
		return "", err
	}
	src, ok := s.parser.ImageSource(html)
	if !ok {
		return "", errors.New("image element not found")
	}
	return src, nil
}

// normalizeImageURL 只接受绝对 http(s) URL；协议相对 URL 补 https。
func normalizeImageURL(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "//") {
		raw = "https:" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	return u.String(), true
}

// contentType 优先使用上游声明的图片类型，否则按扩展名推断，兜底 image/jpeg。
func contentType(header, src string) string {
	if mt, _, err := mime.ParseMediaType(header); err == nil && strings.HasPrefix(mt, "image/") {
		return header
	}
	if u, err := url.Parse(src); err == nil {
		p := u.Path
		if i := strings.LastIndexByte(p, '.'); i >= 0 {
			if t := mime.TypeByExtension(strings.ToLower(p[i:])); strings.HasPrefix(t, "image/") {
				return t
			}
		}
	}
	return imgx.ContentTypeJPEG
}

func failedBackend(err error) string {
	var be *imgx.BackendError
	if errors.As(err, &be) && len(be.Attempts) > 0 {
		return be.Attempts[len(be.Attempts)-1].Backend
	}
	return "none"
}

func transformOutcome(err error) string {
	switch {
	case errors.Is(err, imgx.ErrTooLarge):
		return "too_large"
	case errors.Is(err, imgx.ErrInvalidCrop):
		return "invalid_crop"
	case errors.Is(err, imgx.ErrNoBackend):
		return "no_backend"
	case errors.Is(err, imgx.ErrEmptyInput):
		return "empty"
	default:
		return "failed"
	}
}

type readCloser struct {
	io.Reader
	io.Closer
}
