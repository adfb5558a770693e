// Package server 是对外的 HTTP 层：参数解析、状态码映射、中间件。业务全部委托给 service。
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/John-Robertt/carina/internal/domain"
	"github.com/John-Robertt/carina/internal/infra/metrics"
	"github.com/John-Robertt/carina/internal/service"
	"github.com/John-Robertt/carina/internal/site"
)

// CookieHeader 允许客户端按请求覆盖站点 Cookie。
const CookieHeader = "X-EH-Cookie"

// proxyCacheControl 是图片代理响应的缓存头；同一 URL 的图片内容不会变化。
const proxyCacheControl = "public, max-age=31536000"

// Backend 是路由层对编排层的依赖；*service.Service 满足该接口。
type Backend interface {
	Search(ctx context.Context, query, cursor string, refresh bool) service.SearchResult
	Gallery(ctx context.Context, ref domain.GalleryRef, fetchImages, refresh bool) service.GalleryResult
	Image(ctx context.Context, rawURL string, req domain.TransformRequest) service.ImageResult
}

type failure struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Path    string `json:"path,omitempty"`
}

type handler struct {
	svc Backend
	log *slog.Logger
}

// New 构造 echo 实例并注册全部路由与中间件。
func New(svc Backend, log *slog.Logger, m *metrics.Metrics) *echo.Echo {
	if log == nil {
		log = slog.Default()
	}
	h := &handler{svc: svc, log: log}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler(log)

	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: func() string { return uuid.NewString() },
	}))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderContentType, CookieHeader},
	}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		Skipper: func(c echo.Context) bool {
			p := c.Request().URL.Path
			return p == "/healthz" || p == "/metrics"
		},
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRemoteIP:  true,
		LogRequestID: true,
		LogError:     true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []slog.Attr{
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
				slog.String("remote_ip", v.RemoteIP),
				slog.String("request_id", v.RequestID),
			}
			if v.Error != nil {
				attrs = append(attrs, slog.Any("err", v.Error))
			}
			log.LogAttrs(c.Request().Context(), slog.LevelInfo, "HTTP 请求完成", attrs...)
			return nil
		},
	}))

	e.GET("/", h.search)
	e.GET("/search", h.search)
	e.GET("/gallery", h.gallery)
	e.GET("/"+domain.ProxyPath, h.imageProxy)
	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/metrics", echo.WrapHandler(m.Handler()))
	return e
}

// Run 监听 addr，ctx 结束时优雅关闭（最多等待 10s）。
func Run(ctx context.Context, e *echo.Echo, addr string, log *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info("HTTP 服务启动", slog.String("addr", addr))
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	log.Info("HTTP 服务关闭中")
	if err := e.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

// errorHandler 把路由未命中等框架错误统一成 {success:false, message}。
func errorHandler(log *slog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		code := http.StatusInternalServerError
		msg := "Internal server error"
		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			if s, ok := he.Message.(string); ok {
				msg = s
			}
		}
		body := failure{Message: msg}
		if code == http.StatusNotFound {
			body.Message = "Endpoint not found"
			body.Path = c.Request().URL.Path
		}
		if code >= http.StatusInternalServerError {
			log.Error("请求处理失败", slog.String("path", c.Request().URL.Path), slog.Any("err", err))
		}
		if c.Request().Method == http.MethodHead {
			err = c.NoContent(code)
		} else {
			err = c.JSON(code, body)
		}
		if err != nil {
			log.Warn("写错误响应失败", slog.Any("err", err))
		}
	}
}

// requestContext 取请求 ctx，并叠加按请求覆盖的 Cookie。
func requestContext(c echo.Context) context.Context {
	return site.WithCookie(c.Request().Context(), c.Request().Header.Get(CookieHeader))
}

func flag(c echo.Context, name string) bool {
	switch strings.ToLower(strings.TrimSpace(c.QueryParam(name))) {
	case "1", "true", "yes":
		return true
	}
	return false
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, failure{Message: msg})
}

func (h *handler) search(c echo.Context) error {
	res := h.svc.Search(requestContext(c), c.QueryParam("q"), c.QueryParam("next"), flag(c, "refresh"))
	if !res.Success {
		return c.JSON(http.StatusBadGateway, res)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *handler) gallery(c echo.Context) error {
	gid, err := strconv.ParseUint(strings.TrimSpace(c.QueryParam("gid")), 10, 64)
	token := strings.TrimSpace(c.QueryParam("token"))
	if err != nil || gid == 0 || token == "" {
		return badRequest(c, "gid and token are required")
	}
	// images=0 只返回详情，不汇总图片清单。
	fetchImages := strings.TrimSpace(c.QueryParam("images")) != "0"

	res := h.svc.Gallery(requestContext(c), domain.GalleryRef{ID: gid, Token: token}, fetchImages, flag(c, "refresh"))
	if !res.Success {
		return c.JSON(http.StatusBadGateway, res)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *handler) imageProxy(c echo.Context) error {
	raw := strings.TrimSpace(c.QueryParam("url"))
	if raw == "" {
		return badRequest(c, "url is required")
	}
	req, err := domain.ParseTransformQuery(c.QueryParams())
	if err != nil {
		return badRequest(c, err.Error())
	}

	res := h.svc.Image(requestContext(c), raw, req)
	if !res.Success {
		code := http.StatusBadGateway
		if res.Failure == service.FailInvalid {
			code = http.StatusBadRequest
		}
		return c.JSON(code, failure{Message: res.Message})
	}

	hdr := c.Response().Header()
	hdr.Set("Cache-Control", proxyCacheControl)
	switch res.Body.Kind {
	case service.BodyStreaming:
		defer res.Body.Close()
		if res.Body.Size > 0 {
			hdr.Set(echo.HeaderContentLength, strconv.FormatInt(res.Body.Size, 10))
		}
		return c.Stream(http.StatusOK, res.ContentType, res.Body.Stream)
	default:
		return c.Blob(http.StatusOK, res.ContentType, res.Body.Bytes)
	}
}
