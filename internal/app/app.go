// Package app 把 EffectiveConfig 装配成可运行的服务：HTTP client、站点、解析器、聚合器、
// 图片引擎、缓存、编排层与路由。
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/John-Robertt/carina/internal/config"
	"github.com/John-Robertt/carina/internal/extract"
	"github.com/John-Robertt/carina/internal/infra/cache"
	"github.com/John-Robertt/carina/internal/infra/httpx"
	"github.com/John-Robertt/carina/internal/infra/imgx"
	"github.com/John-Robertt/carina/internal/infra/metrics"
	"github.com/John-Robertt/carina/internal/manifest"
	"github.com/John-Robertt/carina/internal/server"
	"github.com/John-Robertt/carina/internal/service"
	"github.com/John-Robertt/carina/internal/site"
)

// probeTimeout 是单个本地代理端口的探测超时。
const probeTimeout = 300 * time.Millisecond

// App 持有一次进程生命周期内的全部组件。
type App struct {
	Config   config.EffectiveConfig
	ProxyURL string // 实际使用的代理（可能来自探测）

	Cache   cache.Store
	Metrics *metrics.Metrics
	Engine  *imgx.Engine
	Service *service.Service
	Echo    *echo.Echo

	log *slog.Logger
}

// Build 装配组件。只有配置层面的错误（代理 URL、缓存后端）会返回 error。
func Build(ctx context.Context, eff config.EffectiveConfig, log *slog.Logger) (*App, error) {
	if log == nil {
		log = slog.Default()
	}

	proxyURL := eff.ProxyURL
	if proxyURL == "" && len(eff.ProbeProxies) > 0 {
		proxyURL = httpx.DetectProxy(ctx, eff.ProbeProxies, probeTimeout)
		if proxyURL != "" {
			log.Info("检测到本地代理", slog.String("proxy", proxyURL))
		}
	}

	siteURL, err := url.Parse(eff.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("解析 base_url 失败：%w", err)
	}
	pol := httpx.Policy{
		Cookie:       eff.Cookie,
		CookieHosts:  []string{siteURL.Hostname()},
		Referer:      eff.BaseURL + "/",
		RefererHosts: eff.RefererHosts,
	}
	pages, err := httpx.NewSiteClient(proxyURL, pol)
	if err != nil {
		return nil, fmt.Errorf("构造站点 client 失败：%w", err)
	}
	images, err := httpx.NewImageClient(proxyURL, eff.ImageProxy, pol)
	if err != nil {
		return nil, fmt.Errorf("构造图片 client 失败：%w", err)
	}
	client := site.New(eff.BaseURL, pages, images)
	parser := extract.Parser{BaseURL: eff.BaseURL}

	m := metrics.New()
	agg := manifest.New(client, parser, eff.PageDelay, manifest.NewLogObserver(log, m))

	backends, err := imgx.BackendsByName(eff.Backends)
	if err != nil {
		return nil, err
	}
	engine := imgx.NewEngine(eff.MaxPixels, backends...)
	if len(engine.Backends()) == 0 {
		log.Warn("没有可用的图片后端，变换请求将回退原图")
	} else {
		log.Info("图片后端就绪", slog.Any("backends", engine.Backends()))
	}

	store, err := cache.Open(ctx, eff.Cache, log)
	if err != nil {
		return nil, fmt.Errorf("打开缓存失败：%w", err)
	}

	svc := service.New(service.Deps{
		Site:       client,
		Parser:     parser,
		Aggregator: agg,
		Engine:     engine,
		Cache:      store,
		Log:        log,
		Metrics:    m,
	}, service.Options{
		SearchTTL:     eff.SearchTTL,
		GalleryTTL:    eff.GalleryTTL,
		MaxImageBytes: eff.MaxBytes,
		Quality:       eff.Quality,
	})

	return &App{
		Config:   eff,
		ProxyURL: proxyURL,
		Cache:    store,
		Metrics:  m,
		Engine:   engine,
		Service:  svc,
		Echo:     server.New(svc, log, m),
		log:      log,
	}, nil
}

// Serve 阻塞直到 ctx 结束或监听失败。
func (a *App) Serve(ctx context.Context) error {
	return server.Run(ctx, a.Echo, a.Config.Listen, a.log)
}

// Close 释放缓存等外部资源。
func (a *App) Close() error {
	return cache.Close(a.Cache)
}

// CleanupCache 清理过期缓存条目。后端自身负责过期（redis）时返回 supported=false。
func CleanupCache(ctx context.Context, store cache.Store) (removed int64, supported bool, err error) {
	c, ok := store.(cache.Cleaner)
	if !ok {
		return 0, false, nil
	}
	n, err := c.Cleanup(ctx)
	return n, true, err
}
