// Package service 是请求级编排：按指纹查缓存，未命中时抓取、解析、汇总，成功后回写缓存。
//
// 约束：
// - 命中时原样返回缓存值，不发任何网络请求
// - 只缓存成功结果；共享抓取超时得到的部分结果不缓存
// - 缓存读写失败只记日志，按未命中处理
// - 同一 key 的并发未命中合并为一次抓取；某个调用方取消不影响其它调用方
package service

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/John-Robertt/carina/internal/domain"
	"github.com/John-Robertt/carina/internal/extract"
	"github.com/John-Robertt/carina/internal/infra/cache"
	"github.com/John-Robertt/carina/internal/infra/imgx"
	"github.com/John-Robertt/carina/internal/infra/metrics"
	"github.com/John-Robertt/carina/internal/manifest"
)

// 默认 TTL 与图片读取上限。
const (
	DefaultSearchTTL     = 5 * time.Minute
	DefaultGalleryTTL    = time.Hour
	DefaultMaxImageBytes = 64 << 20
	DefaultFetchTimeout  = 2 * time.Minute
)

// 缓存操作名（同时是 key 前缀与指标标签）。
const (
	opSearch  = "search"
	opGallery = "gallery"
)

// Site 是编排层对站点的依赖；*site.Client 满足该接口。
type Site interface {
	FetchHTML(ctx context.Context, url string) ([]byte, error)
	Open(ctx context.Context, url string, headers http.Header) (*http.Response, error)
	ListingURL(query, cursor string) string
	GalleryURL(ref domain.GalleryRef, page int) string
}

// Transformer 是图片变换引擎；*imgx.Engine 满足该接口。
type Transformer interface {
	Transform(data []byte, req domain.TransformRequest) (imgx.Result, error)
}

// Options 是可配置的缓存与资源上限；零值字段使用默认值。
type Options struct {
	SearchTTL     time.Duration
	GalleryTTL    time.Duration
	MaxImageBytes int64
	// Quality 是请求未指定 q 时的 JPEG 质量；0 表示 domain.DefaultQuality。
	Quality int
	// FetchTimeout 限制一次共享抓取（含分页爬取）的总时长。
	FetchTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.SearchTTL <= 0 {
		o.SearchTTL = DefaultSearchTTL
	}
	if o.GalleryTTL <= 0 {
		o.GalleryTTL = DefaultGalleryTTL
	}
	if o.MaxImageBytes <= 0 {
		o.MaxImageBytes = DefaultMaxImageBytes
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = DefaultFetchTimeout
	}
	return o
}

// Deps 汇总 Service 的依赖。Cache/Log/Metrics 可以为 nil。
type Deps struct {
	Site       Site
	Parser     extract.Parser
	Aggregator *manifest.Aggregator
	Engine     Transformer
	Cache      cache.Store
	Log        *slog.Logger
	Metrics    *metrics.Metrics
}

// Service 可并发使用。
type Service struct {
	site    Site
	parser  extract.Parser
	agg     *manifest.Aggregator
	engine  Transformer
	cache   cache.Store
	log     *slog.Logger
	metrics *metrics.Metrics
	opt     Options

	flight singleflight.Group
}

func New(d Deps, opt Options) *Service {
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	agg := d.Aggregator
	if agg == nil {
		agg = manifest.New(d.Site, d.Parser, manifest.DefaultPageDelay, nil)
	}
	return &Service{
		site:    d.Site,
		parser:  d.Parser,
		agg:     agg,
		engine:  d.Engine,
		cache:   d.Cache,
		log:     log,
		metrics: d.Metrics,
		opt:     opt.withDefaults(),
	}
}

// lookup 读缓存；refresh 时跳过读取。失败按未命中处理。
func lookup[T any](ctx context.Context, s *Service, op, key string, refresh bool) (T, bool) {
	var zero T
	if s.cache == nil {
		return zero, false
	}
	if refresh {
		s.metrics.CacheLookup(op, "bypass")
		return zero, false
	}
	v, ok, err := cache.GetJSON[T](ctx, s.cache, key)
	if err != nil {
		s.metrics.CacheLookup(op, "error")
		s.log.Warn("读取缓存失败", slog.String("op", op), slog.String("key", key), slog.Any("err", err))
		return zero, false
	}
	if !ok {
		s.metrics.CacheLookup(op, "miss")
		return zero, false
	}
	s.metrics.CacheLookup(op, "hit")
	return v, true
}

// store 写缓存。ctx 是共享抓取的 ctx；它已超时则跳过：此时的结果可能是不完整的。
func (s *Service) store(ctx context.Context, op, key string, v any, ttl time.Duration) {
	if s.cache == nil || ctx.Err() != nil {
		return
	}
	// 写入与请求生命周期解耦：客户端断开不应让已完成的结果丢失。
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := cache.SetJSON(wctx, s.cache, key, v, ttl); err != nil {
		s.log.Warn("写入缓存失败", slog.String("op", op), slog.String("key", key), slog.Any("err", err))
	}
}

// coalesce 合并同一 key 的并发未命中。
//
// fn 运行在脱离调用方取消的 ctx 上（保留 ctx 中的值，受 FetchTimeout 约束），
// 每个调用方只按自己的 ctx 放弃等待；返回的 error 只可能是调用方自己的 ctx.Err()。
func coalesce[T any](ctx context.Context, s *Service, key string, fn func(ctx context.Context) T) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	ch := s.flight.DoChan(key, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opt.FetchTimeout)
		defer cancel()
		return fn(fctx), nil
	})
	select {
	case r := <-ch:
		return r.Val.(T), nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// failureMessage 把内部错误转成对外的简短消息。
func failureMessage(prefix string, err error) string {
	var ee *extract.Error
	if errors.As(err, &ee) {
		return prefix + ": " + ee.Reason
	}
	return prefix + ": " + strings.TrimSpace(err.Error())
}
