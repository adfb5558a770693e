// Package manifest 负责把一个画廊的全部图片汇总成有序的 manifest。
//
// 两种来源按固定顺序尝试：
//  1. 多页查看器（一次请求拿到全部记录）
//  2. 逐页抓取详情页缩略图（串行、限速、单页失败被吞掉）
package manifest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/John-Robertt/carina/internal/domain"
	"github.com/John-Robertt/carina/internal/extract"
)

// 策略名。
const (
	StrategyViewer = "viewer"
	StrategyCrawl  = "crawl"
)

// Attempt 的结果。
const (
	OutcomeOK      = "ok"
	OutcomeMiss    = "miss"    // 拿到页面但记录为空/不完整（软失败）
	OutcomeError   = "error"   // 抓取失败
	OutcomeSkipped = "skipped" // 前置条件不满足（例如没有查看器链接）
	OutcomePartial = "partial" // 抓取被 ctx 中断，保留已收集的部分
)

// DefaultPageDelay 是逐页抓取时两次请求之间的礼貌间隔。
const DefaultPageDelay = 100 * time.Millisecond

// Attempt 记录一次策略尝试（用于解释回退原因）。
type Attempt struct {
	Strategy string
	Outcome  string
	Count    int
	Err      error
}

// Source 是聚合器对站点的最小依赖；*site.Client 满足该接口。
type Source interface {
	FetchHTML(ctx context.Context, url string) ([]byte, error)
	GalleryURL(ref domain.GalleryRef, page int) string
}

// Aggregator 汇总 manifest；可并发使用（每次 Collect 使用独立的限速器）。
type Aggregator struct {
	src    Source
	parser extract.Parser
	delay  time.Duration
	obs    Observer
}

// New 构造 Aggregator。delay<=0 表示不限速；obs 为 nil 时不发事件。
func New(src Source, parser extract.Parser, delay time.Duration, obs Observer) *Aggregator {
	if obs == nil {
		obs = NopObserver{}
	}
	return &Aggregator{src: src, parser: parser, delay: delay, obs: obs}
}

// Collect 返回画廊的 manifest 与策略尝试链路。
//
// firstPage 是已经抓到的详情页第 0 页（逐页策略从它开始，不再重复请求）。
// 两种策略都没有结果时 images 为 nil。
func (a *Aggregator) Collect(ctx context.Context, detail domain.GalleryDetail, firstPage []byte) ([]domain.ImageDescriptor, []Attempt) {
	var attempts []Attempt
	record := func(at Attempt) {
		attempts = append(attempts, at)
		a.obs.OnAttempt(detail.GalleryRef, at)
	}

	images, at := a.viewer(ctx, detail)
	record(at)
	if at.Outcome == OutcomeOK {
		return images, attempts
	}

	images, at = a.crawl(ctx, detail, firstPage)
	record(at)
	if len(images) == 0 {
		return nil, attempts
	}
	return images, attempts
}

func (a *Aggregator) viewer(ctx context.Context, detail domain.GalleryDetail) ([]domain.ImageDescriptor, Attempt) {
	if detail.ViewerURL == "" {
		return nil, Attempt{Strategy: StrategyViewer, Outcome: OutcomeSkipped}
	}
	html, err := a.src.FetchHTML(ctx, detail.ViewerURL)
	if err != nil {
		return nil, Attempt{Strategy: StrategyViewer, Outcome: OutcomeError, Err: err}
	}
	images := a.parser.ViewerManifest(html, detail.ViewerURL)
	if len(images) == 0 {
		return nil, Attempt{Strategy: StrategyViewer, Outcome: OutcomeMiss}
	}
	if n := detail.DeclaredImageCount; n != nil && len(images) < *n {
		return nil, Attempt{
			Strategy: StrategyViewer,
			Outcome:  OutcomeMiss,
			Count:    len(images),
			Err:      fmt.Errorf("查看器记录不完整：%d/%d", len(images), *n),
		}
	}
	return images, Attempt{Strategy: StrategyViewer, Outcome: OutcomeOK, Count: len(images)}
}

// crawl 串行抓取第 1..DeclaredPageCount-1 页；每页的起始序号 = 已收集数量 + 1，保证序号连续。
func (a *Aggregator) crawl(ctx context.Context, detail domain.GalleryDetail, firstPage []byte) ([]domain.ImageDescriptor, Attempt) {
	images := a.parser.ManifestPage(firstPage, 1)

	limit := rate.Inf
	if a.delay > 0 {
		limit = rate.Every(a.delay)
	}
	lim := rate.NewLimiter(limit, 1)
	// 首页已经抓过：消耗初始令牌，使第一次翻页也等待一个间隔。
	lim.Allow()

	var interrupted error
	for p := 1; p < detail.DeclaredPageCount; p++ {
		if err := lim.Wait(ctx); err != nil {
			interrupted = err
			break
		}
		html, err := a.src.FetchHTML(ctx, a.src.GalleryURL(detail.GalleryRef, p))
		if err != nil {
			if ctx.Err() != nil {
				interrupted = ctx.Err()
				break
			}
			a.obs.OnPageFailed(detail.GalleryRef, p, err)
			continue
		}
		page := a.parser.ManifestPage(html, len(images)+1)
		if len(page) == 0 {
			a.obs.OnPageFailed(detail.GalleryRef, p, errEmptyPage)
			continue
		}
		images = append(images, page...)
	}

	at := Attempt{Strategy: StrategyCrawl, Outcome: OutcomeOK, Count: len(images)}
	switch {
	case interrupted != nil:
		at.Outcome, at.Err = OutcomePartial, interrupted
	case len(images) == 0:
		at.Outcome = OutcomeMiss
	}
	return images, at
}

var errEmptyPage = errors.New("页面中没有缩略图")
