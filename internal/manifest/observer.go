package manifest

import (
	"log/slog"

	"github.com/John-Robertt/carina/internal/domain"
	"github.com/John-Robertt/carina/internal/infra/metrics"
)

// Observer 把策略轨迹从聚合流程中解耦出来（日志、指标）。
//
// 实现必须并发安全：多个请求可能同时在聚合不同画廊。
type Observer interface {
	// OnAttempt 在每个策略结束时调用。
	OnAttempt(ref domain.GalleryRef, at Attempt)
	// OnPageFailed 在逐页抓取中某一页失败时调用（该页贡献 0 张图，抓取继续）。
	OnPageFailed(ref domain.GalleryRef, page int, err error)
}

type NopObserver struct{}

func (NopObserver) OnAttempt(domain.GalleryRef, Attempt) {}
func (NopObserver) OnPageFailed(domain.GalleryRef, int, error) {}

// LogObserver 把事件写入结构化日志并计数。
type LogObserver struct {
	log *slog.Logger
	m   *metrics.Metrics
}

func NewLogObserver(log *slog.Logger, m *metrics.Metrics) *LogObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LogObserver{log: log, m: m}
}

func (o *LogObserver) OnAttempt(ref domain.GalleryRef, at Attempt) {
	o.m.ManifestAttempt(at.Strategy, at.Outcome)
	attrs := []any{
		slog.String("gallery", ref.String()),
		slog.String("strategy", at.Strategy),
		slog.String("outcome", at.Outcome),
		slog.Int("count", at.Count),
	}
	if at.Err != nil {
		attrs = append(attrs, slog.Any("err", at.Err))
	}
	switch at.Outcome {
	case OutcomeOK, OutcomeSkipped:
		o.log.Debug("manifest strategy", attrs...)
	default:
		o.log.Info("manifest strategy", attrs...)
	}
}

func (o *LogObserver) OnPageFailed(ref domain.GalleryRef, page int, err error) {
	o.m.CrawlPageFailed()
	o.log.Warn("manifest page failed",
		slog.String("gallery", ref.String()),
		slog.Int("page", page),
		slog.Any("err", err),
	)
}
