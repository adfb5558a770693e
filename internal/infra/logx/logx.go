// Package logx 构造进程级 slog.Logger。
package logx

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// 输出格式。
const (
	FormatText = "text"
	FormatJSON = "json"
)

// ParseLevel 把配置中的级别名映射为 slog.Level；未知值返回错误。
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("未知日志级别：%q", s)
	}
}

// New 返回写到 w 的 logger。w 为 nil 时写 stderr；format 为空按 text 处理。
func New(level, format string, w io.Writer) (*slog.Logger, error) {
	lv, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: lv}

	var h slog.Handler
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", FormatText:
		h = slog.NewTextHandler(w, opts)
	case FormatJSON:
		h = slog.NewJSONHandler(w, opts)
	default:
		return nil, fmt.Errorf("未知日志格式：%q", format)
	}
	return slog.New(h), nil
}

// Discard 返回丢弃所有输出的 logger（测试用）。
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}
