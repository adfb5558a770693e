// Package cache 提供按 key 存取、带 TTL 的字节缓存。
//
// 约束：
// - 所有后端并发安全
// - Get 只区分“命中/未命中/出错”；过期条目视为未命中
// - 缓存只保存序列化后的副本，调用方拿到的字节可以随意修改
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Store 是缓存门面。ttl<=0 表示不过期。
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Cleaner 由需要主动清理过期条目的后端实现（sqlite、file、memory）。
type Cleaner interface {
	Cleanup(ctx context.Context) (int64, error)
}

// 后端名（配置 cache.backend 使用）。
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
	BackendFile   = "file"
)

// Options 描述如何打开缓存后端。
type Options struct {
	Backend       string
	Path          string // sqlite 数据库文件
	Dir           string // file 后端目录（也是 sqlite 打不开时的回退目录）
	RedisURL      string
	RedisPrefix   string
	MemoryEntries int
}

// Open 按配置打开后端。sqlite 打不开时回退到 file 后端（记录 warn，不视为错误）。
func Open(ctx context.Context, opt Options, log *slog.Logger) (Store, error) {
	if log == nil {
		log = slog.Default()
	}
	switch strings.ToLower(strings.TrimSpace(opt.Backend)) {
	case BackendMemory:
		return nonNil(NewMemory(opt.MemoryEntries))
	case BackendRedis:
		return nonNil(OpenRedis(ctx, opt.RedisURL, opt.RedisPrefix))
	case BackendFile:
		return nonNil(NewFile(opt.Dir))
	case BackendSQLite, "":
		s, err := OpenSQLite(opt.Path)
		if err == nil {
			return s, nil
		}
		log.Warn("sqlite 缓存不可用，回退到文件缓存",
			slog.String("path", opt.Path),
			slog.String("dir", opt.Dir),
			slog.Any("err", err),
		)
		return nonNil(NewFile(opt.Dir))
	default:
		return nil, fmt.Errorf("未知缓存后端：%q", opt.Backend)
	}
}

// nonNil 避免把 typed nil 指针包装成非 nil 的 Store。
func nonNil[T Store](s T, err error) (Store, error) {
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Close 关闭持有外部资源的后端；其它后端为 no-op。
func Close(s Store) error {
	if c, ok := s.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

// Fingerprint 生成缓存 key：op 前缀 + 参数规范化 JSON 的 sha256。
//
// params 应为 map 或字段固定的 struct；encoding/json 对 map 的 key 排序，保证同参同 key。
func Fingerprint(op string, params any) string {
	b, err := json.Marshal(params)
	if err != nil {
		b = []byte(fmt.Sprintf("%v", params))
	}
	sum := sha256.Sum256(b)
	return op + ":" + hex.EncodeToString(sum[:])
}

// GetJSON 读取并反序列化。内容损坏视为未命中并返回错误（调用方记录后继续走未命中路径）。
func GetJSON[T any](ctx context.Context, s Store, key string) (T, bool, error) {
	var zero T
	b, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return zero, false, err
	}
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		return zero, false, fmt.Errorf("cache: 反序列化失败 key=%s: %w", key, err)
	}
	return v, true, nil
}

// SetJSON 序列化后写入。
func SetJSON(ctx context.Context, s Store, key string, v any, ttl time.Duration) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache: 序列化失败 key=%s: %w", key, err)
	}
	return s.Set(ctx, key, b, ttl)
}

func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

func expired(now, exp time.Time) bool {
	return !exp.IsZero() && !now.Before(exp)
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
