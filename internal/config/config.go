// Package config 负责发现、读取、合并配置，产出只读的 EffectiveConfig。
package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/John-Robertt/carina/internal/infra/cache"
	"github.com/John-Robertt/carina/internal/infra/imgx"
	"github.com/John-Robertt/carina/internal/infra/logx"
)

const (
	// ErrCodeNotFound 表示 --config 指定的文件不存在。
	ErrCodeNotFound = "config_not_found"
	// ErrCodeInvalid 表示配置文件无法读取/解析，或字段不合法。
	ErrCodeInvalid = "config_invalid"
)

// FileName 是 cwd 下自动发现的配置文件名。
const FileName = "carina.yaml"

// 内置默认值（CLI 与配置文件都未指定时生效）。
const (
	DefaultListen     = ":8080"
	DefaultBaseURL    = "https://e-hentai.org"
	DefaultCachePath  = "data/cache.db"
	DefaultCacheDir   = "data/cache"
	DefaultSearchTTL  = 5 * time.Minute
	DefaultGalleryTTL = time.Hour
	DefaultPageDelay  = 100 * time.Millisecond
	DefaultMaxPixels  = imgx.DefaultMaxPixels
	DefaultMaxBytes   = 64 << 20
	DefaultQuality    = 95
	DefaultLogLevel   = "info"
	DefaultLogFormat  = logx.FormatText
)

// 环境变量（只在启动阶段读取一次）。
const (
	EnvProxy     = "XR_EH_PROXY"
	EnvHTTPProxy = "HTTP_PROXY"
)

var (
	defaultRefererHosts = []string{"ehgt.org", "hath.network"}
	defaultProbe        = []string{"127.0.0.1:7890", "127.0.0.1:10809"}
	defaultBackends     = []string{imgx.BackendImaging, imgx.BackendDraw}
)

// CLIArgs 是 CLI 暴露的入口；空字符串表示未指定。
type CLIArgs struct {
	ConfigPath string
	Listen     string
	LogLevel   string
}

// FileConfig 对应 carina.yaml 的解析结构。零值字段表示“未配置”。
type FileConfig struct {
	Listen    string          `yaml:"listen"`
	Site      SiteConfig      `yaml:"site"`
	Proxy     ProxyConfig     `yaml:"proxy"`
	Cache     CacheConfig     `yaml:"cache"`
	Crawl     CrawlConfig     `yaml:"crawl"`
	Transform TransformConfig `yaml:"transform"`
	Log       LogConfig       `yaml:"log"`
}

type SiteConfig struct {
	BaseURL      string   `yaml:"base_url"`
	Cookie       string   `yaml:"cookie"`
	RefererHosts []string `yaml:"referer_hosts"`
}

type ProxyConfig struct {
	URL        string `yaml:"url"`
	ImageProxy bool   `yaml:"image_proxy"`
	// Probe 为 nil 时使用默认端口；显式写 [] 表示不探测。
	Probe []string `yaml:"probe"`
}

type CacheConfig struct {
	Backend       string        `yaml:"backend"`
	Path          string        `yaml:"path"`
	Dir           string        `yaml:"dir"`
	RedisURL      string        `yaml:"redis_url"`
	RedisPrefix   string        `yaml:"redis_prefix"`
	MemoryEntries int           `yaml:"memory_entries"`
	SearchTTL     time.Duration `yaml:"search_ttl"`
	GalleryTTL    time.Duration `yaml:"gallery_ttl"`
}

type CrawlConfig struct {
	// PageDelay 为 nil 时使用默认值；显式 0 表示不限速。
	PageDelay *time.Duration `yaml:"page_delay"`
}

type TransformConfig struct {
	MaxPixels int64    `yaml:"max_pixels"`
	MaxBytes  int64    `yaml:"max_bytes"`
	Backends  []string `yaml:"backends"`
	Quality   int      `yaml:"quality"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// EffectiveConfig 是合并并规范化后的最终配置；实现层直接消费，不再做二次默认/优先级判断。
type EffectiveConfig struct {
	// ConfigPath 是实际读取的配置文件；没有配置文件时为空。
	ConfigPath string

	Listen string

	BaseURL      string
	Cookie       string
	RefererHosts []string

	ProxyURL     string
	ImageProxy   bool
	ProbeProxies []string

	Cache cache.Options

	SearchTTL  time.Duration
	GalleryTTL time.Duration
	PageDelay  time.Duration

	MaxPixels int64
	MaxBytes  int64
	Backends  []string
	Quality   int

	LogLevel  string
	LogFormat string
}

// Error 是配置阶段的结构化错误（带 error_code）。
type Error struct {
	Code string
	Path string
	Err  error
}

func (e *Error) Error() string {
	switch e.Code {
	case ErrCodeNotFound:
		return fmt.Sprintf("%s：未找到配置文件 %q", e.Code, e.Path)
	case ErrCodeInvalid:
		if e.Err != nil {
			return fmt.Sprintf("%s：配置文件 %q 无效：%v", e.Code, e.Path, e.Err)
		}
		return fmt.Sprintf("%s：配置文件 %q 无效", e.Code, e.Path)
	default:
		if e.Err != nil {
			return fmt.Sprintf("%s：%v", e.Code, e.Err)
		}
		return e.Code
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Code 从 error 中提取 error_code；若不是 *Error 则返回空串。
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// LoadEffective 发现并读取配置文件，然后与 CLI 参数、环境变量合并为最终配置。
//
// 发现规则：
// 1) CLI 提供 --config：必须存在，否则 config_not_found
// 2) 否则尝试 <cwd>/carina.yaml（可选）
//
// 覆盖优先级：
// - listen / log.level：CLI > 配置文件 > 默认
// - proxy.url：XR_EH_PROXY > 配置文件 > HTTP_PROXY（本地端口探测由启动流程在三者都为空时进行）
// - 其他字段：配置文件 > 默认
//
// 相对路径（cache.path / cache.dir）以配置文件所在目录为基准；没有配置文件时以 cwd 为基准。
// getenv 为 nil 时使用 os.Getenv。
func LoadEffective(cwd string, cli CLIArgs, getenv func(string) string) (EffectiveConfig, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	cwdAbs, err := filepath.Abs(cwd)
	if err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cwd, Err: err}
	}

	var (
		cfgPath string
		fc      FileConfig
		exists  bool
	)
	if p := strings.TrimSpace(cli.ConfigPath); p != "" {
		cfgPath = absCleanFrom(cwdAbs, p)
		fc, exists, err = readFileConfig(cfgPath)
		if err != nil {
			return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
		}
		if !exists {
			return EffectiveConfig{}, &Error{Code: ErrCodeNotFound, Path: cfgPath, Err: os.ErrNotExist}
		}
	} else {
		cfgPath = filepath.Join(cwdAbs, FileName)
		fc, exists, err = readFileConfig(cfgPath)
		if err != nil {
			return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
		}
	}

	base := cwdAbs
	if exists {
		base = filepath.Dir(cfgPath)
	} else {
		cfgPath = ""
	}

	eff, err := merge(base, cli, fc, getenv)
	if err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
	}
	eff.ConfigPath = cfgPath
	return eff, nil
}

func merge(base string, cli CLIArgs, fc FileConfig, getenv func(string) string) (EffectiveConfig, error) {
	eff := EffectiveConfig{
		Listen:       firstNonEmpty(cli.Listen, fc.Listen, DefaultListen),
		BaseURL:      strings.TrimRight(firstNonEmpty(fc.Site.BaseURL, DefaultBaseURL), "/"),
		Cookie:       strings.TrimSpace(fc.Site.Cookie),
		RefererHosts: orDefault(fc.Site.RefererHosts, defaultRefererHosts),
		ImageProxy:   fc.Proxy.ImageProxy,
		SearchTTL:    durationOr(fc.Cache.SearchTTL, DefaultSearchTTL),
		GalleryTTL:   durationOr(fc.Cache.GalleryTTL, DefaultGalleryTTL),
		PageDelay:    DefaultPageDelay,
		MaxPixels:    fc.Transform.MaxPixels,
		MaxBytes:     fc.Transform.MaxBytes,
		Backends:     orDefault(fc.Transform.Backends, defaultBackends),
		Quality:      fc.Transform.Quality,
		LogLevel:     strings.ToLower(firstNonEmpty(cli.LogLevel, fc.Log.Level, DefaultLogLevel)),
		LogFormat:    strings.ToLower(firstNonEmpty(fc.Log.Format, DefaultLogFormat)),
	}

	if err := validateHTTPURL("site.base_url", eff.BaseURL); err != nil {
		return EffectiveConfig{}, err
	}

	// proxy：XR_EH_PROXY > 配置文件 > HTTP_PROXY
	eff.ProxyURL = firstNonEmpty(getenv(EnvProxy), fc.Proxy.URL, getenv(EnvHTTPProxy))
	if eff.ProxyURL != "" {
		u, err := url.Parse(eff.ProxyURL)
		if err != nil || u.Host == "" {
			return EffectiveConfig{}, fmt.Errorf("proxy.url 无效：%q", eff.ProxyURL)
		}
	}
	if eff.ImageProxy && eff.ProxyURL == "" {
		return EffectiveConfig{}, errors.New("image_proxy=true 但 proxy.url 为空")
	}
	if fc.Proxy.Probe == nil {
		eff.ProbeProxies = append([]string(nil), defaultProbe...)
	} else {
		eff.ProbeProxies = append([]string(nil), fc.Proxy.Probe...)
	}

	backend := strings.ToLower(firstNonEmpty(fc.Cache.Backend, cache.BackendSQLite))
	switch backend {
	case cache.BackendSQLite, cache.BackendFile, cache.BackendMemory:
	case cache.BackendRedis:
		if strings.TrimSpace(fc.Cache.RedisURL) == "" {
			return EffectiveConfig{}, errors.New("cache.backend=redis 但 cache.redis_url 为空")
		}
	default:
		return EffectiveConfig{}, fmt.Errorf("cache.backend 只能是 sqlite/file/memory/redis，实际是 %q", fc.Cache.Backend)
	}
	if fc.Cache.MemoryEntries < 0 {
		return EffectiveConfig{}, fmt.Errorf("cache.memory_entries 不能为负数：%d", fc.Cache.MemoryEntries)
	}
	eff.Cache = cache.Options{
		Backend:       backend,
		Path:          absCleanFrom(base, firstNonEmpty(fc.Cache.Path, DefaultCachePath)),
		Dir:           absCleanFrom(base, firstNonEmpty(fc.Cache.Dir, DefaultCacheDir)),
		RedisURL:      strings.TrimSpace(fc.Cache.RedisURL),
		RedisPrefix:   strings.TrimSpace(fc.Cache.RedisPrefix),
		MemoryEntries: fc.Cache.MemoryEntries,
	}

	if d := fc.Crawl.PageDelay; d != nil {
		if *d < 0 {
			return EffectiveConfig{}, fmt.Errorf("crawl.page_delay 不能为负数：%s", *d)
		}
		eff.PageDelay = *d
	}

	if eff.MaxPixels <= 0 {
		eff.MaxPixels = DefaultMaxPixels
	}
	if eff.MaxBytes <= 0 {
		eff.MaxBytes = DefaultMaxBytes
	}
	if eff.Quality == 0 {
		eff.Quality = DefaultQuality
	}
	if eff.Quality < 1 || eff.Quality > 100 {
		return EffectiveConfig{}, fmt.Errorf("transform.quality 必须在 1..100 之间，实际是 %d", eff.Quality)
	}
	if _, err := imgx.BackendsByName(eff.Backends); err != nil {
		return EffectiveConfig{}, fmt.Errorf("transform.backends 无效：%w", err)
	}

	if _, err := logx.ParseLevel(eff.LogLevel); err != nil {
		return EffectiveConfig{}, err
	}
	if eff.LogFormat != logx.FormatText && eff.LogFormat != logx.FormatJSON {
		return EffectiveConfig{}, fmt.Errorf("log.format 只能是 text 或 json，实际是 %q", eff.LogFormat)
	}
	return eff, nil
}

func validateHTTPURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%s 无效：%q", field, raw)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s 必须是 http/https：%q", field, raw)
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

func orDefault(v, def []string) []string {
	if len(v) == 0 {
		return append([]string(nil), def...)
	}
	return append([]string(nil), v...)
}

func durationOr(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// absCleanFrom 以 base 为基准，把 p 变为 clean + absolute。
// - p 若已是绝对路径：直接 Clean
// - p 若是相对路径：Join(base, p) 后 Clean
func absCleanFrom(base, p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	p = filepath.Clean(p)
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Clean(filepath.Join(base, p))
}

// readFileConfig 读取并解析 YAML 配置文件。
// 返回值 exists 表示该文件是否存在（不存在不算错误）。未知字段视为错误，避免拼写错误被静默忽略。
func readFileConfig(path string) (fc FileConfig, exists bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return FileConfig{}, false, nil
		}
		return FileConfig{}, false, err
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil {
		// 空文件等价于空配置。
		if errors.Is(err, io.EOF) {
			return FileConfig{}, true, nil
		}
		return FileConfig{}, true, err
	}
	return fc, true, nil
}
