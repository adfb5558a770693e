package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/John-Robertt/carina/internal/infra/cache"
)

func noEnv(string) string { return "" }

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoadEffective_DefaultsWithoutFile(t *testing.T) {
	cwd := t.TempDir()

	eff, err := LoadEffective(cwd, CLIArgs{}, noEnv)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if eff.ConfigPath != "" {
		t.Fatalf("没有配置文件时 ConfigPath 应为空，实际=%q", eff.ConfigPath)
	}
	if eff.Listen != DefaultListen || eff.BaseURL != DefaultBaseURL {
		t.Fatalf("默认值不符合预期：listen=%q base=%q", eff.Listen, eff.BaseURL)
	}
	if eff.Cache.Backend != cache.BackendSQLite {
		t.Fatalf("默认缓存后端应为 sqlite，实际=%q", eff.Cache.Backend)
	}
	if eff.Cache.Path != filepath.Join(cwd, "data", "cache.db") || eff.Cache.Dir != filepath.Join(cwd, "data", "cache") {
		t.Fatalf("缓存路径应以 cwd 为基准：path=%q dir=%q", eff.Cache.Path, eff.Cache.Dir)
	}
	if eff.SearchTTL != 5*time.Minute || eff.GalleryTTL != time.Hour || eff.PageDelay != 100*time.Millisecond {
		t.Fatalf("TTL/delay 默认值不符合预期：%v %v %v", eff.SearchTTL, eff.GalleryTTL, eff.PageDelay)
	}
	if eff.MaxPixels != 25_000_000 || eff.MaxBytes != 64<<20 || eff.Quality != 95 {
		t.Fatalf("变换默认值不符合预期：%d %d %d", eff.MaxPixels, eff.MaxBytes, eff.Quality)
	}
	if !reflect.DeepEqual(eff.Backends, []string{"imaging", "draw"}) {
		t.Fatalf("默认后端不符合预期：%v", eff.Backends)
	}
	if !reflect.DeepEqual(eff.RefererHosts, []string{"ehgt.org", "hath.network"}) {
		t.Fatalf("默认 referer 主机不符合预期：%v", eff.RefererHosts)
	}
	if !reflect.DeepEqual(eff.ProbeProxies, []string{"127.0.0.1:7890", "127.0.0.1:10809"}) {
		t.Fatalf("默认探测端口不符合预期：%v", eff.ProbeProxies)
	}
	if eff.LogLevel != "info" || eff.LogFormat != "text" {
		t.Fatalf("日志默认值不符合预期：%q %q", eff.LogLevel, eff.LogFormat)
	}
}

func TestLoadEffective_ExplicitConfigNotFound(t *testing.T) {
	cwd := t.TempDir()

	_, err := LoadEffective(cwd, CLIArgs{ConfigPath: "missing.yaml"}, noEnv)
	if Code(err) != ErrCodeNotFound {
		t.Fatalf("期望 %q，实际 err=%v (code=%q)", ErrCodeNotFound, err, Code(err))
	}
}

func TestLoadEffective_FileAndCLIMergeOrder(t *testing.T) {
	cwd := t.TempDir()
	dir := filepath.Join(cwd, "etc")
	writeFile(t, filepath.Join(dir, "custom.yaml"), []byte(`
listen: ":9000"
site:
  base_url: "https://exhentai.org/"
  cookie: "ipb_member_id=1"
cache:
  backend: file
  dir: cache-files
  search_ttl: 30s
  gallery_ttl: 2h
crawl:
  page_delay: 0s
transform:
  backends: [draw]
  quality: 80
log:
  level: warn
  format: json
proxy:
  probe: []
`))

	eff, err := LoadEffective(cwd, CLIArgs{ConfigPath: "etc/custom.yaml", LogLevel: "debug"}, noEnv)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if eff.ConfigPath != filepath.Join(dir, "custom.yaml") {
		t.Fatalf("ConfigPath 不符合预期：%q", eff.ConfigPath)
	}
	if eff.Listen != ":9000" {
		t.Fatalf("listen 应来自配置文件，实际=%q", eff.Listen)
	}
	if eff.LogLevel != "debug" {
		t.Fatalf("CLI --log-level 应覆盖配置文件，实际=%q", eff.LogLevel)
	}
	if eff.LogFormat != "json" {
		t.Fatalf("log.format 应为 json，实际=%q", eff.LogFormat)
	}
	if eff.BaseURL != "https://exhentai.org" {
		t.Fatalf("base_url 应去掉末尾 /，实际=%q", eff.BaseURL)
	}
	if eff.Cookie != "ipb_member_id=1" {
		t.Fatalf("cookie 不符合预期：%q", eff.Cookie)
	}
	if eff.Cache.Backend != cache.BackendFile || eff.Cache.Dir != filepath.Join(dir, "cache-files") {
		t.Fatalf("缓存配置不符合预期：%+v", eff.Cache)
	}
	if eff.SearchTTL != 30*time.Second || eff.GalleryTTL != 2*time.Hour {
		t.Fatalf("TTL 不符合预期：%v %v", eff.SearchTTL, eff.GalleryTTL)
	}
	if eff.PageDelay != 0 {
		t.Fatalf("显式 page_delay=0 应关闭限速，实际=%v", eff.PageDelay)
	}
	if !reflect.DeepEqual(eff.Backends, []string{"draw"}) || eff.Quality != 80 {
		t.Fatalf("变换配置不符合预期：%v %d", eff.Backends, eff.Quality)
	}
	if len(eff.ProbeProxies) != 0 {
		t.Fatalf("显式 probe=[] 应关闭探测，实际=%v", eff.ProbeProxies)
	}

	eff, err = LoadEffective(cwd, CLIArgs{ConfigPath: "etc/custom.yaml", Listen: "127.0.0.1:1"}, noEnv)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if eff.Listen != "127.0.0.1:1" {
		t.Fatalf("CLI --listen 应覆盖配置文件，实际=%q", eff.Listen)
	}
}

func TestLoadEffective_DiscoversCwdFile(t *testing.T) {
	cwd := t.TempDir()
	writeFile(t, filepath.Join(cwd, FileName), []byte("listen: \":7000\"\n"))

	eff, err := LoadEffective(cwd, CLIArgs{}, noEnv)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if eff.Listen != ":7000" || eff.ConfigPath != filepath.Join(cwd, FileName) {
		t.Fatalf("应读取 cwd 下的 %s：%+v", FileName, eff)
	}
}

func TestLoadEffective_ProxyEnvPrecedence(t *testing.T) {
	cwd := t.TempDir()
	writeFile(t, filepath.Join(cwd, FileName), []byte("proxy:\n  url: http://file:1\n"))

	eff, err := LoadEffective(cwd, CLIArgs{}, envMap(map[string]string{
		EnvProxy:     "http://app:2",
		EnvHTTPProxy: "http://generic:3",
	}))
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if eff.ProxyURL != "http://app:2" {
		t.Fatalf("XR_EH_PROXY 应优先，实际=%q", eff.ProxyURL)
	}

	eff, err = LoadEffective(cwd, CLIArgs{}, envMap(map[string]string{EnvHTTPProxy: "http://generic:3"}))
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if eff.ProxyURL != "http://file:1" {
		t.Fatalf("配置文件应优先于 HTTP_PROXY，实际=%q", eff.ProxyURL)
	}

	eff, err = LoadEffective(t.TempDir(), CLIArgs{}, envMap(map[string]string{EnvHTTPProxy: "http://generic:3"}))
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if eff.ProxyURL != "http://generic:3" {
		t.Fatalf("只有 HTTP_PROXY 时应使用它，实际=%q", eff.ProxyURL)
	}
}

func TestLoadEffective_Invalid(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"语法错误", "listen: ["},
		{"未知字段", "lisen: \":1\"\n"},
		{"base_url 非 http", "site:\n  base_url: ftp://x\n"},
		{"未知缓存后端", "cache:\n  backend: mongo\n"},
		{"redis 缺 url", "cache:\n  backend: redis\n"},
		{"未知图片后端", "transform:\n  backends: [magick]\n"},
		{"quality 越界", "transform:\n  quality: 101\n"},
		{"未知日志级别", "log:\n  level: loud\n"},
		{"未知日志格式", "log:\n  format: xml\n"},
		{"image_proxy 无代理", "proxy:\n  image_proxy: true\n"},
		{"负的 page_delay", "crawl:\n  page_delay: -1s\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cwd := t.TempDir()
			writeFile(t, filepath.Join(cwd, FileName), []byte(tc.body))
			_, err := LoadEffective(cwd, CLIArgs{}, noEnv)
			if Code(err) != ErrCodeInvalid {
				t.Fatalf("期望 %q，实际 err=%v (code=%q)", ErrCodeInvalid, err, Code(err))
			}
		})
	}
}

func TestLoadEffective_EmptyFileIsDefaults(t *testing.T) {
	cwd := t.TempDir()
	writeFile(t, filepath.Join(cwd, FileName), nil)

	eff, err := LoadEffective(cwd, CLIArgs{}, noEnv)
	if err != nil {
		t.Fatalf("空文件不应报错：%v", err)
	}
	if eff.Listen != DefaultListen {
		t.Fatalf("空文件应使用默认值，实际 listen=%q", eff.Listen)
	}
}

func writeFile(t *testing.T, path string, b []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("创建目录失败：%v", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatalf("写文件失败：%v", err)
	}
}
