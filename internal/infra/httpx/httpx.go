package httpx

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	siteTimeout     = 30 * time.Second
	imageTimeout    = 60 * time.Second
	defaultRetryMax = 2
)

// Policy 是出站请求的站点级头部策略。
type Policy struct {
	// Cookie 是默认 Cookie，只对 CookieHosts 中的主机（含子域名）注入；
	// 请求上已带 Cookie 头时（按请求覆盖）不再注入。
	// CookieHosts 非空时，发往其它主机的请求一律去掉 Cookie 头。
	Cookie      string
	CookieHosts []string
	// Referer 只对 RefererHosts 中的主机（含子域名）注入。
	Referer      string
	RefererHosts []string
}

// Transport 把“UA 池 + 浏览器头 + 代理 + keep-alive 策略 + 有界重试”固化为统一策略。
//
// 调用方只负责“构造 URL + 解析响应”，不关心网络策略细节。
type Transport struct {
	Base *http.Transport

	ua     *uaPool
	policy Policy

	// RetryMax 表示最大重试次数（不含首次尝试）。例如 2 表示最多 3 次尝试。
	RetryMax int

	// DisableKeepAlives 决定是否对 Request 设置 Close=true（额外保险）。
	// 真正禁用 keep-alive 依赖 Base.DisableKeepAlives。
	DisableKeepAlives bool
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, errors.New("nil request")
	}
	if t.Base == nil {
		return nil, errors.New("nil base transport")
	}

	// 只对“可重放”的请求做重试：GET/HEAD 且无 body。
	canRetry := (req.Method == http.MethodGet || req.Method == http.MethodHead) && req.Body == nil
	max := t.RetryMax
	if max < 0 {
		max = 0
	}
	if !canRetry {
		max = 0
	}

	var lastErr error
	for attempt := 0; attempt <= max; attempt++ {
		r := cloneRequest(req)
		t.applyHeaders(r)
		if t.DisableKeepAlives {
			r.Close = true
		}

		resp, err := t.Base.RoundTrip(r)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if req.Context().Err() != nil {
			// ctx 已取消：不再重试，直接返回最后错误（更可解释）。
			return nil, lastErr
		}
	}
	return nil, lastErr
}

// applyHeaders 只补齐缺失的头，调用方显式设置的值优先。
func (t *Transport) applyHeaders(r *http.Request) {
	if r.Header.Get("User-Agent") == "" && t.ua != nil {
		r.Header.Set("User-Agent", t.ua.random())
	}
	for k, v := range browserHeaders {
		if r.Header.Get(k) == "" {
			r.Header.Set(k, v)
		}
	}
	if MatchHost(r.URL.Hostname(), t.policy.CookieHosts) {
		if c := strings.TrimSpace(t.policy.Cookie); c != "" && r.Header.Get("Cookie") == "" {
			r.Header.Set("Cookie", c)
		}
	} else if len(t.policy.CookieHosts) > 0 {
		r.Header.Del("Cookie")
	}
	if t.policy.Referer != "" && r.Header.Get("Referer") == "" && MatchHost(r.URL.Hostname(), t.policy.RefererHosts) {
		r.Header.Set("Referer", t.policy.Referer)
	}
}

// MatchHost 判断 host 是否等于 hosts 中某项或是其子域名。
func MatchHost(host string, hosts []string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	for _, h := range hosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h == "" {
			continue
		}
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	return false
}

// browserHeaders 让请求看起来像普通浏览器导航；站点对“裸请求”更容易返回拦截页。
var browserHeaders = map[string]string{
	"Accept":                    "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8",
	"Accept-Language":           "zh-CN,zh;q=0.9,en;q=0.8,ja;q=0.7",
	"Sec-Fetch-Dest":            "document",
	"Sec-Fetch-Mode":            "navigate",
	"Sec-Fetch-Site":            "none",
	"Upgrade-Insecure-Requests": "1",
}

func cloneRequest(req *http.Request) *http.Request {
	// Clone 会复制 Header 等，避免在 RoundTripper 内部“污染”调用方的 request。
	return req.Clone(req.Context())
}

// NewSiteClient 构造用于站点 HTML 抓取的 HTTP client。
//
// 规则：
// - proxyURL 非空：必须走代理，且禁用 keep-alive（每请求新连接）
// - 内置 UA 池：每个请求随机 UA
// - 有界重试 + 总超时（30s）
func NewSiteClient(proxyURL string, pol Policy) (*http.Client, error) {
	return newClient(strings.TrimSpace(proxyURL), pol, siteTimeout)
}

// NewImageClient 构造用于图片下载的 HTTP client（总超时 60s）。
//
// 规则：
// - imageProxy=false：图片直连（忽略 proxyURL）
// - imageProxy=true：图片走 proxyURL，且禁用 keep-alive（每请求新连接）
func NewImageClient(proxyURL string, imageProxy bool, pol Policy) (*http.Client, error) {
	if !imageProxy {
		return newClient("", pol, imageTimeout)
	}
	proxyURL = strings.TrimSpace(proxyURL)
	if proxyURL == "" {
		return nil, errors.New("image_proxy=true 但 proxy.url 为空")
	}
	return newClient(proxyURL, pol, imageTimeout)
}

func newClient(proxyURL string, pol Policy, timeout time.Duration) (*http.Client, error) {
	base := &http.Transport{
		Proxy:                 nil,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 20 * time.Second,
	}
	disableKeepAlives := false

	if proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil {
			return nil, err
		}
		base.Proxy = http.ProxyURL(u)
		// proxy 模式强制每请求新连接（代理池轮换依赖该行为）。
		base.DisableKeepAlives = true
		disableKeepAlives = true
	}

	tr := &Transport{
		Base:              base,
		ua:                globalUA,
		policy:            pol,
		RetryMax:          defaultRetryMax,
		DisableKeepAlives: disableKeepAlives,
	}
	return &http.Client{
		Transport: tr,
		Timeout:   timeout,
	}, nil
}

// DetectProxy 依次探测本地代理端口，返回第一个可连接的 http://host:port；都不可用返回 ""。
//
// 只在启动阶段调用一次。
func DetectProxy(ctx context.Context, candidates []string, timeout time.Duration) string {
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	d := net.Dialer{Timeout: timeout}
	for _, addr := range candidates {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			continue
		}
		_ = conn.Close()
		return "http://" + addr
	}
	return ""
}

type uaPool struct {
	mu  sync.Mutex
	rnd *rand.Rand
	uas []string
}

func (p *uaPool) random() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.uas[p.rnd.Intn(len(p.uas))]
}

var globalUA = newUAPool()

func newUAPool() *uaPool {
	uas := []string{
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 13_6) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.3 Safari/605.1.15",
		"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36",
	}
	return &uaPool{
		rnd: rand.New(rand.NewSource(time.Now().UnixNano())),
		uas: uas,
	}
}
