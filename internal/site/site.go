// Package site 封装对内容站点的访问：URL 构造、HTML 抓取、图片流式下载。
//
// 网络策略（UA、浏览器头、代理、重试）由 httpx 的 client 负责；这里只关心“访问什么、怎么判定失败”。
package site

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/John-Robertt/carina/internal/domain"
	"github.com/John-Robertt/carina/internal/infra/httpx"
)

// maxHTMLBytes 是单个 HTML 页面的读取上限。
const maxHTMLBytes = 16 << 20

// bannedMarker 出现在站点的封禁提示页中（该页面返回 200）。
var bannedMarker = []byte("Your IP address has been temporarily banned")

// Client 是站点访问入口；零值不可用，请使用 New。
type Client struct {
	baseURL  string
	siteHost string
	pages    *http.Client
	images   *http.Client
}

// New 构造 Client。pages 用于 HTML 抓取，images 用于图片下载（可以是同一个）。
func New(baseURL string, pages, images *http.Client) *Client {
	if pages == nil {
		pages = http.DefaultClient
	}
	if images == nil {
		images = pages
	}
	c := &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		pages:   pages,
		images:  images,
	}
	if u, err := url.Parse(c.baseURL); err == nil {
		c.siteHost = u.Hostname()
	}
	return c
}

// SiteHost 返回站点主机名；Cookie 只发往该主机及其子域名。
func (c *Client) SiteHost() string { return c.siteHost }

func (c *Client) BaseURL() string { return c.baseURL }

// ListingURL 构造搜索/首页列表 URL；query 与 cursor 为空时不带对应参数。
func (c *Client) ListingURL(query, cursor string) string {
	q := url.Values{}
	if s := strings.TrimSpace(query); s != "" {
		q.Set("f_search", s)
	}
	if s := strings.TrimSpace(cursor); s != "" {
		q.Set("next", s)
	}
	if len(q) == 0 {
		return c.baseURL + "/"
	}
	return c.baseURL + "/?" + q.Encode()
}

// GalleryURL 构造详情页 URL。page 从 0 开始；缩略图固定为大图模式（ts_l）。
func (c *Client) GalleryURL(ref domain.GalleryRef, page int) string {
	u := c.baseURL + ref.Path() + "?inline_set=ts_l"
	if page > 0 {
		u += "&p=" + strconv.Itoa(page)
	}
	return u
}

// IsImagePageURL 判断 u 是否为单图页面（/s/{key}/{gid}-{n}），而不是图片本身。
func IsImagePageURL(u string) bool {
	pu, err := url.Parse(strings.TrimSpace(u))
	if err != nil {
		return false
	}
	return strings.HasPrefix(pu.Path, "/s/")
}

// FetchHTML 抓取一个 HTML 页面。非 2xx、空 body、封禁页都视为 *TransportError。
func (c *Client) FetchHTML(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	c.applyCookie(ctx, req)

	resp, err := c.pages.Do(req)
	if err != nil {
		return nil, classify(u, err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxHTMLBytes))
	if err != nil {
		return nil, classify(u, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &TransportError{URL: u, Kind: KindStatus, StatusCode: resp.StatusCode}
	}
	if len(b) == 0 {
		return nil, &TransportError{URL: u, Kind: KindNetwork, Err: errors.New("empty response body")}
	}
	if bytes.Contains(b, bannedMarker) {
		return nil, &TransportError{URL: u, Kind: KindBlocked, Reason: "ip-banned"}
	}
	return b, nil
}

// Open 发起图片请求并返回 2xx 响应；body 由调用方关闭。
//
// headers 中的值覆盖默认头；Referer 由 httpx 按主机策略注入。
// u 可能来自匿名客户端：目标不是站点主机时不带任何 Cookie。
func (c *Client) Open(ctx context.Context, u string, headers http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	c.applyCookie(ctx, req)

	resp, err := c.images.Do(req)
	if err != nil {
		return nil, classify(u, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		_ = resp.Body.Close()
		return nil, &TransportError{URL: u, Kind: KindStatus, StatusCode: resp.StatusCode}
	}
	return resp, nil
}

type cookieKey struct{}

// WithCookie 返回携带按请求覆盖 Cookie 的 ctx；空字符串不覆盖。
func WithCookie(ctx context.Context, cookie string) context.Context {
	cookie = strings.TrimSpace(cookie)
	if cookie == "" {
		return ctx
	}
	return context.WithValue(ctx, cookieKey{}, cookie)
}

// CookieFrom 取出按请求覆盖的 Cookie。
func CookieFrom(ctx context.Context) string {
	v, _ := ctx.Value(cookieKey{}).(string)
	return v
}

func (c *Client) applyCookie(ctx context.Context, req *http.Request) {
	if c.siteHost == "" || !httpx.MatchHost(req.URL.Hostname(), []string{c.siteHost}) {
		req.Header.Del("Cookie")
		return
	}
	if v := CookieFrom(ctx); v != "" {
		req.Header.Set("Cookie", v)
	}
}
