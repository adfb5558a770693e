package service

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/John-Robertt/carina/internal/domain"
	"github.com/John-Robertt/carina/internal/extract"
	"github.com/John-Robertt/carina/internal/infra/cache"
	"github.com/John-Robertt/carina/internal/infra/imgx"
	"github.com/John-Robertt/carina/internal/infra/logx"
	"github.com/John-Robertt/carina/internal/manifest"
	"github.com/John-Robertt/carina/internal/site"
)

var galleryRef = domain.GalleryRef{ID: 3012345, Token: "0a1b2c3d4e"}

func fixture(t *testing.T, name string) []byte {
	t.Helper()
	b, err := os.ReadFile(filepath.Join("..", "extract", "testdata", name))
	require.NoError(t, err, "读取 fixture 失败：%s", name)
	return b
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 0x80, A: 0xff})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// fakeSite 是最小的站点替身：按路径返回 fixture，并统计每个路径的请求次数。
type fakeSite struct {
	t   *testing.T
	srv *httptest.Server

	mu      sync.Mutex
	hits    map[string]int
	queries []string

	listingGate chan struct{} // 非 nil 时列表页阻塞到 gate 关闭
	listingSeen chan struct{}
	seenOnce    sync.Once

	wide []byte
}

func newFakeSite(t *testing.T) *fakeSite {
	t.Helper()
	f := &fakeSite{t: t, hits: map[string]int{}, wide: pngBytes(t, 400, 200)}
	listing := fixture(t, "listing_table.html")
	detail := fixture(t, "detail.html")
	page1 := fixture(t, "gallery_p1.html")
	blocked := fixture(t, "blocked.html")

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		f.record(r)
		if f.listingGate != nil {
			f.seenOnce.Do(func() { close(f.listingSeen) })
			<-f.listingGate
		}
		_, _ = w.Write(listing)
	})
	mux.HandleFunc("/g/3012345/0a1b2c3d4e/", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		if r.URL.Query().Get("p") == "1" {
			_, _ = w.Write(page1)
			return
		}
		_, _ = w.Write(detail)
	})
	mux.HandleFunc("/g/1/deadbeef00/", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		_, _ = w.Write(blocked)
	})
	mux.HandleFunc("/g/2/deadbeef00/", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	mux.HandleFunc("/img/wide.png", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(f.wide)
	})
	mux.HandleFunc("/img/broken.jpg", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write([]byte("definitely not a jpeg"))
	})
	mux.HandleFunc("/s/abc123/3012345-1", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		_, _ = io.WriteString(w, `<html><body><div id="i3"><img id="img" src="`+f.srv.URL+`/img/wide.png"></div></body></html>`)
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeSite) record(r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hits[r.URL.Path]++
	f.queries = append(f.queries, r.URL.RawQuery)
}

func (f *fakeSite) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, v := range f.hits {
		n += v
	}
	return n
}

func (f *fakeSite) lastQuery() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queries) == 0 {
		return ""
	}
	return f.queries[len(f.queries)-1]
}

func newTestService(t *testing.T, f *fakeSite, opt Options) (*Service, cache.Store) {
	t.Helper()
	store, err := cache.NewMemory(64)
	require.NoError(t, err)

	client := site.New(f.srv.URL, f.srv.Client(), nil)
	parser := extract.Parser{BaseURL: f.srv.URL}
	svc := New(Deps{
		Site:       client,
		Parser:     parser,
		Aggregator: manifest.New(client, parser, 0, nil),
		Engine:     imgx.NewEngine(0, imgx.Imaging{}, imgx.Draw{}),
		Cache:      store,
		Log:        logx.Discard(),
	}, opt)
	return svc, store
}

func toJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return string(b)
}

func TestSearch_EndToEndWithCursor(t *testing.T) {
	f := newFakeSite(t)
	svc, _ := newTestService(t, f, Options{})
	ctx := context.Background()

	res := svc.Search(ctx, " touhou ", "", false)
	require.True(t, res.Success, res.Message)
	assert.Equal(t, "f_search=touhou", f.lastQuery())
	assert.Equal(t, "touhou", res.Keyword)
	require.Len(t, res.Galleries, 2)
	assert.Equal(t, uint64(3012345), res.Galleries[0].ID)
	require.NotNil(t, res.Pagination)
	require.True(t, res.Pagination.HasNext)
	require.NotNil(t, res.Pagination.NextCursor)
	assert.Equal(t, "1234", *res.Pagination.NextCursor)

	next := svc.Search(ctx, "touhou", *res.Pagination.NextCursor, false)
	require.True(t, next.Success)
	assert.Equal(t, "f_search=touhou&next=1234", f.lastQuery())
	assert.Equal(t, 2, f.total())
}

func TestSearch_HitMakesNoNetworkCalls(t *testing.T) {
	f := newFakeSite(t)
	svc, _ := newTestService(t, f, Options{})
	ctx := context.Background()

	first := svc.Search(ctx, "", "", false)
	require.True(t, first.Success)
	require.Equal(t, 1, f.total())

	second := svc.Search(ctx, "", "", false)
	assert.Equal(t, 1, f.total(), "命中缓存时不应访问站点")
	assert.JSONEq(t, toJSON(t, first), toJSON(t, second))

	refreshed := svc.Search(ctx, "", "", true)
	require.True(t, refreshed.Success)
	assert.Equal(t, 2, f.total(), "refresh 应绕过缓存读取")
}

func TestSearch_ConcurrentMissesCoalesced(t *testing.T) {
	f := newFakeSite(t)
	f.listingGate = make(chan struct{})
	f.listingSeen = make(chan struct{})
	svc, _ := newTestService(t, f, Options{})

	const n = 8
	var wg sync.WaitGroup
	results := make([]SearchResult, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = svc.Search(context.Background(), "same", "", false)
		}(i)
	}
	<-f.listingSeen
	time.Sleep(50 * time.Millisecond)
	close(f.listingGate)
	wg.Wait()

	assert.Equal(t, 1, f.total(), "并发的相同未命中应只抓取一次")
	for _, r := range results {
		assert.True(t, r.Success)
	}
}

func TestSearch_CallerCancelDoesNotFailOthers(t *testing.T) {
	f := newFakeSite(t)
	f.listingGate = make(chan struct{})
	f.listingSeen = make(chan struct{})
	svc, store := newTestService(t, f, Options{})

	actx, cancelA := context.WithCancel(context.Background())
	aDone := make(chan SearchResult, 1)
	go func() { aDone <- svc.Search(actx, "x", "", false) }()
	<-f.listingSeen

	bDone := make(chan SearchResult, 1)
	go func() { bDone <- svc.Search(context.Background(), "x", "", false) }()
	time.Sleep(50 * time.Millisecond)

	// A 断开：A 立即放弃等待，共享抓取继续。
	cancelA()
	select {
	case a := <-aDone:
		assert.False(t, a.Success)
		assert.Contains(t, a.Message, "context canceled")
	case <-time.After(2 * time.Second):
		t.Fatal("已取消的调用方应立即返回")
	}

	close(f.listingGate)
	select {
	case b := <-bDone:
		require.True(t, b.Success, b.Message)
		assert.Len(t, b.Galleries, 2)
	case <-time.After(5 * time.Second):
		t.Fatal("未取消的调用方应拿到结果")
	}
	assert.Equal(t, 1, f.total(), "两个调用方应共享一次抓取")
	assert.Equal(t, 1, store.(*cache.Memory).Len(), "完整的结果应被缓存")
}

func TestGallery_CrawlProducesFullManifest(t *testing.T) {
	f := newFakeSite(t)
	svc, _ := newTestService(t, f, Options{})

	res := svc.Gallery(context.Background(), galleryRef, true, false)
	require.True(t, res.Success, res.Message)
	require.NotNil(t, res.GalleryDetail)
	require.NotNil(t, res.DeclaredImageCount)
	assert.Equal(t, 25, *res.DeclaredImageCount)
	assert.Empty(t, res.ViewerURL)

	require.Len(t, res.Images, 25)
	for i, im := range res.Images {
		assert.Equal(t, uint32(i+1), im.Index)
		assert.Equal(t, extract.FileName(uint32(i+1)), im.FileName)
	}
	assert.True(t, domain.IsContiguous(res.Images))
	assert.Equal(t, 2, f.total(), "第 0 页复用，只需再抓第 1 页")
}

func TestGallery_SuccessIsCached(t *testing.T) {
	f := newFakeSite(t)
	svc, _ := newTestService(t, f, Options{})
	ctx := context.Background()

	first := svc.Gallery(ctx, galleryRef, true, false)
	require.True(t, first.Success)
	calls := f.total()

	second := svc.Gallery(ctx, galleryRef, true, false)
	assert.Equal(t, calls, f.total(), "命中缓存时不应访问站点")
	assert.JSONEq(t, toJSON(t, first), toJSON(t, second))

	// images=0 是不同的 key，且不汇总 manifest。
	bare := svc.Gallery(ctx, galleryRef, false, false)
	require.True(t, bare.Success)
	assert.Empty(t, bare.Images)
	assert.Equal(t, calls+1, f.total())
}

func TestGallery_FailureIsNotCached(t *testing.T) {
	f := newFakeSite(t)
	svc, store := newTestService(t, f, Options{})
	ctx := context.Background()
	ref := domain.GalleryRef{ID: 1, Token: "deadbeef00"}

	res := svc.Gallery(ctx, ref, true, false)
	require.False(t, res.Success)
	assert.Nil(t, res.GalleryDetail)
	assert.Contains(t, res.Message, extract.ReasonInvalidPage)
	assert.Contains(t, res.DebugHTML, "Gallery Not Available")

	_ = svc.Gallery(ctx, ref, true, false)
	assert.Equal(t, 2, f.total(), "失败结果不应被缓存")
	assert.Equal(t, 0, store.(*cache.Memory).Len())

	bad := svc.Gallery(ctx, domain.GalleryRef{ID: 2, Token: "deadbeef00"}, true, false)
	require.False(t, bad.Success)
	assert.Contains(t, bad.Message, "HTTP 500")
	assert.Empty(t, bad.DebugHTML)
}

func TestGallery_InvalidRef(t *testing.T) {
	f := newFakeSite(t)
	svc, _ := newTestService(t, f, Options{})

	res := svc.Gallery(context.Background(), domain.GalleryRef{ID: 1}, true, false)
	assert.False(t, res.Success)
	assert.Equal(t, 0, f.total())
}

func TestGallery_CancelledContextNotCached(t *testing.T) {
	f := newFakeSite(t)
	svc, store := newTestService(t, f, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := svc.Gallery(ctx, galleryRef, true, false)
	assert.False(t, res.Success)
	assert.Equal(t, 0, f.total(), "已取消的请求不应发起抓取")
	assert.Equal(t, 0, store.(*cache.Memory).Len())
}

func TestGallery_FetchTimeoutPartialNotCached(t *testing.T) {
	f := newFakeSite(t)
	store, err := cache.NewMemory(8)
	require.NoError(t, err)
	client := site.New(f.srv.URL, f.srv.Client(), nil)
	parser := extract.Parser{BaseURL: f.srv.URL}
	// 分页间隔远大于共享抓取上限：爬取被截断。
	svc := New(Deps{
		Site:       client,
		Parser:     parser,
		Aggregator: manifest.New(client, parser, time.Second, nil),
		Cache:      store,
		Log:        logx.Discard(),
	}, Options{FetchTimeout: 200 * time.Millisecond})

	res := svc.Gallery(context.Background(), galleryRef, true, false)
	require.True(t, res.Success, res.Message)
	assert.Less(t, len(res.Images), 25, "超时后只返回部分清单")
	assert.Equal(t, 0, store.Len(), "超时得到的部分结果不应缓存")
}

func readBody(t *testing.T, b ImageBody) []byte {
	t.Helper()
	if b.Kind == BodyBuffered {
		return b.Bytes
	}
	require.Equal(t, BodyStreaming, b.Kind)
	defer b.Close()
	out, err := io.ReadAll(b.Stream)
	require.NoError(t, err)
	return out
}

func TestImage_PassThroughStreams(t *testing.T) {
	f := newFakeSite(t)
	svc, _ := newTestService(t, f, Options{})

	res := svc.Image(context.Background(), f.srv.URL+"/img/wide.png", domain.TransformRequest{})
	require.True(t, res.Success, res.Message)
	assert.Equal(t, BodyStreaming, res.Body.Kind)
	assert.Equal(t, "image/png", res.ContentType)
	assert.Equal(t, f.wide, readBody(t, res.Body))
}

func TestImage_Transforms(t *testing.T) {
	f := newFakeSite(t)
	svc, _ := newTestService(t, f, Options{})

	res := svc.Image(context.Background(), f.srv.URL+"/img/wide.png", domain.TransformRequest{Width: 100})
	require.True(t, res.Success, res.Message)
	assert.Equal(t, BodyBuffered, res.Body.Kind)
	assert.Equal(t, imgx.ContentTypeJPEG, res.ContentType)

	cfg, err := jpeg.DecodeConfig(bytes.NewReader(res.Body.Bytes))
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.Width)
	assert.Equal(t, 50, cfg.Height)
}

func TestImage_TransformFailureFallsBackToOriginal(t *testing.T) {
	f := newFakeSite(t)
	svc, _ := newTestService(t, f, Options{})

	res := svc.Image(context.Background(), f.srv.URL+"/img/broken.jpg", domain.TransformRequest{Width: 100})
	require.True(t, res.Success, "变换失败应回退原图而不是报错")
	assert.Equal(t, "image/jpeg", res.ContentType)
	assert.Equal(t, "definitely not a jpeg", string(readBody(t, res.Body)))

	crop := &domain.CropBox{Width: 10, Height: 10, X: 5000, Y: 5000}
	res = svc.Image(context.Background(), f.srv.URL+"/img/wide.png", domain.TransformRequest{Crop: crop})
	require.True(t, res.Success)
	assert.Equal(t, f.wide, readBody(t, res.Body), "越界裁剪应回退原图")
}

func TestImage_OverLimitIsForwardedUnchanged(t *testing.T) {
	f := newFakeSite(t)
	svc, _ := newTestService(t, f, Options{MaxImageBytes: 16})

	res := svc.Image(context.Background(), f.srv.URL+"/img/wide.png", domain.TransformRequest{Width: 100})
	require.True(t, res.Success)
	assert.Equal(t, BodyStreaming, res.Body.Kind)
	assert.Equal(t, f.wide, readBody(t, res.Body))
}

func TestImage_ResolvesPageURL(t *testing.T) {
	f := newFakeSite(t)
	svc, _ := newTestService(t, f, Options{})

	res := svc.Image(context.Background(), f.srv.URL+"/s/abc123/3012345-1", domain.TransformRequest{Width: 100})
	require.True(t, res.Success, res.Message)
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(res.Body.Bytes))
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.Width)
	assert.Equal(t, 2, f.total())
}

func TestImage_Failures(t *testing.T) {
	f := newFakeSite(t)
	svc, _ := newTestService(t, f, Options{})
	ctx := context.Background()

	for _, raw := range []string{"", "not a url", "ftp://example.com/a.png", "/relative.png"} {
		res := svc.Image(ctx, raw, domain.TransformRequest{})
		assert.False(t, res.Success, raw)
		assert.Equal(t, FailInvalid, res.Failure, raw)
	}

	res := svc.Image(ctx, f.srv.URL+"/img/missing.png", domain.TransformRequest{})
	assert.False(t, res.Success)
	assert.Equal(t, FailUpstream, res.Failure)
	assert.Contains(t, res.Message, "HTTP 404")
	assert.Equal(t, 0, f.total(), "非法 URL 不应访问站点；404 路径不计数")
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "image/webp", contentType("image/webp", "https://x/a.jpg"))
	assert.Equal(t, "image/png", contentType("text/html", "https://x/a.png"))
	assert.Equal(t, imgx.ContentTypeJPEG, contentType("", "https://x/noext"))
}
