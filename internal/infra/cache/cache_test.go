package cache

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clock 是可手动推进的时间源。
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock { return &clock{t: time.Unix(1_700_000_000, 0)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// storeContract 是所有后端共享的行为约束。
func storeContract(t *testing.T, s Store, advance func(time.Duration)) {
	t.Helper()
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok, "不存在的 key 应未命中")

	require.NoError(t, s.Set(ctx, "k", []byte(`{"a":1}`), time.Minute))
	b, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok, "写入后应命中")
	assert.Equal(t, `{"a":1}`, string(b))

	// 覆盖写。
	require.NoError(t, s.Set(ctx, "k", []byte(`{"a":2}`), time.Minute))
	b, ok, err = s.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `{"a":2}`, string(b))

	require.NoError(t, s.Set(ctx, "forever", []byte("x"), 0))

	advance(2 * time.Minute)
	_, ok, err = s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok, "过期后应未命中")

	_, ok, err = s.Get(ctx, "forever")
	require.NoError(t, err)
	assert.True(t, ok, "ttl=0 不应过期")

	require.NoError(t, s.Delete(ctx, "forever"))
	_, ok, err = s.Get(ctx, "forever")
	require.NoError(t, err)
	assert.False(t, ok, "删除后应未命中")
	require.NoError(t, s.Delete(ctx, "forever"), "删除不存在的 key 不应报错")
}

func TestMemory_Contract(t *testing.T) {
	c := newClock()
	m, err := NewMemory(16)
	require.NoError(t, err)
	m.now = c.Now
	storeContract(t, m, c.Advance)
}

func TestMemory_EvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	m, err := NewMemory(2)
	require.NoError(t, err)

	require.NoError(t, m.Set(ctx, "a", []byte("1"), 0))
	require.NoError(t, m.Set(ctx, "b", []byte("2"), 0))
	_, _, _ = m.Get(ctx, "a")
	require.NoError(t, m.Set(ctx, "c", []byte("3"), 0))

	_, ok, _ := m.Get(ctx, "b")
	assert.False(t, ok, "最久未使用的 b 应被淘汰")
	_, ok, _ = m.Get(ctx, "a")
	assert.True(t, ok)
}

func TestMemory_ReturnsCopy(t *testing.T) {
	ctx := context.Background()
	m, err := NewMemory(4)
	require.NoError(t, err)
	require.NoError(t, m.Set(ctx, "k", []byte("abc"), 0))

	b, _, _ := m.Get(ctx, "k")
	b[0] = 'X'
	b2, _, _ := m.Get(ctx, "k")
	assert.Equal(t, "abc", string(b2), "调用方修改返回值不应影响缓存")
}

func TestMemory_Cleanup(t *testing.T) {
	c := newClock()
	m, err := NewMemory(8)
	require.NoError(t, err)
	m.now = c.Now
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "short", []byte("1"), time.Second))
	require.NoError(t, m.Set(ctx, "long", []byte("2"), time.Hour))
	c.Advance(time.Minute)

	n, err := m.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, 1, m.Len())
}

func TestRedis_Contract(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	s := NewRedis(client, "")
	storeContract(t, s, mr.FastForward)

	require.NoError(t, s.Set(context.Background(), "p", []byte("v"), time.Minute))
	assert.True(t, mr.Exists(DefaultRedisPrefix+"p"), "key 应带前缀")
}

func TestOpenRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := OpenRedis(context.Background(), "redis://"+mr.Addr()+"/0", "test:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.Set(context.Background(), "a", []byte("1"), time.Minute))
	assert.True(t, mr.Exists("test:a"))

	_, err = OpenRedis(context.Background(), "not-a-url", "")
	assert.Error(t, err)
}

func TestSQLite_Contract(t *testing.T) {
	c := newClock()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "data", "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	s.now = c.Now
	storeContract(t, s, c.Advance)
}

func TestSQLite_Cleanup(t *testing.T) {
	c := newClock()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	s.now = c.Now
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "a", []byte("1"), time.Second))
	require.NoError(t, s.Set(ctx, "b", []byte("2"), time.Second))
	require.NoError(t, s.Set(ctx, "c", []byte("3"), time.Hour))
	require.NoError(t, s.Set(ctx, "d", []byte("4"), 0))
	c.Advance(time.Minute)

	n, err := s.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	var rows int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM system_cache`).Scan(&rows))
	assert.Equal(t, 2, rows)
}

func TestFile_Contract(t *testing.T) {
	c := newClock()
	f, err := NewFile(t.TempDir())
	require.NoError(t, err)
	f.now = c.Now
	storeContract(t, f, c.Advance)
}

func TestFile_CorruptEntryIsMiss(t *testing.T) {
	ctx := context.Background()
	f, err := NewFile(t.TempDir())
	require.NoError(t, err)

	path := filepath.Join(f.Dir, f.name("k"))
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, ok, err := f.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "损坏的条目应被删除")
}

func TestFile_Cleanup(t *testing.T) {
	c := newClock()
	f, err := NewFile(t.TempDir())
	require.NoError(t, err)
	f.now = c.Now
	ctx := context.Background()

	require.NoError(t, f.Set(ctx, "old", []byte("1"), time.Second))
	require.NoError(t, f.Set(ctx, "new", []byte("2"), time.Hour))
	require.NoError(t, os.WriteFile(filepath.Join(f.Dir, "broken.json"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(f.Dir, "README"), []byte("keep"), 0o644))
	c.Advance(time.Minute)

	n, err := f.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, ok, _ := f.Get(ctx, "new")
	assert.True(t, ok)
	_, err = os.Stat(filepath.Join(f.Dir, "README"))
	assert.NoError(t, err, "非缓存文件不应被删除")
}

func TestOpen_Backends(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := Open(ctx, Options{Backend: "memory"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, s)

	s, err = Open(ctx, Options{Backend: "sqlite", Path: filepath.Join(dir, "c.db"), Dir: filepath.Join(dir, "files")}, nil)
	require.NoError(t, err)
	assert.IsType(t, &SQLite{}, s)
	require.NoError(t, Close(s))

	_, err = Open(ctx, Options{Backend: "mongo"}, nil)
	assert.Error(t, err)
}

func TestOpen_SQLiteFallsBackToFile(t *testing.T) {
	dir := t.TempDir()
	// 让 sqlite 的父目录是一个普通文件：MkdirAll 必然失败。
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	s, err := Open(context.Background(), Options{
		Backend: "sqlite",
		Path:    filepath.Join(blocker, "cache.db"),
		Dir:     filepath.Join(dir, "files"),
	}, nil)
	require.NoError(t, err)
	assert.IsType(t, &File{}, s)
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint("search", map[string]any{"q": "touhou", "next": "1234"})
	b := Fingerprint("search", map[string]any{"next": "1234", "q": "touhou"})
	c := Fingerprint("search", map[string]any{"q": "touhou"})
	d := Fingerprint("gallery", map[string]any{"q": "touhou", "next": "1234"})

	assert.Equal(t, a, b, "参数顺序不应影响 key")
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, a, d, "不同操作不应共用 key")
	assert.Regexp(t, `^search:[0-9a-f]{64}$`, a)
}

func TestJSONHelpers(t *testing.T) {
	ctx := context.Background()
	m, err := NewMemory(4)
	require.NoError(t, err)

	type payload struct {
		Title string `json:"title"`
		Pages int    `json:"pages"`
	}
	require.NoError(t, SetJSON(ctx, m, "k", payload{Title: "t", Pages: 3}, time.Minute))

	got, ok, err := GetJSON[payload](ctx, m, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, payload{Title: "t", Pages: 3}, got)

	require.NoError(t, m.Set(ctx, "bad", []byte("{"), time.Minute))
	_, ok, err = GetJSON[payload](ctx, m, "bad")
	assert.False(t, ok)
	assert.Error(t, err)
}
