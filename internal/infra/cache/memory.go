package cache

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultMemoryEntries 是内存缓存的默认容量（条目数）。
const DefaultMemoryEntries = 1024

type memEntry struct {
	value   []byte
	expires time.Time
}

// Memory 是进程内 LRU 缓存；容量满时淘汰最久未使用的条目。
type Memory struct {
	lru *lru.Cache[string, memEntry]
	now func() time.Time
}

func NewMemory(size int) (*Memory, error) {
	if size <= 0 {
		size = DefaultMemoryEntries
	}
	c, err := lru.New[string, memEntry](size)
	if err != nil {
		return nil, err
	}
	return &Memory{lru: c, now: time.Now}, nil
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	e, ok := m.lru.Get(key)
	if !ok {
		return nil, false, nil
	}
	if expired(m.now(), e.expires) {
		m.lru.Remove(key)
		return nil, false, nil
	}
	return clone(e.value), true, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.lru.Add(key, memEntry{value: clone(value), expires: expiry(m.now(), ttl)})
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.lru.Remove(key)
	return nil
}

func (m *Memory) Cleanup(_ context.Context) (int64, error) {
	now := m.now()
	var n int64
	for _, k := range m.lru.Keys() {
		e, ok := m.lru.Peek(k)
		if ok && expired(now, e.expires) {
			m.lru.Remove(k)
			n++
		}
	}
	return n, nil
}

func (m *Memory) Len() int { return m.lru.Len() }
