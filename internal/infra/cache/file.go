package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/John-Robertt/carina/internal/infra/fsx"
)

// File 把每个条目存成 <dir>/<sha256(key)>.json。
//
// 写入使用“临时文件 + rename”，并发读永远不会看到半个文件。
type File struct {
	Dir string
	now func() time.Time
}

const staleTempAge = 10 * time.Minute

type fileRecord struct {
	ExpiresAt int64  `json:"expires_at"` // unix 秒；0 表示不过期
	Value     []byte `json:"value"`
}

func NewFile(dir string) (*File, error) {
	dir = filepath.Clean(strings.TrimSpace(dir))
	if dir == "" || dir == "." {
		return nil, errors.New("文件缓存目录为空")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &File{Dir: dir, now: time.Now}, nil
}

func (f *File) name(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:]) + ".json"
}

func (f *File) Get(_ context.Context, key string) ([]byte, bool, error) {
	path := filepath.Join(f.Dir, f.name(key))
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var rec fileRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		// 损坏的条目直接丢弃。
		_ = os.Remove(path)
		return nil, false, nil
	}
	if rec.ExpiresAt > 0 && f.now().Unix() >= rec.ExpiresAt {
		_ = os.Remove(path)
		return nil, false, nil
	}
	return rec.Value, true, nil
}

func (f *File) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	rec := fileRecord{Value: value}
	if t := expiry(f.now(), ttl); !t.IsZero() {
		rec.ExpiresAt = t.Unix()
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return fsx.WriteFileAtomicReplace(f.Dir, f.name(key), b)
}

func (f *File) Delete(_ context.Context, key string) error {
	err := os.Remove(filepath.Join(f.Dir, f.name(key)))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Cleanup 删除过期或损坏的条目文件，返回删除数量。
func (f *File) Cleanup(ctx context.Context) (int64, error) {
	entries, err := os.ReadDir(f.Dir)
	if err != nil {
		return 0, err
	}
	now := f.now().Unix()
	var n int64
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if e.IsDir() {
			continue
		}
		path := filepath.Join(f.Dir, e.Name())
		if fsx.IsTempName(e.Name()) {
			// 写入中途崩溃遗留的临时文件；留出宽限期避免误删正在写的文件。
			if info, err := e.Info(); err == nil && f.now().Sub(info.ModTime()) > staleTempAge {
				if os.Remove(path) == nil {
					n++
				}
			}
			continue
		}
		if !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		b, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var rec fileRecord
		if json.Unmarshal(b, &rec) == nil && (rec.ExpiresAt == 0 || now < rec.ExpiresAt) {
			continue
		}
		if os.Remove(path) == nil {
			n++
		}
	}
	return n, nil
}
