package cache

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // 注册 sqlite3 驱动
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS system_cache (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	expires_at INTEGER NOT NULL DEFAULT 0
)`

// SQLite 把缓存放在单个 sqlite 文件的 system_cache 表中。
//
// expires_at 是 unix 秒；0 表示不过期。
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite 打开（必要时创建）数据库文件并建表。
func OpenSQLite(path string) (*SQLite, error) {
	if path == "" {
		return nil, errors.New("sqlite 路径为空")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite3", "file:"+path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}
	// 单连接：写入串行化，避免 SQLITE_BUSY；":memory:" 也依赖单连接才能共享同一个库。
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLite{db: db, now: time.Now}, nil
}

func (s *SQLite) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var (
		value []byte
		exp   int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT value, expires_at FROM system_cache WHERE key = ?`, key).Scan(&value, &exp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if exp > 0 && s.now().Unix() >= exp {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM system_cache WHERE key = ?`, key)
		return nil, false, nil
	}
	return value, true, nil
}

func (s *SQLite) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var exp int64
	if t := expiry(s.now(), ttl); !t.IsZero() {
		exp = t.Unix()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO system_cache (key, value, expires_at) VALUES (?, ?, ?)`,
		key, value, exp,
	)
	return err
}

func (s *SQLite) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM system_cache WHERE key = ?`, key)
	return err
}

// Cleanup 删除所有已过期的行，返回删除数量。
func (s *SQLite) Cleanup(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM system_cache WHERE expires_at > 0 AND expires_at <= ?`,
		s.now().Unix(),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLite) Close() error { return s.db.Close() }
