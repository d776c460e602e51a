package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// SQLiteFileName 为 sqlite 驱动在 StoragePath 下使用的数据库文件名。
const SQLiteFileName = "media-cache.db"

const sqliteSchema = `CREATE TABLE IF NOT EXISTS resources (
	generation   TEXT    NOT NULL,
	key          TEXT    NOT NULL,
	content_type TEXT    NOT NULL,
	body         BLOB    NOT NULL,
	stored_at    INTEGER NOT NULL,
	PRIMARY KEY (generation, key)
)`

// NewSQLiteStore 打开 basePath/media-cache.db，所有代际共用一张 resources 表。
func NewSQLiteStore(basePath, generation string) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}
	if err := checkGeneration(generation); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(basePath, SQLiteFileName)+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	for _, stmt := range []string{sqliteSchema, "PRAGMA journal_mode=WAL"} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init sqlite: %w", err)
		}
	}

	return &sqliteStore{db: db, generation: generation}, nil
}

// sqliteStore 串行化写入，读取直接走连接池。
type sqliteStore struct {
	db         *sql.DB
	generation string
	writeMu    sync.Mutex
}

func (s *sqliteStore) Generation() string {
	return s.generation
}

func (s *sqliteStore) Get(ctx context.Context, key string) (*Resource, error) {
	var (
		contentType string
		body        []byte
		storedAt    int64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT content_type, body, stored_at FROM resources WHERE generation = ? AND key = ?",
		s.generation, key,
	).Scan(&contentType, &body, &storedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &Resource{
		Key:         key,
		ContentType: contentType,
		Body:        body,
		StoredAt:    time.Unix(0, storedAt).UTC(),
	}, nil
}

func (s *sqliteStore) Put(ctx context.Context, key string, res *Resource) error {
	if err := validatePut(key, res); err != nil {
		return err
	}
	entry := stamp(key, res)
	body := entry.Body
	if body == nil {
		body = []byte{}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO resources (generation, key, content_type, body, stored_at) VALUES (?, ?, ?, ?, ?)",
		s.generation, key, entry.ContentType, body, entry.StoredAt.UnixNano(),
	)
	return classifySQLiteError(err)
}

func (s *sqliteStore) Remove(ctx context.Context, key string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx, "DELETE FROM resources WHERE generation = ? AND key = ?", s.generation, key)
	return err
}

func (s *sqliteStore) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(SUM(LENGTH(body)), 0) FROM resources WHERE generation = ?",
		s.generation,
	).Scan(&stats.Entries, &stats.Bytes)
	return stats, err
}

func (s *sqliteStore) Generations(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT generation FROM resources ORDER BY generation")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []string
	for rows.Next() {
		var gen string
		if err := rows.Scan(&gen); err != nil {
			return nil, err
		}
		result = append(result, gen)
	}
	return result, rows.Err()
}

func (s *sqliteStore) DropGeneration(ctx context.Context, generation string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx, "DELETE FROM resources WHERE generation = ?", generation)
	return err
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

// classifySQLiteError 把 SQLITE_FULL 映射为 ErrQuotaExceeded。
func classifySQLiteError(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(strings.ToLower(err.Error()), "database or disk is full") {
		return fmt.Errorf("%w: %v", ErrQuotaExceeded, err)
	}
	return err
}

func (s *sqliteStore) size(ctx context.Context, key string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		"SELECT LENGTH(body) FROM resources WHERE generation = ? AND key = ?",
		s.generation, key,
	).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return n, err
}
