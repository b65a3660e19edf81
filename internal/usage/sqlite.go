package usage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"OpenLaunch/deploy/migrations"
)

// SQLiteStore 将激活历史保存在本地 SQLite 文件中，是默认的持久化实现。
type SQLiteStore struct {
	sqlStore
	path string
}

var sqlitePragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA temp_store=MEMORY",
}

// OpenSQLite 打开（必要时创建）数据库文件并执行迁移。
func OpenSQLite(ctx context.Context, path string, opts Options) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("SQLite 路径不能为空")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("创建数据目录失败: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("打开 SQLite 失败: %w", err)
	}
	// SQLite 只允许单写者，串行化连接可避免 SQLITE_BUSY。
	db.SetMaxOpenConns(1)

	for _, pragma := range sqlitePragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("设置 %s 失败: %w", pragma, err)
		}
	}

	files, err := migrations.Dialect("sqlite")
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := runMigrations(ctx, db, files); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{sqlStore: sqlStore{db: db, opts: opts}, path: path}, nil
}

// Path 返回数据库文件路径。
func (s *SQLiteStore) Path() string { return s.path }
