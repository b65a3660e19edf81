package usage

import (
	"cmp"
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"slices"
	"strings"
	"time"

	"OpenLaunch/pkg/logger"
)

const createSchemaMigrations = `CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`

// migration 对应一个 .sql 文件，文件名前缀（第一个下划线之前）即版本号。
type migration struct {
	version string
	file    string
	stmts   []string
}

// runMigrations 按版本顺序执行尚未记录在 schema_migrations 中的迁移，每个文件一个事务。
func runMigrations(ctx context.Context, db *sql.DB, files fs.FS) error {
	if _, err := db.ExecContext(ctx, createSchemaMigrations); err != nil {
		return fmt.Errorf("创建 schema_migrations 表失败: %w", err)
	}
	done, err := appliedVersions(ctx, db)
	if err != nil {
		return err
	}
	all, err := readMigrations(files)
	if err != nil {
		return err
	}
	log := logger.Named("usage")
	for _, m := range all {
		if done[m.version] {
			continue
		}
		if err := m.apply(ctx, db); err != nil {
			return err
		}
		log.Info("已应用用量库迁移", slog.String("version", m.version), slog.String("file", m.file))
	}
	return nil
}

func appliedVersions(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("查询已应用迁移失败: %w", err)
	}
	defer rows.Close()

	done := map[string]bool{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("读取迁移版本失败: %w", err)
		}
		done[v] = true
	}
	return done, rows.Err()
}

func (m migration) apply(ctx context.Context, db *sql.DB) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("迁移 %s 开启事务失败: %w", m.file, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	for _, stmt := range m.stmts {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("执行迁移 %s 失败: %w", m.file, err)
		}
	}
	if _, err = tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, m.version, time.Now().Unix()); err != nil {
		return fmt.Errorf("迁移 %s 记录版本失败: %w", m.file, err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("迁移 %s 提交失败: %w", m.file, err)
	}
	return nil
}

func readMigrations(files fs.FS) ([]migration, error) {
	names, err := fs.Glob(files, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("列出迁移文件失败: %w", err)
	}
	out := make([]migration, 0, len(names))
	for _, name := range names {
		body, err := fs.ReadFile(files, name)
		if err != nil {
			return nil, fmt.Errorf("读取迁移文件 %s 失败: %w", name, err)
		}
		if stmts := splitStatements(string(body)); len(stmts) > 0 {
			out = append(out, migration{version: migrationVersion(name), file: name, stmts: stmts})
		}
	}
	slices.SortFunc(out, func(a, b migration) int {
		return cmp.Or(cmp.Compare(a.version, b.version), cmp.Compare(a.file, b.file))
	})
	return out, nil
}

// splitStatements 以分号切分 SQL。迁移文件中不允许出现包含分号的字面量。
func splitStatements(body string) []string {
	var stmts []string
	for _, part := range strings.Split(body, ";") {
		if s := strings.TrimSpace(part); s != "" {
			stmts = append(stmts, s)
		}
	}
	return stmts
}

func migrationVersion(name string) string {
	base := strings.TrimSuffix(name, path.Ext(name))
	if v, _, ok := strings.Cut(base, "_"); ok && v != "" {
		return v
	}
	return base
}
