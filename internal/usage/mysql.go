package usage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"OpenLaunch/deploy/migrations"
)

// MySQLConfig 描述共享激活历史所使用的 MySQL 连接参数。
type MySQLConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// MySQLStore 适用于多台设备共享同一份使用历史的部署。
type MySQLStore struct {
	sqlStore
}

// OpenMySQL 建立连接池并执行迁移。
func OpenMySQL(ctx context.Context, cfg MySQLConfig, opts Options) (*MySQLStore, error) {
	db, err := openMySQL(ctx, cfg)
	if err != nil {
		return nil, err
	}
	store, err := newMySQLStore(ctx, db, opts)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func newMySQLStore(ctx context.Context, db *sql.DB, opts Options) (*MySQLStore, error) {
	files, err := migrations.Dialect("mysql")
	if err != nil {
		return nil, err
	}
	if err := runMigrations(ctx, db, files); err != nil {
		return nil, err
	}
	return &MySQLStore{sqlStore: sqlStore{db: db, opts: opts}}, nil
}

func openMySQL(ctx context.Context, cfg MySQLConfig) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("连接 MySQL 失败: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(10)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(5)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("无法连接到 MySQL: %w", err)
	}
	return db, nil
}
