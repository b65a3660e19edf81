package migrations

import (
	"embed"
	"fmt"
	"io/fs"
)

// Files 暴露所有 SQL 迁移文件，按数据库方言分目录存放。
//
//go:embed mysql/*.sql sqlite/*.sql
var Files embed.FS

// Dialect 返回指定方言（mysql 或 sqlite）的迁移文件系统。
func Dialect(name string) (fs.FS, error) {
	switch name {
	case "mysql", "sqlite":
		return fs.Sub(Files, name)
	default:
		return nil, fmt.Errorf("不支持的迁移方言: %s", name)
	}
}
