// Package migrations 内嵌的数据库迁移文件
package migrations

import "embed"

// FS 迁移文件 (golang-migrate 命名: {version}_{name}.{up|down}.sql)
//
//go:embed *.sql
var FS embed.FS
