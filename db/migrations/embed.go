// Package migrations 存放迁移日志库的 SQL 脚本，文件名决定执行顺序。
package migrations

import "embed"

//go:embed *.up.sql
var FS embed.FS
