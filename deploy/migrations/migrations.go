// Package migrations 以 embed 方式携带 MySQL 表结构迁移脚本。
package migrations

import "embed"

// Files 按文件名前缀的版本号排序执行。
//
//go:embed *.sql
var Files embed.FS
