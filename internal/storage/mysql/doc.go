// Package mysql 提供基于 MySQL 的金库快照、审计事件与计划提交存储，
// 表结构通过 deploy/migrations 中嵌入的脚本在启动时迁移。
package mysql
