// Package redis 提供基于 Redis 的金库快照存储与分布式锁，
// 多个 vaultd 进程共享同一金库时用它们串行化执行。
package redis
