// Package api 通过 REST 接口暴露金库执行、计划提交与管理操作，
// 请求经由 JWT 映射为金库凭证后再调用守卫。
package api
