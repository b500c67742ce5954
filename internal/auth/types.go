package auth

import (
	"errors"
	"time"

	"AgentVault/internal/vault"
)

// 认证子系统返回的常见错误。
var (
	ErrInvalidToken     = errors.New("invalid token")
	ErrMissingToken     = errors.New("missing bearer token")
	ErrPermissionDenied = errors.New("permission denied")
)

// Mode 枚举支持的认证方式。
type Mode string

const (
	// ModeDisabled 只用于本地开发，每个请求自动获得路由要求的角色。
	ModeDisabled Mode = "disabled"
	ModeJWT      Mode = "jwt"
)

// Config 配置认证服务。
type Config struct {
	Mode Mode
	JWT  JWTOptions
}

// JWTOptions 描述本地签发 JWT 的参数。
type JWTOptions struct {
	Secret    string
	Issuer    string
	Audience  []string
	AccessTTL time.Duration
}

// Subject 是通过认证的调用方，Role 决定能换取哪种金库凭证。
type Subject struct {
	Name      string
	Role      vault.Role
	ExpiresAt time.Time
}

// Allowed 判断主体角色是否在允许列表中。
func (s *Subject) Allowed(roles ...vault.Role) bool {
	if s == nil {
		return false
	}
	if len(roles) == 0 {
		return true
	}
	for _, role := range roles {
		if s.Role == role {
			return true
		}
	}
	return false
}
