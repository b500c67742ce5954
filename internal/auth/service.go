package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"AgentVault/internal/vault"
)

const defaultIssuer = "agentvault"

// claims 是令牌中携带的声明，sub 为持有人，role 为金库角色。
type claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Service 负责令牌签发与校验。
type Service struct {
	mode     Mode
	secret   []byte
	issuer   string
	audience []string
	ttl      time.Duration
	now      func() time.Time
}

// NewService 根据配置构造认证服务。
func NewService(cfg Config) (*Service, error) {
	mode := cfg.Mode
	if mode == "" {
		mode = ModeJWT
	}
	svc := &Service{mode: mode, now: time.Now}
	switch mode {
	case ModeDisabled:
		return svc, nil
	case ModeJWT:
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", mode)
	}
	if strings.TrimSpace(cfg.JWT.Secret) == "" {
		return nil, errors.New("jwt secret must be configured")
	}
	svc.secret = []byte(cfg.JWT.Secret)
	svc.issuer = cfg.JWT.Issuer
	if svc.issuer == "" {
		svc.issuer = defaultIssuer
	}
	svc.audience = append([]string(nil), cfg.JWT.Audience...)
	svc.ttl = cfg.JWT.AccessTTL
	if svc.ttl <= 0 {
		svc.ttl = time.Hour
	}
	return svc, nil
}

// Mode 返回认证方式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// Issue 为主体签发访问令牌。
func (s *Service) Issue(name string, role vault.Role) (string, time.Time, error) {
	if s.mode != ModeJWT {
		return "", time.Time{}, errors.New("token issuance requires jwt mode")
	}
	if strings.TrimSpace(name) == "" {
		return "", time.Time{}, errors.New("subject name must not be empty")
	}
	if _, err := vault.ParseRole(string(role)); err != nil {
		return "", time.Time{}, err
	}
	now := s.now().UTC()
	expiresAt := now.Add(s.ttl)
	c := claims{
		Role: string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   name,
			Issuer:    s.issuer,
			Audience:  s.audience,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-5 * time.Second)),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

// Verify 校验令牌并返回主体。
func (s *Service) Verify(token string) (*Subject, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithTimeFunc(s.now),
	}
	if len(s.audience) > 0 {
		opts = append(opts, jwt.WithAudience(s.audience[0]))
	}
	parsed, err := jwt.ParseWithClaims(token, &claims{}, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	role, err := vault.ParseRole(c.Role)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if c.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	subject := &Subject{Name: c.Subject, Role: role}
	if c.ExpiresAt != nil {
		subject.ExpiresAt = c.ExpiresAt.Time
	}
	return subject, nil
}

// AuthenticateRequest 解析 Authorization 头。
func (s *Service) AuthenticateRequest(_ context.Context, authorization string) (*Subject, error) {
	authorization = strings.TrimSpace(authorization)
	if authorization == "" {
		return nil, ErrMissingToken
	}
	scheme, token, ok := strings.Cut(authorization, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return nil, ErrMissingToken
	}
	return s.Verify(strings.TrimSpace(token))
}
