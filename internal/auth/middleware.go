package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"AgentVault/internal/vault"
	"AgentVault/pkg/logger"
)

// MiddlewareConfig 配置认证中间件。
type MiddlewareConfig struct {
	// Roles 为允许访问的角色，为空表示任何已认证主体。
	Roles []vault.Role
	// AuditEvent 为审计日志中的事件名称，默认使用请求路径。
	AuditEvent string
}

// Middleware 返回认证与授权中间件，通过后把 Subject 写入请求上下文。
func (s *Service) Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var subject *Subject
			if s.Mode() == ModeDisabled {
				role := vault.RoleOwner
				if len(cfg.Roles) > 0 {
					role = cfg.Roles[0]
				}
				subject = &Subject{Name: "local", Role: role}
			} else {
				var err error
				subject, err = s.AuthenticateRequest(r.Context(), r.Header.Get("Authorization"))
				if err != nil {
					deny(w, r, http.StatusUnauthorized, err, "")
					return
				}
			}
			if !subject.Allowed(cfg.Roles...) {
				deny(w, r, http.StatusForbidden, ErrPermissionDenied, subject.Name)
				return
			}

			start := time.Now()
			aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(aw, r.WithContext(WithSubject(r.Context(), subject)))
			event := cfg.AuditEvent
			if event == "" {
				event = r.URL.Path
			}
			logger.Audit().Info("api_request",
				slog.String("event", event),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", aw.status),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
				slog.String("subject", subject.Name),
				slog.String("role", string(subject.Role)),
			)
		})
	}
}

func deny(w http.ResponseWriter, r *http.Request, status int, err error, subject string) {
	code := "UNAUTHENTICATED"
	if errors.Is(err, ErrPermissionDenied) {
		code = "NOT_AUTHORIZED"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":{"code":"` + code + `","message":"` + http.StatusText(status) + `"}}`))
	logger.Audit().Warn("access_denied",
		slog.String("path", r.URL.Path),
		slog.String("method", r.Method),
		slog.Int("status", status),
		slog.String("error", err.Error()),
		slog.String("subject", subject),
	)
}

// auditWriter 捕获响应状态码。
type auditWriter struct {
	http.ResponseWriter
	status int
}

// WriteHeader 记录状态码后透传。
func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
