package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"AgentVault/internal/auth"
	"AgentVault/internal/observability/metrics"
	"AgentVault/internal/plan"
	"AgentVault/internal/vault"
	"AgentVault/pkg/logger"
)

// Dependencies 汇总 API 需要的组件，Plans/Events/Metrics 可以为空。
type Dependencies struct {
	Vault   *vault.Vault
	Plans   *plan.Service
	Events  vault.EventReader
	Auth    *auth.Service
	Metrics *metrics.Collector
	Clock   func() time.Time
}

// Server 负责暴露 REST 接口。
type Server struct {
	addr    string
	vault   *vault.Vault
	plans   *plan.Service
	events  vault.EventReader
	auth    *auth.Service
	metrics *metrics.Collector
	now     func() time.Time
	logger  *slog.Logger
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, deps Dependencies) (*Server, error) {
	if deps.Vault == nil {
		return nil, errors.New("api server requires a vault")
	}
	if deps.Auth == nil {
		return nil, errors.New("api server requires an auth service")
	}
	now := deps.Clock
	if now == nil {
		now = time.Now
	}
	return &Server{
		addr:    addr,
		vault:   deps.Vault,
		plans:   deps.Plans,
		events:  deps.Events,
		auth:    deps.Auth,
		metrics: deps.Metrics,
		now:     now,
		logger:  logger.Named("api"),
	}, nil
}

// Handler 返回完整路由。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	executor := []vault.Role{vault.RoleExecutor}
	owner := []vault.Role{vault.RoleOwner}
	anyRole := []vault.Role{vault.RoleOwner, vault.RoleExecutor}

	s.route(mux, "POST /api/v1/plans", "plans_submit", executor, s.handleSubmitPlan)
	s.route(mux, "POST /api/v1/plans/execute", "plans_execute", executor, s.handleExecutePlan)
	s.route(mux, "GET /api/v1/plans", "plans_list", anyRole, s.handleListPlans)
	s.route(mux, "GET /api/v1/plans/stats", "plans_stats", anyRole, s.handlePlanStats)
	s.route(mux, "GET /api/v1/plans/{id}", "plans_get", anyRole, s.handleGetPlan)

	s.route(mux, "GET /api/v1/vault", "vault_status", anyRole, s.handleStatus)
	s.route(mux, "GET /api/v1/vault/allowlists/{kind}", "vault_allowlist", anyRole, s.handleAllowlist)

	s.route(mux, "POST /api/v1/admin/pause", "admin_pause", owner, s.handlePause)
	s.route(mux, "POST /api/v1/admin/policy", "admin_policy", owner, s.handlePolicy)
	s.route(mux, "POST /api/v1/admin/allowlist", "admin_allowlist", owner, s.handleSetAllowlist)
	s.route(mux, "POST /api/v1/admin/collateral/supply", "admin_supply", owner, s.handleSupply)
	s.route(mux, "POST /api/v1/admin/collateral/withdraw", "admin_withdraw", owner, s.handleWithdraw)
	s.route(mux, "POST /api/v1/admin/debt/repay", "admin_repay", owner, s.handleRepay)
	s.route(mux, "GET /api/v1/events", "events", owner, s.handleEvents)

	mux.Handle("GET /healthz", s.instrument("healthz", http.HandlerFunc(s.handleHealth)))
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	return mux
}

func (s *Server) route(mux *http.ServeMux, pattern, name string, roles []vault.Role, h http.HandlerFunc) {
	protected := s.auth.Middleware(auth.MiddlewareConfig{Roles: roles, AuditEvent: name})(h)
	mux.Handle(pattern, s.instrument(name, protected))
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("API 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// instrument 记录请求指标。
func (s *Server) instrument(name string, next http.Handler) http.Handler {
	if s.metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.metrics.ObserveHTTPRequest(name, r.Method, sw.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// withContext 在根上下文取消后拒绝新请求。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"vault":  s.vault.ID(),
		"paused": s.vault.Paused(),
	})
}

// capability 把请求主体换成金库凭证。
func (s *Server) capability(r *http.Request) (vault.Capability, error) {
	subject := auth.SubjectFromContext(r.Context())
	if subject == nil {
		return vault.Capability{}, vault.ErrNotAuthorized
	}
	return s.vault.CapabilityFor(subject.Role, subject.Name)
}
