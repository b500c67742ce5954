// Package metrics 基于 Prometheus 暴露金库执行与 HTTP 指标。
package metrics

import (
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	xerrors "AgentVault/internal/errors"
	"AgentVault/internal/vault"
)

const namespace = "agentvault"

// Collector 持有全部指标并实现 vault.Recorder。
type Collector struct {
	registry *prometheus.Registry

	transitions   *prometheus.CounterVec
	executions    *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	compensations *prometheus.CounterVec
	nonce         *prometheus.GaugeVec
	borrowed      *prometheus.GaugeVec
	paused        *prometheus.GaugeVec
	errorCodes    *prometheus.GaugeVec

	httpRequests *prometheus.CounterVec
	httpErrors   *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

var _ vault.Recorder = (*Collector)(nil)

// NewCollector 在 registry 上注册指标，registry 为空时新建一个。
func NewCollector(registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	c := &Collector{
		registry: registry,
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Execution guard state transitions.",
		}, []string{"vault", "state"}),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Borrow-and-pay executions by outcome and error code.",
		}, []string{"vault", "outcome", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Wall time of borrow-and-pay executions.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60},
		}, []string{"vault", "outcome"}),
		compensations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compensations_total",
			Help:      "Compensating repays by result.",
		}, []string{"vault", "result"}),
		nonce: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "nonce",
			Help:      "Last committed plan nonce.",
		}, []string{"vault"}),
		borrowed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "window_borrowed",
			Help:      "Amount borrowed in the current 24h window, in base units.",
		}, []string{"vault"}),
		paused: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "paused",
			Help:      "1 when the vault is paused.",
		}, []string{"vault"}),
		errorCodes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "error_code_info",
			Help:      "Registered error codes and their default attributes.",
		}, []string{"code", "severity", "retryable", "alert", "http_status"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests processed.",
		}, []string{"handler", "method", "code"}),
		httpErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_request_errors_total",
			Help:      "Total number of HTTP requests that resulted in a server error.",
		}, []string{"handler", "method"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"handler", "method"}),
	}
	registry.MustRegister(
		c.transitions,
		c.executions,
		c.duration,
		c.compensations,
		c.nonce,
		c.borrowed,
		c.paused,
		c.errorCodes,
		c.httpRequests,
		c.httpErrors,
		c.httpDuration,
	)
	c.DescribeErrorCodes()
	return c
}

// DescribeErrorCodes 把当前已注册的错误码写入 error_code_info。
// 在 init 之后才注册错误码的模块需要再次调用。
func (c *Collector) DescribeErrorCodes() {
	for _, code := range xerrors.Registered() {
		attr := xerrors.AttributesOf(code)
		status := attr.HTTPStatus
		if status == 0 {
			status = http.StatusInternalServerError
		}
		c.errorCodes.WithLabelValues(
			string(code),
			string(attr.Severity),
			strconv.FormatBool(attr.Retryable),
			strconv.FormatBool(attr.Alert),
			strconv.Itoa(status),
		).Set(1)
	}
}

// Registry 返回底层 registry。
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// ObserveTransition 实现 vault.Recorder。
func (c *Collector) ObserveTransition(vaultID string, state vault.State) {
	c.transitions.WithLabelValues(vaultID, string(state)).Inc()
}

// ObserveExecution 实现 vault.Recorder。
func (c *Collector) ObserveExecution(vaultID string, outcome vault.State, code xerrors.Code, elapsed time.Duration) {
	c.executions.WithLabelValues(vaultID, string(outcome), string(code)).Inc()
	c.duration.WithLabelValues(vaultID, string(outcome)).Observe(elapsed.Seconds())
}

// ObserveCompensation 实现 vault.Recorder。
func (c *Collector) ObserveCompensation(vaultID string, result string) {
	c.compensations.WithLabelValues(vaultID, result).Inc()
}

// ObserveState 实现 vault.Recorder。
func (c *Collector) ObserveState(vaultID string, nonce uint64, windowBorrowed *uint256.Int, paused bool) {
	c.nonce.WithLabelValues(vaultID).Set(float64(nonce))
	c.borrowed.WithLabelValues(vaultID).Set(toFloat(windowBorrowed))
	value := 0.0
	if paused {
		value = 1
	}
	c.paused.WithLabelValues(vaultID).Set(value)
}

// ObserveHTTPRequest 记录一次 HTTP 请求。
func (c *Collector) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	c.httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	if status >= 500 {
		c.httpErrors.WithLabelValues(handler, method).Inc()
	}
	c.httpDuration.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// Handler 以 Prometheus 文本格式输出指标。
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func toFloat(v *uint256.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v.ToBig()).Float64()
	return f
}
