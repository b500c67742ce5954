package vault

import (
	"net/http"

	xerrors "AgentVault/internal/errors"
)

const (
	CodeNotAuthorized      xerrors.Code = "NOT_AUTHORIZED"
	CodePaused             xerrors.Code = "VAULT_PAUSED"
	CodeInvalidPlan        xerrors.Code = "INVALID_PLAN"
	CodeNotAllowlisted     xerrors.Code = "NOT_ALLOWLISTED"
	CodeCooldown           xerrors.Code = "COOLDOWN"
	CodeLimitExceeded      xerrors.Code = "LIMIT_EXCEEDED"
	CodeHealthFactorTooLow xerrors.Code = "HEALTH_FACTOR_TOO_LOW"
	CodeAdapterFailure     xerrors.Code = "ADAPTER_FAILURE"
	CodeCompensationFailed xerrors.Code = "COMPENSATION_FAILED"
	CodePersistenceFailed  xerrors.Code = "STATE_PERSISTENCE_FAILED"
)

var (
	// ErrNotAuthorized 表示调用方缺少所需的能力令牌。
	ErrNotAuthorized = xerrors.New(CodeNotAuthorized, "caller lacks the required capability")
	// ErrPaused 表示金库处于紧急停止状态。
	ErrPaused = xerrors.New(CodePaused, "vault is paused")
	// ErrInvalidPlan 表示计划字段不合法，例如金额为零、已过期或 nonce 不匹配。
	ErrInvalidPlan = xerrors.New(CodeInvalidPlan, "invalid plan")
	// ErrNotAllowlisted 表示资产或收款方不在白名单中。
	ErrNotAllowlisted = xerrors.New(CodeNotAllowlisted, "address not allowlisted")
	// ErrCooldown 表示距离上一次执行的时间不足冷却期。
	ErrCooldown = xerrors.New(CodeCooldown, "cooldown in effect")
	// ErrLimitExceeded 表示单笔或单日额度会被突破。
	ErrLimitExceeded = xerrors.New(CodeLimitExceeded, "borrow limit exceeded")
	// ErrHealthFactorTooLow 表示借款前后健康因子低于策略阈值。
	ErrHealthFactorTooLow = xerrors.New(CodeHealthFactorTooLow, "health factor below policy minimum")
	// ErrAdapterFailure 表示借贷池或代币账本拒绝了调用。
	ErrAdapterFailure = xerrors.New(CodeAdapterFailure, "lending adapter call failed")
	// ErrCompensationFailed 表示补偿还款失败，金库已被暂停。
	ErrCompensationFailed = xerrors.New(CodeCompensationFailed, "compensating repay failed")
	// ErrPersistenceFailed 表示状态快照未能写入存储。
	ErrPersistenceFailed = xerrors.New(CodePersistenceFailed, "failed to persist vault state")
	// ErrSnapshotNotFound 表示存储中尚无该金库的快照。
	ErrSnapshotNotFound = xerrors.New(xerrors.CodeNotFound, "vault snapshot not found")
	// ErrStaleSnapshot 表示写入的快照 nonce 落后于存储中的版本。
	ErrStaleSnapshot = xerrors.New(xerrors.CodeConflict, "stale vault snapshot")
)

func init() {
	xerrors.Register(CodeNotAuthorized, xerrors.Attributes{
		Message:    "caller lacks the required capability",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: http.StatusForbidden,
	})
	xerrors.Register(CodePaused, xerrors.Attributes{
		Message:    "vault is paused",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusLocked,
	})
	xerrors.Register(CodeInvalidPlan, xerrors.Attributes{
		Message:    "invalid plan",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusBadRequest,
	})
	xerrors.Register(CodeNotAllowlisted, xerrors.Attributes{
		Message:    "address not allowlisted",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: http.StatusForbidden,
	})
	xerrors.Register(CodeCooldown, xerrors.Attributes{
		Message:    "cooldown in effect",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusTooManyRequests,
	})
	xerrors.Register(CodeLimitExceeded, xerrors.Attributes{
		Message:    "borrow limit exceeded",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusTooManyRequests,
	})
	xerrors.Register(CodeHealthFactorTooLow, xerrors.Attributes{
		Message:    "health factor below policy minimum",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: http.StatusUnprocessableEntity,
	})
	xerrors.Register(CodeAdapterFailure, xerrors.Attributes{
		Message:    "lending adapter call failed",
		Severity:   xerrors.SeverityWarning,
		Alert:      true,
		HTTPStatus: http.StatusBadGateway,
	})
	xerrors.Register(CodeCompensationFailed, xerrors.Attributes{
		Message:    "compensating repay failed",
		Severity:   xerrors.SeverityCritical,
		Alert:      true,
		HTTPStatus: http.StatusInternalServerError,
	})
	xerrors.Register(CodePersistenceFailed, xerrors.Attributes{
		Message:    "failed to persist vault state",
		Severity:   xerrors.SeverityCritical,
		Alert:      true,
		HTTPStatus: http.StatusInternalServerError,
	})
}

func reject(code xerrors.Code, message string, opts ...xerrors.Option) error {
	return xerrors.New(code, message, opts...)
}

// IsRejection 判断错误是否属于金库的拒绝类错误。
func IsRejection(err error) bool {
	switch xerrors.CodeOf(err) {
	case CodeNotAuthorized, CodePaused, CodeInvalidPlan, CodeNotAllowlisted,
		CodeCooldown, CodeLimitExceeded, CodeHealthFactorTooLow, CodeAdapterFailure,
		CodeCompensationFailed, CodePersistenceFailed:
		return true
	default:
		return false
	}
}
