// Package plan 实现计划的异步受理流水线：提交、排队、由处理器交给金库执行并记录结果。
package plan

import (
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AgentVault/internal/errors"
	"AgentVault/internal/lending"
	"AgentVault/internal/vault"
)

// Status 表示提交在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCommitted Status = "committed"
	StatusRejected  Status = "rejected"
	StatusFailed    Status = "failed"
)

// IsValidStatus 检查状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusCommitted, StatusRejected, StatusFailed:
		return true
	default:
		return false
	}
}

// Terminal 判断状态是否已经结束。
func (s Status) Terminal() bool {
	return s == StatusCommitted || s == StatusRejected || s == StatusFailed
}

// Request 是计划在线路上的表示，金额为十进制字符串，签名为 0x 十六进制。
type Request struct {
	ID           string `json:"id,omitempty"`
	BorrowAsset  string `json:"borrow_asset"`
	BorrowAmount string `json:"borrow_amount"`
	Payee        string `json:"payee"`
	ExpiresAt    int64  `json:"expires_at"`
	Nonce        uint64 `json:"nonce"`
	Attestation  string `json:"attestation,omitempty"`
}

// ToPlan 解析为金库计划。这里只校验格式，业务规则由金库判断。
func (r Request) ToPlan() (vault.Plan, error) {
	asset, err := parseAddress("borrow_asset", r.BorrowAsset)
	if err != nil {
		return vault.Plan{}, err
	}
	payee, err := parseAddress("payee", r.Payee)
	if err != nil {
		return vault.Plan{}, err
	}
	amount, err := lending.ParseAmount(r.BorrowAmount)
	if err != nil {
		return vault.Plan{}, xerrors.Wrap(CodePlanValidation, err, "borrow_amount 格式错误")
	}
	plan := vault.Plan{
		BorrowAsset:  asset,
		BorrowAmount: amount,
		Payee:        payee,
		ExpiresAt:    r.ExpiresAt,
		Nonce:        r.Nonce,
	}
	if sig := strings.TrimSpace(r.Attestation); sig != "" {
		raw, err := hex.DecodeString(strings.TrimPrefix(sig, "0x"))
		if err != nil {
			return vault.Plan{}, xerrors.Wrap(CodePlanValidation, err, "attestation 不是合法的十六进制")
		}
		plan.Attestation = raw
	}
	return plan, nil
}

// RequestFromPlan 把金库计划转换为线路表示。
func RequestFromPlan(p vault.Plan) Request {
	req := Request{
		BorrowAsset: p.BorrowAsset.Hex(),
		Payee:       p.Payee.Hex(),
		ExpiresAt:   p.ExpiresAt,
		Nonce:       p.Nonce,
	}
	if p.BorrowAmount != nil {
		req.BorrowAmount = p.BorrowAmount.Dec()
	}
	if len(p.Attestation) > 0 {
		req.Attestation = "0x" + hex.EncodeToString(p.Attestation)
	}
	return req
}

func parseAddress(field, raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return common.Address{}, xerrors.New(CodePlanValidation, fmt.Sprintf("%s 不是合法地址: %q", field, raw))
	}
	return common.HexToAddress(raw), nil
}

// TxView 是收据中的一笔交易。
type TxView struct {
	Operation string `json:"operation"`
	Hash      string `json:"hash"`
}

// ReceiptView 是收据的 JSON 表示。
type ReceiptView struct {
	VaultID          string   `json:"vault_id"`
	Nonce            uint64   `json:"nonce"`
	BorrowAsset      string   `json:"borrow_asset"`
	Amount           string   `json:"amount"`
	Payee            string   `json:"payee"`
	ExpiresAt        int64    `json:"expires_at"`
	ExecutedAt       int64    `json:"executed_at"`
	PreHealthFactor  string   `json:"pre_health_factor"`
	PostHealthFactor string   `json:"post_health_factor"`
	Transactions     []TxView `json:"transactions,omitempty"`
}

// NewReceiptView 转换金库收据，nil 返回 nil。
func NewReceiptView(r *vault.Receipt) *ReceiptView {
	if r == nil {
		return nil
	}
	view := &ReceiptView{
		VaultID:          r.VaultID,
		Nonce:            r.Nonce,
		BorrowAsset:      r.BorrowAsset.Hex(),
		Payee:            r.Payee.Hex(),
		ExpiresAt:        r.ExpiresAt,
		ExecutedAt:       r.ExecutedAt,
		PreHealthFactor:  lending.FormatWAD(r.PreHealthFactor),
		PostHealthFactor: lending.FormatWAD(r.PostHealthFactor),
	}
	if r.Amount != nil {
		view.Amount = r.Amount.Dec()
	}
	for _, tx := range r.Transactions {
		view.Transactions = append(view.Transactions, TxView{Operation: tx.Operation, Hash: tx.Hash.Hex()})
	}
	return view
}

// Submission 记录一次计划提交及其执行结果。
type Submission struct {
	ID        string       `json:"id"`
	VaultID   string       `json:"vault_id"`
	Actor     string       `json:"actor,omitempty"`
	Request   Request      `json:"plan"`
	Status    Status       `json:"status"`
	Attempts  int          `json:"attempts"`
	ErrorCode string       `json:"error_code,omitempty"`
	LastError string       `json:"last_error,omitempty"`
	Receipt   *ReceiptView `json:"receipt,omitempty"`
	CreatedAt int64        `json:"created_at"`
	UpdatedAt int64        `json:"updated_at"`
}

// Clone 返回深拷贝。
func (s *Submission) Clone() *Submission {
	if s == nil {
		return nil
	}
	clone := *s
	clone.Receipt = s.Receipt.clone()
	return &clone
}

func (r *ReceiptView) clone() *ReceiptView {
	if r == nil {
		return nil
	}
	out := *r
	out.Transactions = append([]TxView(nil), r.Transactions...)
	return &out
}

const (
	CodePlanNotFound   xerrors.Code = "PLAN_NOT_FOUND"
	CodePlanConflict   xerrors.Code = "PLAN_CONFLICT"
	CodePlanCompleted  xerrors.Code = "PLAN_COMPLETED"
	CodePlanValidation xerrors.Code = "PLAN_VALIDATION_FAILED"
	CodePlanPublish    xerrors.Code = "PLAN_PUBLISH_FAILED"
	CodePlanProcessing xerrors.Code = "PLAN_PROCESSING_FAILED"
)

var (
	// ErrPlanNotFound 表示提交不存在。
	ErrPlanNotFound = xerrors.New(CodePlanNotFound, "plan submission not found")
	// ErrPlanConflict 表示提交正在处理或 ID 已被占用。
	ErrPlanConflict = xerrors.New(CodePlanConflict, "plan submission conflict")
	// ErrPlanCompleted 表示提交已经处理完毕，不会再次执行。
	ErrPlanCompleted = xerrors.New(CodePlanCompleted, "plan submission already completed")
)

func init() {
	xerrors.Register(CodePlanNotFound, xerrors.Attributes{
		Message:    "plan submission not found",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusNotFound,
	})
	xerrors.Register(CodePlanConflict, xerrors.Attributes{
		Message:    "plan submission conflict",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodePlanCompleted, xerrors.Attributes{
		Message:    "plan submission already completed",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodePlanValidation, xerrors.Attributes{
		Message:    "plan validation failed",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusBadRequest,
	})
	xerrors.Register(CodePlanPublish, xerrors.Attributes{
		Message:    "failed to publish plan",
		Severity:   xerrors.SeverityCritical,
		Retryable:  true,
		Alert:      true,
		HTTPStatus: http.StatusServiceUnavailable,
	})
	xerrors.Register(CodePlanProcessing, xerrors.Attributes{
		Message:    "plan processing failed",
		Severity:   xerrors.SeverityWarning,
		Alert:      true,
		HTTPStatus: http.StatusInternalServerError,
	})
}
