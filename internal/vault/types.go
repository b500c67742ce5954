package vault

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"AgentVault/internal/lending"
)

// WindowSeconds 是滚动额度窗口的长度。
const WindowSeconds int64 = 86_400

// Plan 是执行方提交的借款付款计划，所有字段均视为不可信输入。
type Plan struct {
	BorrowAsset  common.Address
	BorrowAmount *uint256.Int
	Payee        common.Address
	// ExpiresAt 为 unix 秒，等于当前时间时仍然有效。
	ExpiresAt int64
	Nonce     uint64
	// Attestation 是验证方对计划摘要的 65 字节签名，可选。
	Attestation []byte
}

// RateWindow 记录当前窗口的起点与已借额度。
type RateWindow struct {
	Start    int64
	Borrowed *uint256.Int
}

func (w RateWindow) clone() RateWindow {
	return RateWindow{Start: w.Start, Borrowed: cloneOrZero(w.Borrowed)}
}

// ExecutionState 是与执行相关的计数器。
type ExecutionState struct {
	Nonce uint64
	// Executed 为 false 时忽略 LastExecutionAt。
	Executed        bool
	LastExecutionAt int64
	Paused          bool
}

// Receipt 描述一次成功提交的执行。
type Receipt struct {
	VaultID          string
	Nonce            uint64
	BorrowAsset      common.Address
	Amount           *uint256.Int
	Payee            common.Address
	ExpiresAt        int64
	ExecutedAt       int64
	PreHealthFactor  *uint256.Int
	PostHealthFactor *uint256.Int
	Transactions     []lending.TxRecord
}

// AllowlistKind 区分三类白名单。
type AllowlistKind string

const (
	AllowlistCollateral AllowlistKind = "collateral"
	AllowlistBorrow     AllowlistKind = "borrow"
	AllowlistPayee      AllowlistKind = "payee"
)

// AllowlistKinds 按固定顺序列出全部白名单类型。
var AllowlistKinds = []AllowlistKind{AllowlistCollateral, AllowlistBorrow, AllowlistPayee}

// ParseAllowlistKind 解析白名单类型。
func ParseAllowlistKind(raw string) (AllowlistKind, error) {
	kind := AllowlistKind(strings.ToLower(strings.TrimSpace(raw)))
	for _, candidate := range AllowlistKinds {
		if candidate == kind {
			return kind, nil
		}
	}
	return "", fmt.Errorf("unknown allowlist kind %q", raw)
}

// State 是执行守卫状态机的阶段。每次执行结束后守卫回到 StateIdle。
type State string

const (
	StateIdle       State = "idle"
	StateValidating State = "validating"
	StateBorrowing  State = "borrowing"
	StatePostCheck  State = "post_check"
	StatePaying     State = "paying"
	StateCommitted  State = "committed"
	StateRejected   State = "rejected"
)

func cloneOrZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v.Clone()
}
