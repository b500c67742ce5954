// Package lending 定义金库与外部借贷协议之间的窄接口。
//
// 金库只依赖这里声明的操作，协议内部的记账、利率与清算逻辑均由实现方负责。
// 每个调用要么完全生效，要么完全不生效。
package lending

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// RateMode 对应 Aave 的利率模式编码。
type RateMode uint8

const (
	RateModeStable   RateMode = 1
	RateModeVariable RateMode = 2
)

func (m RateMode) String() string {
	switch m {
	case RateModeStable:
		return "stable"
	case RateModeVariable:
		return "variable"
	default:
		return fmt.Sprintf("rate_mode(%d)", uint8(m))
	}
}

// AccountPosition 是借贷协议返回的账户快照，只在读取时刻有效。
type AccountPosition struct {
	TotalCollateralValue  *uint256.Int
	TotalDebtValue        *uint256.Int
	AvailableBorrowsValue *uint256.Int
	// HealthFactor 以 WAD 表示，无负债时为 uint256 最大值。
	HealthFactor *uint256.Int
}

// Adapter 是金库消费的借贷池操作集合。调用方身份由实现绑定，
// 例如链上适配器的签名账户或内存池的会话账户。
type Adapter interface {
	Supply(ctx context.Context, asset common.Address, amount *uint256.Int, onBehalfOf common.Address) error
	Withdraw(ctx context.Context, asset common.Address, amount *uint256.Int, to common.Address) (*uint256.Int, error)
	Borrow(ctx context.Context, asset common.Address, amount *uint256.Int, mode RateMode, onBehalfOf common.Address) error
	Repay(ctx context.Context, asset common.Address, amount *uint256.Int, mode RateMode, onBehalfOf common.Address) (*uint256.Int, error)
	AccountPosition(ctx context.Context, account common.Address) (AccountPosition, error)
}

// BorrowPreviewer 是可选能力：在不改变状态的前提下预估借款后的账户快照。
type BorrowPreviewer interface {
	PreviewBorrow(ctx context.Context, account, asset common.Address, amount *uint256.Int) (AccountPosition, error)
}

// TokenLedger 负责付款步骤中的代币转账。
type TokenLedger interface {
	Transfer(ctx context.Context, asset, from, to common.Address, amount *uint256.Int) error
	BalanceOf(ctx context.Context, asset, owner common.Address) (*uint256.Int, error)
}
