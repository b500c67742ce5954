package web3

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ErrReverted 表示交易已上链但执行失败。
var ErrReverted = errors.New("transaction reverted")

// ChainSnapshot 汇总链的基础信息，用于启动日志与健康检查。
type ChainSnapshot struct {
	Name        string
	ChainID     string
	BlockNumber uint64
}

// Backend 是合约绑定读写与回执查询所需的链访问能力。
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
}

// Transactor 为合约写调用提供签名参数并等待交易确认。
type Transactor interface {
	// From 返回签名账户地址。
	From() common.Address
	// TransactOpts 返回绑定到 ctx 的签名参数副本。
	TransactOpts(ctx context.Context) *bind.TransactOpts
	// WaitMined 等待交易上链。回执状态为失败时返回 ErrReverted。
	WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error)
}
