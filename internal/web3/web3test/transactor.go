// Package web3test 提供不依赖真实链的签名器替身，供合约适配器测试使用。
package web3test

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"AgentVault/internal/web3"
)

// Transactor 记录发出的交易，并按标记返回成功或回滚的回执。
type Transactor struct {
	Account common.Address

	mu       sync.Mutex
	nonce    uint64
	reverted map[common.Hash]bool
	mined    []common.Hash
}

var _ web3.Transactor = (*Transactor)(nil)

// NewTransactor 构造绑定到 account 的替身。
func NewTransactor(account common.Address) *Transactor {
	return &Transactor{Account: account, reverted: make(map[common.Hash]bool)}
}

// From 返回签名账户。
func (t *Transactor) From() common.Address { return t.Account }

// TransactOpts 返回只带发送方的参数。
func (t *Transactor) TransactOpts(ctx context.Context) *bind.TransactOpts {
	return &bind.TransactOpts{From: t.Account, Context: ctx}
}

// NewTx 生成一笔哈希唯一的交易，revert 为真时其回执状态为失败。
func (t *Transactor) NewTx(revert bool) *types.Transaction {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nonce++
	tx := types.NewTx(&types.LegacyTx{Nonce: t.nonce, GasPrice: big.NewInt(1), Gas: 21_000})
	if revert {
		t.reverted[tx.Hash()] = true
	}
	return tx
}

// WaitMined 立即返回回执。
func (t *Transactor) WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mined = append(t.mined, tx.Hash())
	receipt := &types.Receipt{TxHash: tx.Hash(), Status: types.ReceiptStatusSuccessful}
	if t.reverted[tx.Hash()] {
		receipt.Status = types.ReceiptStatusFailed
		return receipt, fmt.Errorf("%w: %s", web3.ErrReverted, tx.Hash().Hex())
	}
	return receipt, nil
}

// Mined 返回已确认交易的哈希。
func (t *Transactor) Mined() []common.Hash {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]common.Hash, len(t.mined))
	copy(out, t.mined)
	return out
}
