// Package erc20 通过 go-ethereum 合约绑定实现 lending.TokenLedger。
package erc20

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"

	"AgentVault/internal/lending"
	"AgentVault/internal/web3"
)

// ABI 只包含账本用到的方法。
const ABI = `[
 {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
 {"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

var parsedABI = mustParse(ABI)

// ErrForeignSender 表示请求转出的账户不是签名账户。
var ErrForeignSender = errors.New("erc20: sender is not the signing account")

// Contract 是账本使用的绑定合约能力，与 bind.BoundContract 的方法一致。
type Contract interface {
	Call(opts *bind.CallOpts, results *[]any, method string, params ...any) error
	Transact(opts *bind.TransactOpts, method string, params ...any) (*types.Transaction, error)
}

// Binder 按代币地址构造绑定合约。
type Binder func(token common.Address) Contract

// Ledger 以签名账户身份转账并读取余额。
type Ledger struct {
	signer web3.Transactor
	binder Binder
}

var _ lending.TokenLedger = (*Ledger)(nil)

// NewLedger 基于链后端构造账本。
func NewLedger(backend web3.Backend, signer web3.Transactor) *Ledger {
	return NewLedgerWithBinder(signer, func(token common.Address) Contract {
		return bind.NewBoundContract(token, parsedABI, backend, backend, backend)
	})
}

// NewLedgerWithBinder 使用自定义绑定构造账本，测试中用于替换链上合约。
func NewLedgerWithBinder(signer web3.Transactor, binder Binder) *Ledger {
	return &Ledger{signer: signer, binder: binder}
}

// Transfer 从签名账户转出代币并等待回执。
func (l *Ledger) Transfer(ctx context.Context, asset, from, to common.Address, amount *uint256.Int) error {
	if from != l.signer.From() {
		return fmt.Errorf("%w: %s", ErrForeignSender, from.Hex())
	}
	if amount == nil || amount.IsZero() {
		return errors.New("erc20: transfer amount must be positive")
	}
	return l.send(ctx, asset, "transfer", to, amount.ToBig())
}

// Approve 授权 spender 使用签名账户的代币。
func (l *Ledger) Approve(ctx context.Context, asset, spender common.Address, amount *uint256.Int) error {
	if amount == nil {
		return errors.New("erc20: approve amount is required")
	}
	return l.send(ctx, asset, "approve", spender, amount.ToBig())
}

// BalanceOf 读取 owner 的代币余额。
func (l *Ledger) BalanceOf(ctx context.Context, asset, owner common.Address) (*uint256.Int, error) {
	return l.call(ctx, asset, "balanceOf", owner)
}

// Allowance 读取 owner 授予 spender 的额度。
func (l *Ledger) Allowance(ctx context.Context, asset, owner, spender common.Address) (*uint256.Int, error) {
	return l.call(ctx, asset, "allowance", owner, spender)
}

func (l *Ledger) send(ctx context.Context, asset common.Address, method string, params ...any) error {
	tx, err := l.binder(asset).Transact(l.signer.TransactOpts(ctx), method, params...)
	if err != nil {
		return fmt.Errorf("erc20 %s on %s: %w", method, asset.Hex(), err)
	}
	lending.RecordTx(ctx, method, tx.Hash())
	if _, err := l.signer.WaitMined(ctx, tx); err != nil {
		return fmt.Errorf("erc20 %s on %s: %w", method, asset.Hex(), err)
	}
	return nil
}

func (l *Ledger) call(ctx context.Context, asset common.Address, method string, params ...any) (*uint256.Int, error) {
	var out []any
	if err := l.binder(asset).Call(&bind.CallOpts{Context: ctx}, &out, method, params...); err != nil {
		return nil, fmt.Errorf("erc20 %s on %s: %w", method, asset.Hex(), err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("erc20 %s on %s: unexpected result length %d", method, asset.Hex(), len(out))
	}
	return ToUint256(out[0])
}

// ToUint256 把 ABI 解码出的 *big.Int 转为 uint256。
func ToUint256(v any) (*uint256.Int, error) {
	b, ok := v.(*big.Int)
	if !ok || b == nil {
		return nil, fmt.Errorf("unexpected abi value %T", v)
	}
	out, overflow := uint256.FromBig(b)
	if overflow || b.Sign() < 0 {
		return nil, fmt.Errorf("abi value %s out of uint256 range", b)
	}
	return out, nil
}

func mustParse(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}
