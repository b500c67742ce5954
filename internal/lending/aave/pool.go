// Package aave 通过 go-ethereum 合约绑定访问 Aave v3 Pool，实现 lending.Adapter。
//
// 所有写操作以签名账户为 msg.sender 发出。金库地址应当就是签名账户，
// 否则 onBehalfOf 借款需要链上的信用委托。
package aave

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"AgentVault/internal/lending"
	"AgentVault/internal/lending/erc20"
	"AgentVault/internal/web3"
)

// Config 描述 Pool 合约与推荐码。
type Config struct {
	Pool         common.Address
	ReferralCode uint16
}

// Pool 是 Aave v3 Pool 的适配器。
type Pool struct {
	address  common.Address
	contract erc20.Contract
	ledger   *erc20.Ledger
	signer   web3.Transactor
	referral uint16
}

var _ lending.Adapter = (*Pool)(nil)

// NewPool 基于链后端构造适配器，ledger 用于授权与余额读取。
func NewPool(backend web3.Backend, signer web3.Transactor, ledger *erc20.Ledger, cfg Config) *Pool {
	contract := bind.NewBoundContract(cfg.Pool, parsedABI, backend, backend, backend)
	return NewPoolWithContract(contract, signer, ledger, cfg)
}

// NewPoolWithContract 使用给定的合约绑定构造适配器。
func NewPoolWithContract(contract erc20.Contract, signer web3.Transactor, ledger *erc20.Ledger, cfg Config) *Pool {
	return &Pool{
		address:  cfg.Pool,
		contract: contract,
		ledger:   ledger,
		signer:   signer,
		referral: cfg.ReferralCode,
	}
}

// Address 返回 Pool 合约地址。
func (p *Pool) Address() common.Address { return p.address }

// Supply 授权后把签名账户的代币存入，记为 onBehalfOf 的抵押。
func (p *Pool) Supply(ctx context.Context, asset common.Address, amount *uint256.Int, onBehalfOf common.Address) error {
	if err := requirePositive(amount); err != nil {
		return err
	}
	if err := p.ensureAllowance(ctx, asset, amount); err != nil {
		return err
	}
	return p.send(ctx, "supply", asset, amount.ToBig(), onBehalfOf, p.referral)
}

// Withdraw 取回抵押到 to，返回 to 实际增加的余额。amount 为最大值时取回全部。
func (p *Pool) Withdraw(ctx context.Context, asset common.Address, amount *uint256.Int, to common.Address) (*uint256.Int, error) {
	if err := requirePositive(amount); err != nil {
		return nil, err
	}
	before, err := p.ledger.BalanceOf(ctx, asset, to)
	if err != nil {
		return nil, err
	}
	if err := p.send(ctx, "withdraw", asset, amount.ToBig(), to); err != nil {
		return nil, err
	}
	after, err := p.ledger.BalanceOf(ctx, asset, to)
	if err != nil {
		return nil, err
	}
	return delta(after, before), nil
}

// Borrow 以 onBehalfOf 的抵押借出资产，资产转入签名账户。
func (p *Pool) Borrow(ctx context.Context, asset common.Address, amount *uint256.Int, mode lending.RateMode, onBehalfOf common.Address) error {
	if err := requirePositive(amount); err != nil {
		return err
	}
	return p.send(ctx, "borrow", asset, amount.ToBig(), big.NewInt(int64(mode)), p.referral, onBehalfOf)
}

// Repay 授权后偿还 onBehalfOf 的负债，返回签名账户实际支出的数量。
// amount 为最大值时偿还全部负债。
func (p *Pool) Repay(ctx context.Context, asset common.Address, amount *uint256.Int, mode lending.RateMode, onBehalfOf common.Address) (*uint256.Int, error) {
	if err := requirePositive(amount); err != nil {
		return nil, err
	}
	payer := p.signer.From()
	before, err := p.ledger.BalanceOf(ctx, asset, payer)
	if err != nil {
		return nil, err
	}
	if err := p.ensureAllowance(ctx, asset, amount); err != nil {
		return nil, err
	}
	if err := p.send(ctx, "repay", asset, amount.ToBig(), big.NewInt(int64(mode)), onBehalfOf); err != nil {
		return nil, err
	}
	after, err := p.ledger.BalanceOf(ctx, asset, payer)
	if err != nil {
		return nil, err
	}
	return delta(before, after), nil
}

// AccountPosition 读取 getUserAccountData。价值以 Pool 的基础货币计价，
// 健康因子为 WAD，无负债时合约返回 uint256 最大值。
func (p *Pool) AccountPosition(ctx context.Context, account common.Address) (lending.AccountPosition, error) {
	var out []any
	if err := p.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getUserAccountData", account); err != nil {
		return lending.AccountPosition{}, fmt.Errorf("aave getUserAccountData: %w", err)
	}
	if len(out) != 6 {
		return lending.AccountPosition{}, fmt.Errorf("aave getUserAccountData: unexpected result length %d", len(out))
	}
	values := make([]*uint256.Int, len(out))
	for i, raw := range out {
		v, err := erc20.ToUint256(raw)
		if err != nil {
			return lending.AccountPosition{}, fmt.Errorf("aave getUserAccountData: %w", err)
		}
		values[i] = v
	}
	return lending.AccountPosition{
		TotalCollateralValue:  values[0],
		TotalDebtValue:        values[1],
		AvailableBorrowsValue: values[2],
		HealthFactor:          values[5],
	}, nil
}

func (p *Pool) ensureAllowance(ctx context.Context, asset common.Address, amount *uint256.Int) error {
	allowed, err := p.ledger.Allowance(ctx, asset, p.signer.From(), p.address)
	if err != nil {
		return err
	}
	if !allowed.Lt(amount) {
		return nil
	}
	return p.ledger.Approve(ctx, asset, p.address, amount)
}

func (p *Pool) send(ctx context.Context, method string, params ...any) error {
	tx, err := p.contract.Transact(p.signer.TransactOpts(ctx), method, params...)
	if err != nil {
		return fmt.Errorf("aave %s: %w", method, err)
	}
	lending.RecordTx(ctx, method, tx.Hash())
	if _, err := p.signer.WaitMined(ctx, tx); err != nil {
		return fmt.Errorf("aave %s: %w", method, err)
	}
	return nil
}

func requirePositive(amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return errors.New("aave: amount must be positive")
	}
	return nil
}

func delta(high, low *uint256.Int) *uint256.Int {
	if high.Lt(low) {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(high, low)
}
