package memory

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"AgentVault/internal/lending"
)

// Client 以固定调用方身份访问 Pool，对应链上交易的 msg.sender。
type Client struct {
	pool   *Pool
	caller common.Address
}

var (
	_ lending.Adapter         = (*Client)(nil)
	_ lending.BorrowPreviewer = (*Client)(nil)
	_ lending.TokenLedger     = (*Client)(nil)
)

// Caller 返回会话绑定的调用方地址。
func (c *Client) Caller() common.Address { return c.caller }

// Supply 从调用方转入代币并记为 onBehalfOf 的抵押。
func (c *Client) Supply(ctx context.Context, asset common.Address, amount *uint256.Int, onBehalfOf common.Address) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p := c.pool
	p.mu.Lock()
	if err := p.injectedLocked(OpSupply); err != nil {
		p.mu.Unlock()
		return err
	}
	if err := requirePositive(amount); err != nil {
		p.mu.Unlock()
		return err
	}
	if _, ok := p.reserves[asset]; !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrReserveNotListed, asset.Hex())
	}
	if get(p.balances, asset, c.caller).Lt(amount) {
		p.mu.Unlock()
		return ErrInsufficientBalance
	}
	sub(p.balances, asset, c.caller, amount)
	add(p.balances, asset, p.address, amount)
	add(p.collateral, onBehalfOf, asset, amount)
	p.mu.Unlock()

	p.runAfter(OpSupply)
	return nil
}

// Withdraw 取回调用方的抵押到 to。amount 为最大值时取回全部。
func (c *Client) Withdraw(ctx context.Context, asset common.Address, amount *uint256.Int, to common.Address) (*uint256.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := c.pool
	p.mu.Lock()
	if err := p.injectedLocked(OpWithdraw); err != nil {
		p.mu.Unlock()
		return nil, err
	}
	if err := requirePositive(amount); err != nil {
		p.mu.Unlock()
		return nil, err
	}
	held := get(p.collateral, c.caller, asset)
	actual := amount.Clone()
	if actual.Gt(held) {
		if !amount.Eq(lending.MaxHealthFactor()) {
			p.mu.Unlock()
			return nil, fmt.Errorf("%w: withdraw %s exceeds collateral %s", ErrInsufficientBalance, amount.Dec(), held.Dec())
		}
		actual = held
	}
	if actual.IsZero() {
		p.mu.Unlock()
		return nil, ErrInsufficientBalance
	}
	if get(p.balances, asset, p.address).Lt(actual) {
		p.mu.Unlock()
		return nil, ErrInsufficientLiquidity
	}

	sub(p.collateral, c.caller, asset, actual)
	if pos := p.positionLocked(c.caller, nil); pos.HealthFactor.Lt(lending.WAD) {
		add(p.collateral, c.caller, asset, actual)
		p.mu.Unlock()
		return nil, ErrInsufficientCollateral
	}
	sub(p.balances, asset, p.address, actual)
	add(p.balances, asset, to, actual)
	p.mu.Unlock()

	p.runAfter(OpWithdraw)
	return actual, nil
}

// Borrow 以 onBehalfOf 的抵押借出资产给调用方。
func (c *Client) Borrow(ctx context.Context, asset common.Address, amount *uint256.Int, mode lending.RateMode, onBehalfOf common.Address) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if mode != lending.RateModeVariable && mode != lending.RateModeStable {
		return fmt.Errorf("unsupported %s", mode)
	}
	p := c.pool
	p.mu.Lock()
	if err := p.injectedLocked(OpBorrow); err != nil {
		p.mu.Unlock()
		return err
	}
	if err := requirePositive(amount); err != nil {
		p.mu.Unlock()
		return err
	}
	if onBehalfOf != c.caller {
		p.mu.Unlock()
		return ErrDelegationRequired
	}
	if _, ok := p.reserves[asset]; !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrReserveNotListed, asset.Hex())
	}
	if get(p.balances, asset, p.address).Lt(amount) {
		p.mu.Unlock()
		return ErrInsufficientLiquidity
	}
	projected := p.positionLocked(onBehalfOf, &pendingDebt{asset: asset, amount: amount})
	if projected.HealthFactor.Lt(lending.WAD) {
		p.mu.Unlock()
		return ErrInsufficientCollateral
	}
	add(p.debt, onBehalfOf, asset, amount)
	sub(p.balances, asset, p.address, amount)
	add(p.balances, asset, c.caller, amount)
	p.mu.Unlock()

	p.runAfter(OpBorrow)
	return nil
}

// Repay 用调用方余额偿还 onBehalfOf 的负债，返回实际偿还数量。
func (c *Client) Repay(ctx context.Context, asset common.Address, amount *uint256.Int, mode lending.RateMode, onBehalfOf common.Address) (*uint256.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := c.pool
	p.mu.Lock()
	if err := p.injectedLocked(OpRepay); err != nil {
		p.mu.Unlock()
		return nil, err
	}
	if err := requirePositive(amount); err != nil {
		p.mu.Unlock()
		return nil, err
	}
	owed := get(p.debt, onBehalfOf, asset)
	if owed.IsZero() {
		p.mu.Unlock()
		return nil, ErrNoDebt
	}
	actual := amount.Clone()
	if actual.Gt(owed) {
		actual = owed
	}
	if get(p.balances, asset, c.caller).Lt(actual) {
		p.mu.Unlock()
		return nil, ErrInsufficientBalance
	}
	sub(p.balances, asset, c.caller, actual)
	add(p.balances, asset, p.address, actual)
	sub(p.debt, onBehalfOf, asset, actual)
	p.mu.Unlock()

	p.runAfter(OpRepay)
	return actual, nil
}

// AccountPosition 返回账户快照。
func (c *Client) AccountPosition(ctx context.Context, account common.Address) (lending.AccountPosition, error) {
	if err := ctx.Err(); err != nil {
		return lending.AccountPosition{}, err
	}
	p := c.pool
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.injectedLocked(OpPosition); err != nil {
		return lending.AccountPosition{}, err
	}
	return p.positionLocked(account, nil), nil
}

// PreviewBorrow 计算借款后的快照而不修改账本。
func (c *Client) PreviewBorrow(ctx context.Context, account, asset common.Address, amount *uint256.Int) (lending.AccountPosition, error) {
	if err := ctx.Err(); err != nil {
		return lending.AccountPosition{}, err
	}
	p := c.pool
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.injectedLocked(OpPreview); err != nil {
		return lending.AccountPosition{}, err
	}
	if _, ok := p.reserves[asset]; !ok {
		return lending.AccountPosition{}, fmt.Errorf("%w: %s", ErrReserveNotListed, asset.Hex())
	}
	return p.positionLocked(account, &pendingDebt{asset: asset, amount: amount}), nil
}

// Transfer 从调用方转出代币。
func (c *Client) Transfer(ctx context.Context, asset, from, to common.Address, amount *uint256.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p := c.pool
	p.mu.Lock()
	if err := p.injectedLocked(OpTransfer); err != nil {
		p.mu.Unlock()
		return err
	}
	if err := requirePositive(amount); err != nil {
		p.mu.Unlock()
		return err
	}
	if from != c.caller {
		p.mu.Unlock()
		return ErrUnauthorizedTransfer
	}
	if get(p.balances, asset, from).Lt(amount) {
		p.mu.Unlock()
		return ErrInsufficientBalance
	}
	sub(p.balances, asset, from, amount)
	add(p.balances, asset, to, amount)
	p.mu.Unlock()

	p.runAfter(OpTransfer)
	return nil
}

// BalanceOf 返回代币余额。
func (c *Client) BalanceOf(ctx context.Context, asset, owner common.Address) (*uint256.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.pool.BalanceOf(asset, owner), nil
}

func requirePositive(amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return ErrZeroAmount
	}
	return nil
}
