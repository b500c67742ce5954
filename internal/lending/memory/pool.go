// Package memory 提供确定性的内存借贷池，用于测试和演示部署。
package memory

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"AgentVault/internal/lending"
)

// Operation 标识可注入故障的池操作。
type Operation string

const (
	OpSupply   Operation = "supply"
	OpWithdraw Operation = "withdraw"
	OpBorrow   Operation = "borrow"
	OpRepay    Operation = "repay"
	OpPosition Operation = "position"
	OpPreview  Operation = "preview"
	OpTransfer Operation = "transfer"
)

const bpsDenominator = 10_000

var (
	ErrReserveNotListed       = errors.New("reserve not listed")
	ErrZeroAmount             = errors.New("amount must be greater than zero")
	ErrInsufficientBalance    = errors.New("insufficient token balance")
	ErrInsufficientLiquidity  = errors.New("insufficient pool liquidity")
	ErrInsufficientCollateral = errors.New("health factor would drop below 1")
	ErrNoDebt                 = errors.New("no debt to repay")
	ErrDelegationRequired     = errors.New("borrowing on behalf of another account is not supported")
	ErrUnauthorizedTransfer   = errors.New("transfer source must be the caller")
)

// Reserve 描述一个已上架资产的价格与清算阈值。
type Reserve struct {
	Asset                   common.Address
	Price                   *uint256.Int
	LiquidationThresholdBps uint64
}

// Pool 是内存借贷账本。所有方法并发安全，每次调用整体生效或整体失败。
type Pool struct {
	mu         sync.Mutex
	address    common.Address
	reserves   map[common.Address]Reserve
	collateral map[common.Address]map[common.Address]*uint256.Int
	debt       map[common.Address]map[common.Address]*uint256.Int
	balances   map[common.Address]map[common.Address]*uint256.Int
	oneShot    map[Operation][]error
	sticky     map[Operation]error
	after      map[Operation][]func()
}

// NewPool 创建地址为 address 的借贷池，借出的流动性从该地址的余额中扣除。
func NewPool(address common.Address) *Pool {
	return &Pool{
		address:    address,
		reserves:   make(map[common.Address]Reserve),
		collateral: make(map[common.Address]map[common.Address]*uint256.Int),
		debt:       make(map[common.Address]map[common.Address]*uint256.Int),
		balances:   make(map[common.Address]map[common.Address]*uint256.Int),
		oneShot:    make(map[Operation][]error),
		sticky:     make(map[Operation]error),
		after:      make(map[Operation][]func()),
	}
}

// Address 返回池地址。
func (p *Pool) Address() common.Address { return p.address }

// ListReserve 上架或更新资产。
func (p *Pool) ListReserve(asset common.Address, price *uint256.Int, thresholdBps uint64) error {
	if price == nil || price.IsZero() {
		return fmt.Errorf("reserve %s: price must be positive", asset.Hex())
	}
	if thresholdBps > bpsDenominator {
		return fmt.Errorf("reserve %s: liquidation threshold %d exceeds 100%%", asset.Hex(), thresholdBps)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reserves[asset] = Reserve{Asset: asset, Price: price.Clone(), LiquidationThresholdBps: thresholdBps}
	return nil
}

// SetPrice 更新资产价格，模拟预言机波动。
func (p *Pool) SetPrice(asset common.Address, price *uint256.Int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	reserve, ok := p.reserves[asset]
	if !ok {
		return fmt.Errorf("%w: %s", ErrReserveNotListed, asset.Hex())
	}
	reserve.Price = price.Clone()
	p.reserves[asset] = reserve
	return nil
}

// Mint 直接给 holder 增加代币余额。
func (p *Pool) Mint(asset, holder common.Address, amount *uint256.Int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	add(p.balances, asset, holder, amount)
}

// BalanceOf 返回 holder 的代币余额。
func (p *Pool) BalanceOf(asset, holder common.Address) *uint256.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return get(p.balances, asset, holder)
}

// Collateral 返回账户在某资产上的抵押数量。
func (p *Pool) Collateral(account, asset common.Address) *uint256.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return get(p.collateral, account, asset)
}

// Debt 返回账户在某资产上的负债数量。
func (p *Pool) Debt(account, asset common.Address) *uint256.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return get(p.debt, account, asset)
}

// Position 返回账户的当前快照，不受故障注入影响。
func (p *Pool) Position(account common.Address) lending.AccountPosition {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.positionLocked(account, nil)
}

// FailNext 让指定操作的下一次调用返回 err。可多次调用排队。
func (p *Pool) FailNext(op Operation, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.oneShot[op] = append(p.oneShot[op], err)
}

// SetFailure 让指定操作持续返回 err，传入 nil 解除。
func (p *Pool) SetFailure(op Operation, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.sticky, op)
		return
	}
	p.sticky[op] = err
}

// OnAfter 注册在操作成功后执行的回调，回调在锁外运行。
func (p *Pool) OnAfter(op Operation, fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.after[op] = append(p.after[op], fn)
}

// Client 返回以 caller 身份调用池的会话，实现 lending.Adapter、
// lending.BorrowPreviewer 与 lending.TokenLedger。
func (p *Pool) Client(caller common.Address) *Client {
	return &Client{pool: p, caller: caller}
}

func (p *Pool) injectedLocked(op Operation) error {
	if queue := p.oneShot[op]; len(queue) > 0 {
		err := queue[0]
		p.oneShot[op] = queue[1:]
		return err
	}
	return p.sticky[op]
}

func (p *Pool) runAfter(op Operation) {
	p.mu.Lock()
	hooks := append([]func(){}, p.after[op]...)
	p.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

// positionLocked 计算账户快照；extraDebt 非空时叠加一笔假设的借款。
func (p *Pool) positionLocked(account common.Address, extraDebt *pendingDebt) lending.AccountPosition {
	collateralValue := new(uint256.Int)
	weighted := new(uint256.Int)
	for asset, amount := range p.collateral[account] {
		reserve, ok := p.reserves[asset]
		if !ok {
			continue
		}
		value, overflow := lending.ValueOf(amount, reserve.Price)
		if overflow {
			value = lending.MaxHealthFactor()
		}
		collateralValue = saturatingAdd(collateralValue, value)
		share, _ := new(uint256.Int).MulDivOverflow(value, uint256.NewInt(reserve.LiquidationThresholdBps), uint256.NewInt(bpsDenominator))
		weighted = saturatingAdd(weighted, share)
	}

	debtValue := new(uint256.Int)
	accumulate := func(asset common.Address, amount *uint256.Int) {
		reserve, ok := p.reserves[asset]
		if !ok {
			return
		}
		value, overflow := lending.ValueOf(amount, reserve.Price)
		if overflow {
			value = lending.MaxHealthFactor()
		}
		debtValue = saturatingAdd(debtValue, value)
	}
	for asset, amount := range p.debt[account] {
		accumulate(asset, amount)
	}
	if extraDebt != nil {
		accumulate(extraDebt.asset, extraDebt.amount)
	}

	available := new(uint256.Int)
	if weighted.Gt(debtValue) {
		available.Sub(weighted, debtValue)
	}
	return lending.AccountPosition{
		TotalCollateralValue:  collateralValue,
		TotalDebtValue:        debtValue,
		AvailableBorrowsValue: available,
		HealthFactor:          lending.HealthFactor(weighted, debtValue),
	}
}

type pendingDebt struct {
	asset  common.Address
	amount *uint256.Int
}

func get(m map[common.Address]map[common.Address]*uint256.Int, k1, k2 common.Address) *uint256.Int {
	if inner, ok := m[k1]; ok {
		if v, ok := inner[k2]; ok {
			return v.Clone()
		}
	}
	return new(uint256.Int)
}

func add(m map[common.Address]map[common.Address]*uint256.Int, k1, k2 common.Address, amount *uint256.Int) {
	inner, ok := m[k1]
	if !ok {
		inner = make(map[common.Address]*uint256.Int)
		m[k1] = inner
	}
	current, ok := inner[k2]
	if !ok {
		current = new(uint256.Int)
	}
	inner[k2] = saturatingAdd(current, amount)
}

// sub 假定调用方已确认余额充足。
func sub(m map[common.Address]map[common.Address]*uint256.Int, k1, k2 common.Address, amount *uint256.Int) {
	inner := m[k1]
	current := inner[k2]
	next := new(uint256.Int).Sub(current, amount)
	if next.IsZero() {
		delete(inner, k2)
		return
	}
	inner[k2] = next
}

func saturatingAdd(a, b *uint256.Int) *uint256.Int {
	sum, overflow := new(uint256.Int).AddOverflow(a, b)
	if overflow {
		return lending.MaxHealthFactor()
	}
	return sum
}
