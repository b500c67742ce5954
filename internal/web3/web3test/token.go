package web3test

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ErrExecutionReverted 模拟节点在估算 gas 时返回的回滚错误。
var ErrExecutionReverted = errors.New("execution reverted")

type allowanceKey struct {
	owner   common.Address
	spender common.Address
}

// Tokens 是多个 ERC-20 代币的内存账本，按合约方法名响应调用。
type Tokens struct {
	tx *Transactor

	mu         sync.Mutex
	balances   map[common.Address]map[common.Address]*big.Int
	allowances map[common.Address]map[allowanceKey]*big.Int
	revert     map[string]bool
	sent       []string
}

// NewTokens 构造代币账本，交易由 tx 生成与确认。
func NewTokens(tx *Transactor) *Tokens {
	return &Tokens{
		tx:         tx,
		balances:   make(map[common.Address]map[common.Address]*big.Int),
		allowances: make(map[common.Address]map[allowanceKey]*big.Int),
		revert:     make(map[string]bool),
	}
}

// RevertOn 令指定方法的交易上链后回滚。
func (k *Tokens) RevertOn(method string) {
	k.mu.Lock()
	k.revert[method] = true
	k.mu.Unlock()
}

// Mint 增发代币。
func (k *Tokens) Mint(token, owner common.Address, amount *big.Int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.addLocked(token, owner, amount)
}

// Balance 返回余额。
func (k *Tokens) Balance(token, owner common.Address) *big.Int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return new(big.Int).Set(k.balanceLocked(token, owner))
}

// Allowance 返回授权额度。
func (k *Tokens) Allowance(token, owner, spender common.Address) *big.Int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return new(big.Int).Set(k.allowanceLocked(token, owner, spender))
}

// Sent 返回已发送的写方法名，按发送顺序。
func (k *Tokens) Sent() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]string, len(k.sent))
	copy(out, k.sent)
	return out
}

// Pull 模拟 transferFrom：spender 消耗 owner 的授权并把代币转给 to。
func (k *Tokens) Pull(token, owner, spender, to common.Address, amount *big.Int) error {
	if amount.Sign() == 0 {
		return nil
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	allowed := k.allowanceLocked(token, owner, spender)
	if allowed.Cmp(amount) < 0 {
		return fmt.Errorf("%w: insufficient allowance", ErrExecutionReverted)
	}
	if err := k.moveLocked(token, owner, to, amount); err != nil {
		return err
	}
	k.allowances[token][allowanceKey{owner, spender}] = new(big.Int).Sub(allowed, amount)
	return nil
}

// Push 直接在账户之间转移代币。
func (k *Tokens) Push(token, from, to common.Address, amount *big.Int) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.moveLocked(token, from, to, amount)
}

// Contract 返回某个代币的合约替身。
func (k *Tokens) Contract(token common.Address) *TokenContract {
	return &TokenContract{tokens: k, token: token}
}

func (k *Tokens) balanceLocked(token, owner common.Address) *big.Int {
	if b, ok := k.balances[token][owner]; ok {
		return b
	}
	return new(big.Int)
}

func (k *Tokens) allowanceLocked(token, owner, spender common.Address) *big.Int {
	if a, ok := k.allowances[token][allowanceKey{owner, spender}]; ok {
		return a
	}
	return new(big.Int)
}

func (k *Tokens) addLocked(token, owner common.Address, amount *big.Int) {
	if k.balances[token] == nil {
		k.balances[token] = make(map[common.Address]*big.Int)
	}
	k.balances[token][owner] = new(big.Int).Add(k.balanceLocked(token, owner), amount)
}

func (k *Tokens) moveLocked(token, from, to common.Address, amount *big.Int) error {
	if k.balanceLocked(token, from).Cmp(amount) < 0 {
		return fmt.Errorf("%w: insufficient balance", ErrExecutionReverted)
	}
	k.addLocked(token, from, new(big.Int).Neg(amount))
	k.addLocked(token, to, amount)
	return nil
}

// TokenContract 响应 balanceOf、allowance、transfer 与 approve。
type TokenContract struct {
	tokens *Tokens
	token  common.Address
}

// Call 实现只读调用。
func (c *TokenContract) Call(opts *bind.CallOpts, results *[]any, method string, params ...any) error {
	k := c.tokens
	k.mu.Lock()
	defer k.mu.Unlock()
	switch method {
	case "balanceOf":
		*results = []any{new(big.Int).Set(k.balanceLocked(c.token, params[0].(common.Address)))}
	case "allowance":
		*results = []any{new(big.Int).Set(k.allowanceLocked(c.token, params[0].(common.Address), params[1].(common.Address)))}
	default:
		return fmt.Errorf("unknown method %s", method)
	}
	return nil
}

// Transact 实现写调用。回滚标记的方法不改变状态。
func (c *TokenContract) Transact(opts *bind.TransactOpts, method string, params ...any) (*types.Transaction, error) {
	k := c.tokens
	k.mu.Lock()
	defer k.mu.Unlock()
	k.sent = append(k.sent, method)
	if k.revert[method] {
		return k.tx.NewTx(true), nil
	}
	switch method {
	case "transfer":
		if err := k.moveLocked(c.token, opts.From, params[0].(common.Address), params[1].(*big.Int)); err != nil {
			return nil, err
		}
	case "approve":
		if k.allowances[c.token] == nil {
			k.allowances[c.token] = make(map[allowanceKey]*big.Int)
		}
		k.allowances[c.token][allowanceKey{opts.From, params[0].(common.Address)}] = new(big.Int).Set(params[1].(*big.Int))
	default:
		return nil, fmt.Errorf("unknown method %s", method)
	}
	return k.tx.NewTx(false), nil
}
