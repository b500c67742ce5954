package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	xerrors "AgentVault/internal/errors"
	"AgentVault/internal/lending"
)

// 管理操作只允许所有者调用，与执行路径共享同一把锁，且从不修改 nonce 与额度窗口。

func (v *Vault) admin(ctx context.Context, c Capability, fn func(now int64) error) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.authorize(c, RoleOwner); err != nil {
		return err
	}
	unlock, err := v.acquire(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	return fn(v.now().Unix())
}

// update 先持久化候选状态，成功后再替换内存状态。
func (v *Vault) update(ctx context.Context, now int64, mutate func(*state) (bool, error)) (bool, error) {
	candidate := v.st.clone()
	changed, err := mutate(&candidate)
	if err != nil || !changed {
		return false, err
	}
	if err := v.persist(ctx, candidate, now); err != nil {
		return false, xerrors.Wrap(CodePersistenceFailed, err, "persist vault state")
	}
	v.swap(candidate)
	return true, nil
}

// SetPaused 切换紧急停止状态。
func (v *Vault) SetPaused(ctx context.Context, c Capability, paused bool) error {
	return v.admin(ctx, c, func(now int64) error {
		changed, err := v.update(ctx, now, func(st *state) (bool, error) {
			if st.paused == paused {
				return false, nil
			}
			st.paused = paused
			return true, nil
		})
		if err != nil || !changed {
			return err
		}
		kind := EventUnpaused
		if paused {
			kind = EventPaused
		}
		v.emit(ctx, kind, c.Subject(), now, map[string]string{"reason": "owner"})
		v.logger.Info("暂停状态已更新", slog.Bool("paused", paused), slog.String("actor", c.Subject()))
		return nil
	})
}

// SetPolicy 替换策略，校验失败时返回 INVALID_ARGUMENT。
func (v *Vault) SetPolicy(ctx context.Context, c Capability, policy Policy) error {
	return v.admin(ctx, c, func(now int64) error {
		if _, err := v.update(ctx, now, func(st *state) (bool, error) {
			return true, st.policy.Set(policy)
		}); err != nil {
			return err
		}
		v.emit(ctx, EventPolicyUpdated, c.Subject(), now, map[string]string{
			"min_health_factor":  policy.MinHealthFactor.Dec(),
			"cooldown_seconds":   strconv.FormatUint(policy.CooldownSeconds, 10),
			"max_borrow_per_tx":  policy.MaxBorrowPerTx.Dec(),
			"max_borrow_per_day": policy.MaxBorrowPerDay.Dec(),
		})
		return nil
	})
}

// SetTokenAllowlist 维护抵押资产或借款资产白名单。
func (v *Vault) SetTokenAllowlist(ctx context.Context, c Capability, kind AllowlistKind, token common.Address, allowed bool) error {
	if kind != AllowlistCollateral && kind != AllowlistBorrow {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("%q is not a token allowlist", kind))
	}
	return v.setMembership(ctx, c, kind, token, allowed, EventTokenAllowlistUpdated)
}

// SetPayeeAllowlist 维护收款方白名单。
func (v *Vault) SetPayeeAllowlist(ctx context.Context, c Capability, payee common.Address, allowed bool) error {
	return v.setMembership(ctx, c, AllowlistPayee, payee, allowed, EventPayeeAllowlistUpdated)
}

func (v *Vault) setMembership(ctx context.Context, c Capability, kind AllowlistKind, addr common.Address, allowed bool, event EventKind) error {
	if addr == (common.Address{}) {
		return xerrors.New(xerrors.CodeInvalidArgument, "allowlist address must not be zero")
	}
	return v.admin(ctx, c, func(now int64) error {
		changed, err := v.update(ctx, now, func(st *state) (bool, error) {
			return st.allowlists.SetMembership(kind, addr, allowed), nil
		})
		if err != nil || !changed {
			return err
		}
		v.emit(ctx, event, c.Subject(), now, map[string]string{
			"kind":    string(kind),
			"address": addr.Hex(),
			"allowed": strconv.FormatBool(allowed),
		})
		return nil
	})
}

// SupplyCollateral 把金库持有的抵押资产存入借贷池。
func (v *Vault) SupplyCollateral(ctx context.Context, c Capability, asset common.Address, amount *uint256.Int) error {
	if err := requireAmount(amount); err != nil {
		return err
	}
	return v.admin(ctx, c, func(now int64) error {
		if !v.st.allowlists.IsAllowed(AllowlistCollateral, asset) {
			return notAllowlisted(AllowlistCollateral, asset)
		}
		if err := v.adapter.Supply(ctx, asset, amount, v.address); err != nil {
			return adapterFailure("supply", err)
		}
		v.emit(ctx, EventCollateralSupplied, c.Subject(), now, map[string]string{
			"asset":  asset.Hex(),
			"amount": amount.Dec(),
		})
		return nil
	})
}

// WithdrawCollateral 取回抵押并转给 to。取回后健康因子低于策略阈值时重新存入并拒绝。
// 抵押先取回到金库地址，复核通过后才转出，保证回滚时资产仍在金库手中。
func (v *Vault) WithdrawCollateral(ctx context.Context, c Capability, asset common.Address, amount *uint256.Int, to common.Address) (*uint256.Int, error) {
	if err := requireAmount(amount); err != nil {
		return nil, err
	}
	if to == (common.Address{}) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "withdraw recipient must not be zero")
	}
	var withdrawn *uint256.Int
	err := v.admin(ctx, c, func(now int64) error {
		policy := v.st.policy.Get()
		actual, err := v.adapter.Withdraw(ctx, asset, amount, v.address)
		if err != nil {
			return adapterFailure("withdraw", err)
		}
		wctx := context.WithoutCancel(ctx)

		pos, err := v.adapter.AccountPosition(wctx, v.address)
		switch {
		case err != nil:
			return v.unwindWithdraw(wctx, asset, actual, now, adapterFailure("read account position after withdraw", err))
		case pos.HealthFactor.Lt(policy.MinHealthFactor):
			return v.unwindWithdraw(wctx, asset, actual, now, healthFactorTooLow(pos.HealthFactor, policy.MinHealthFactor, "post_withdraw"))
		}
		if to != v.address {
			if err := v.ledger.Transfer(wctx, asset, v.address, to, actual); err != nil {
				return v.unwindWithdraw(wctx, asset, actual, now, adapterFailure("transfer withdrawn collateral", err))
			}
		}
		withdrawn = actual
		v.emit(ctx, EventCollateralWithdrawn, c.Subject(), now, map[string]string{
			"asset":  asset.Hex(),
			"amount": actual.Dec(),
			"to":     to.Hex(),
		})
		return nil
	})
	return withdrawn, err
}

func (v *Vault) unwindWithdraw(ctx context.Context, asset common.Address, amount *uint256.Int, now int64, cause error) error {
	err := v.adapter.Supply(ctx, asset, amount, v.address)
	if err == nil {
		v.recorder.ObserveCompensation(v.id, "succeeded")
		return cause
	}
	v.recorder.ObserveCompensation(v.id, "failed")
	failure := xerrors.Wrap(CodeCompensationFailed, errors.Join(cause, err), "re-supplying withdrawn collateral failed, vault paused",
		xerrors.WithMetadata("asset", asset.Hex()),
		xerrors.WithMetadata("amount", amount.Dec()))
	v.logger.Error("抵押回存失败，金库已暂停", slog.String("error", failure.Error()))
	v.emergencyPause(ctx, v.st.nonce.Current(), now, failure)
	return failure
}

// RepayDebt 用金库余额偿还借款资产负债，返回实际偿还数量。
func (v *Vault) RepayDebt(ctx context.Context, c Capability, asset common.Address, amount *uint256.Int) (*uint256.Int, error) {
	if err := requireAmount(amount); err != nil {
		return nil, err
	}
	var repaid *uint256.Int
	err := v.admin(ctx, c, func(now int64) error {
		if !v.st.allowlists.IsAllowed(AllowlistBorrow, asset) {
			return notAllowlisted(AllowlistBorrow, asset)
		}
		actual, err := v.adapter.Repay(ctx, asset, amount, lending.RateModeVariable, v.address)
		if err != nil {
			return adapterFailure("repay", err)
		}
		repaid = actual
		v.emit(ctx, EventDebtRepaid, c.Subject(), now, map[string]string{
			"asset":  asset.Hex(),
			"amount": cloneOrZero(actual).Dec(),
		})
		return nil
	})
	return repaid, err
}

func requireAmount(amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return xerrors.New(xerrors.CodeInvalidArgument, "amount must be positive")
	}
	return nil
}
