package vault

import (
	"fmt"

	"github.com/holiman/uint256"

	xerrors "AgentVault/internal/errors"
)

// RateLimiter 跟踪 24 小时滚动额度与两次执行之间的冷却时间。
// Check 只做推演，窗口只在 Commit 时落地。
type RateLimiter struct {
	window          RateWindow
	lastExecutionAt int64
	executed        bool
}

func newRateLimiter(window RateWindow, lastExecutionAt int64, executed bool) RateLimiter {
	return RateLimiter{window: window.clone(), lastExecutionAt: lastExecutionAt, executed: executed}
}

// Check 校验冷却与日额度，返回执行成功后应提交的窗口。
func (r RateLimiter) Check(policy Policy, amount *uint256.Int, now int64) (RateWindow, error) {
	next := r.windowAt(now)

	if r.executed && now < r.lastExecutionAt+int64(policy.CooldownSeconds) {
		remaining := r.lastExecutionAt + int64(policy.CooldownSeconds) - now
		return r.window.clone(), reject(CodeCooldown, "cooldown in effect",
			xerrors.WithMetadata("remaining_seconds", fmt.Sprintf("%d", remaining)))
	}

	total, overflow := new(uint256.Int).AddOverflow(next.Borrowed, amount)
	if overflow || total.Gt(policy.MaxBorrowPerDay) {
		return r.window.clone(), reject(CodeLimitExceeded, "daily borrow cap would be exceeded",
			xerrors.WithMetadata("limit", "per_day"),
			xerrors.WithMetadata("borrowed", next.Borrowed.Dec()),
			xerrors.WithMetadata("max", policy.MaxBorrowPerDay.Dec()))
	}
	next.Borrowed = total
	return next, nil
}

// Commit 记录一次成功执行。
func (r *RateLimiter) Commit(next RateWindow, now int64) {
	r.window = next.clone()
	r.lastExecutionAt = now
	r.executed = true
}

// Window 返回当前窗口的副本。
func (r RateLimiter) Window() RateWindow { return r.window.clone() }

// LastExecutionAt 返回上次成功执行的时间，Executed 为 false 时无意义。
func (r RateLimiter) LastExecutionAt() int64 { return r.lastExecutionAt }

// Executed 报告是否有过成功执行。
func (r RateLimiter) Executed() bool { return r.executed }

// Headroom 返回 now 时刻窗口内剩余的可借额度。
func (r RateLimiter) Headroom(policy Policy, now int64) *uint256.Int {
	current := r.windowAt(now)
	if current.Borrowed.Cmp(policy.MaxBorrowPerDay) >= 0 {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(policy.MaxBorrowPerDay, current.Borrowed)
}

// CooldownRemaining 返回 now 时刻剩余的冷却秒数。
func (r RateLimiter) CooldownRemaining(policy Policy, now int64) int64 {
	if !r.executed {
		return 0
	}
	remaining := r.lastExecutionAt + int64(policy.CooldownSeconds) - now
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (r RateLimiter) windowAt(now int64) RateWindow {
	if now >= r.window.Start+WindowSeconds {
		return RateWindow{Start: now, Borrowed: new(uint256.Int)}
	}
	return r.window.clone()
}
