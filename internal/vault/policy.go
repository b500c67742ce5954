package vault

import (
	"github.com/holiman/uint256"

	xerrors "AgentVault/internal/errors"
	"AgentVault/internal/lending"
)

// Policy 是所有者配置的阈值，执行过程从不修改它。
type Policy struct {
	// MinHealthFactor 以 WAD 表示，1e18 即 1.0。
	MinHealthFactor *uint256.Int
	CooldownSeconds uint64
	MaxBorrowPerTx  *uint256.Int
	MaxBorrowPerDay *uint256.Int
}

// Clone 返回深拷贝。
func (p Policy) Clone() Policy {
	return Policy{
		MinHealthFactor: cloneOrZero(p.MinHealthFactor),
		CooldownSeconds: p.CooldownSeconds,
		MaxBorrowPerTx:  cloneOrZero(p.MaxBorrowPerTx),
		MaxBorrowPerDay: cloneOrZero(p.MaxBorrowPerDay),
	}
}

// Validate 校验策略：minHF 不低于 1.0，单笔上限为正，日上限不低于单笔上限。
func (p Policy) Validate() error {
	switch {
	case p.MinHealthFactor == nil || p.MinHealthFactor.Lt(lending.WAD):
		return xerrors.New(xerrors.CodeInvalidArgument, "policy min health factor must be at least 1.0")
	case p.MaxBorrowPerTx == nil || p.MaxBorrowPerTx.IsZero():
		return xerrors.New(xerrors.CodeInvalidArgument, "policy max borrow per tx must be positive")
	case p.MaxBorrowPerDay == nil || p.MaxBorrowPerDay.Lt(p.MaxBorrowPerTx):
		return xerrors.New(xerrors.CodeInvalidArgument, "policy max borrow per day must not be below max borrow per tx")
	case p.CooldownSeconds > uint64(WindowSeconds)*365:
		return xerrors.New(xerrors.CodeInvalidArgument, "policy cooldown exceeds one year")
	}
	return nil
}

// PolicyStore 持有当前策略。
type PolicyStore struct {
	policy Policy
}

// Get 返回策略副本。
func (s PolicyStore) Get() Policy { return s.policy.Clone() }

// Set 在校验通过后替换策略。
func (s *PolicyStore) Set(p Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.policy = p.Clone()
	return nil
}
