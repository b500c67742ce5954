package vault

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Status 是金库的只读汇总视图。
type Status struct {
	VaultID           string
	Address           common.Address
	ChainID           *big.Int
	Verifier          *common.Address
	Nonce             uint64
	Paused            bool
	Policy            Policy
	Window            RateWindow
	WindowHeadroom    *uint256.Int
	LastExecutionAt   int64
	CooldownRemaining int64
	Allowlists        map[AllowlistKind][]common.Address
}

// Nonce 返回最近一次提交的 nonce。
func (v *Vault) Nonce() uint64 {
	v.stateMu.RLock()
	defer v.stateMu.RUnlock()
	return v.st.nonce.Current()
}

// Paused 返回是否处于紧急停止。
func (v *Vault) Paused() bool {
	v.stateMu.RLock()
	defer v.stateMu.RUnlock()
	return v.st.paused
}

// Policy 返回当前策略副本。
func (v *Vault) Policy() Policy {
	v.stateMu.RLock()
	defer v.stateMu.RUnlock()
	return v.st.policy.Get()
}

// IsAllowed 查询白名单成员关系。
func (v *Vault) IsAllowed(kind AllowlistKind, addr common.Address) bool {
	v.stateMu.RLock()
	defer v.stateMu.RUnlock()
	return v.st.allowlists.IsAllowed(kind, addr)
}

// Allowlist 返回排序后的白名单成员。
func (v *Vault) Allowlist(kind AllowlistKind) []common.Address {
	v.stateMu.RLock()
	defer v.stateMu.RUnlock()
	return v.st.allowlists.Members(kind)
}

// Status 汇总 now 时刻的状态，包括窗口余量与剩余冷却。
func (v *Vault) Status(now time.Time) Status {
	v.stateMu.RLock()
	defer v.stateMu.RUnlock()
	policy := v.st.policy.Get()
	lists := make(map[AllowlistKind][]common.Address, len(AllowlistKinds))
	for _, kind := range AllowlistKinds {
		lists[kind] = v.st.allowlists.Members(kind)
	}
	var verifier *common.Address
	if v.verifier != nil {
		addr := *v.verifier
		verifier = &addr
	}
	return Status{
		VaultID:           v.id,
		Address:           v.address,
		ChainID:           new(big.Int).Set(v.chainID),
		Verifier:          verifier,
		Nonce:             v.st.nonce.Current(),
		Paused:            v.st.paused,
		Policy:            policy,
		Window:            v.st.rate.Window(),
		WindowHeadroom:    v.st.rate.Headroom(policy, now.Unix()),
		LastExecutionAt:   v.st.rate.LastExecutionAt(),
		CooldownRemaining: v.st.rate.CooldownRemaining(policy, now.Unix()),
		Allowlists:        lists,
	}
}
