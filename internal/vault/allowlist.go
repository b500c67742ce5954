package vault

import (
	"bytes"
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

// AllowlistRegistry 保存三类相互独立的地址集合。不在集合中即视为拒绝。
// 并发控制由所属的 Vault 负责。
type AllowlistRegistry struct {
	sets map[AllowlistKind]map[common.Address]struct{}
}

// NewAllowlistRegistry 创建空的白名单。
func NewAllowlistRegistry() *AllowlistRegistry {
	sets := make(map[AllowlistKind]map[common.Address]struct{}, len(AllowlistKinds))
	for _, kind := range AllowlistKinds {
		sets[kind] = make(map[common.Address]struct{})
	}
	return &AllowlistRegistry{sets: sets}
}

// IsAllowed 判断地址是否在指定白名单中。
func (r *AllowlistRegistry) IsAllowed(kind AllowlistKind, addr common.Address) bool {
	set, ok := r.sets[kind]
	if !ok {
		return false
	}
	_, ok = set[addr]
	return ok
}

// SetMembership 添加或移除成员，返回成员关系是否发生变化。
func (r *AllowlistRegistry) SetMembership(kind AllowlistKind, addr common.Address, allowed bool) bool {
	set, ok := r.sets[kind]
	if !ok {
		return false
	}
	_, present := set[addr]
	if allowed == present {
		return false
	}
	if allowed {
		set[addr] = struct{}{}
	} else {
		delete(set, addr)
	}
	return true
}

// Members 按地址字节序返回成员列表。
func (r *AllowlistRegistry) Members(kind AllowlistKind) []common.Address {
	set := r.sets[kind]
	out := make([]common.Address, 0, len(set))
	for addr := range set {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}

func (r *AllowlistRegistry) clone() *AllowlistRegistry {
	next := NewAllowlistRegistry()
	for kind, set := range r.sets {
		for addr := range set {
			next.sets[kind][addr] = struct{}{}
		}
	}
	return next
}
