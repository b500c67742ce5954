package vault

import (
	"fmt"

	xerrors "AgentVault/internal/errors"
)

// NonceSequencer 是严格递增的重放保护计数器。
type NonceSequencer struct {
	current uint64
}

// Current 返回最近一次提交的 nonce。
func (n NonceSequencer) Current() uint64 { return n.current }

// Validate 要求 planNonce 恰好等于 current+1。
func (n NonceSequencer) Validate(planNonce uint64) error {
	if n.current == ^uint64(0) || planNonce != n.current+1 {
		return reject(CodeInvalidPlan, "nonce mismatch",
			xerrors.WithMetadata("expected", fmt.Sprintf("%d", n.current+1)),
			xerrors.WithMetadata("got", fmt.Sprintf("%d", planNonce)))
	}
	return nil
}

// Commit 推进计数器，只接受 current+1。
func (n *NonceSequencer) Commit(planNonce uint64) error {
	if err := n.Validate(planNonce); err != nil {
		return err
	}
	n.current = planNonce
	return nil
}
