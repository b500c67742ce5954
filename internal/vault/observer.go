package vault

import (
	"time"

	"github.com/holiman/uint256"

	xerrors "AgentVault/internal/errors"
)

// Recorder 接收守卫的运行指标。
type Recorder interface {
	ObserveTransition(vaultID string, state State)
	ObserveExecution(vaultID string, outcome State, code xerrors.Code, elapsed time.Duration)
	ObserveCompensation(vaultID string, result string)
	ObserveState(vaultID string, nonce uint64, windowBorrowed *uint256.Int, paused bool)
}

type nopRecorder struct{}

func (nopRecorder) ObserveTransition(string, State) {}
func (nopRecorder) ObserveExecution(string, State, xerrors.Code, time.Duration) {}
func (nopRecorder) ObserveCompensation(string, string) {}
func (nopRecorder) ObserveState(string, uint64, *uint256.Int, bool) {}
