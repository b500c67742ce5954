package vault

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Snapshot 是单个金库需要持久化的全部状态。
type Snapshot struct {
	VaultID    string
	Policy     Policy
	Allowlists map[AllowlistKind][]common.Address
	State      ExecutionState
	Window     RateWindow
	UpdatedAt  int64
}

// StateStore 负责快照的读写。Save 必须拒绝 nonce 回退的写入。
type StateStore interface {
	Load(ctx context.Context, vaultID string) (*Snapshot, error)
	Save(ctx context.Context, snapshot *Snapshot) error
}

// Locker 提供跨进程的互斥，返回的 unlock 必须幂等。
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(context.Context) error, err error)
}

type snapshotRecord struct {
	VaultID         string              `json:"vault_id"`
	MinHealthFactor string              `json:"min_health_factor"`
	CooldownSeconds uint64              `json:"cooldown_seconds"`
	MaxBorrowPerTx  string              `json:"max_borrow_per_tx"`
	MaxBorrowPerDay string              `json:"max_borrow_per_day"`
	Allowlists      map[string][]string `json:"allowlists"`
	Nonce           uint64              `json:"nonce"`
	Executed        *bool               `json:"executed,omitempty"`
	LastExecutionAt int64               `json:"last_execution_at"`
	Paused          bool                `json:"paused"`
	WindowStart     int64               `json:"window_start"`
	WindowBorrowed  string              `json:"window_borrowed"`
	UpdatedAt       int64               `json:"updated_at"`
}

// MarshalJSON 以十进制字符串编码金额。
func (s Snapshot) MarshalJSON() ([]byte, error) {
	rec := snapshotRecord{
		VaultID:         s.VaultID,
		MinHealthFactor: cloneOrZero(s.Policy.MinHealthFactor).Dec(),
		CooldownSeconds: s.Policy.CooldownSeconds,
		MaxBorrowPerTx:  cloneOrZero(s.Policy.MaxBorrowPerTx).Dec(),
		MaxBorrowPerDay: cloneOrZero(s.Policy.MaxBorrowPerDay).Dec(),
		Allowlists:      make(map[string][]string, len(s.Allowlists)),
		Nonce:           s.State.Nonce,
		Executed:        &s.State.Executed,
		LastExecutionAt: s.State.LastExecutionAt,
		Paused:          s.State.Paused,
		WindowStart:     s.Window.Start,
		WindowBorrowed:  cloneOrZero(s.Window.Borrowed).Dec(),
		UpdatedAt:       s.UpdatedAt,
	}
	for kind, members := range s.Allowlists {
		list := make([]string, 0, len(members))
		for _, addr := range members {
			list = append(list, addr.Hex())
		}
		rec.Allowlists[string(kind)] = list
	}
	return json.Marshal(rec)
}

// UnmarshalJSON 解析 MarshalJSON 的输出。
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var rec snapshotRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return err
	}
	parse := func(field, raw string) (*uint256.Int, error) {
		if raw == "" {
			return new(uint256.Int), nil
		}
		v, err := uint256.FromDecimal(raw)
		if err != nil {
			return nil, fmt.Errorf("snapshot field %s: %w", field, err)
		}
		return v, nil
	}
	minHF, err := parse("min_health_factor", rec.MinHealthFactor)
	if err != nil {
		return err
	}
	maxTx, err := parse("max_borrow_per_tx", rec.MaxBorrowPerTx)
	if err != nil {
		return err
	}
	maxDay, err := parse("max_borrow_per_day", rec.MaxBorrowPerDay)
	if err != nil {
		return err
	}
	borrowed, err := parse("window_borrowed", rec.WindowBorrowed)
	if err != nil {
		return err
	}
	allowlists := make(map[AllowlistKind][]common.Address, len(rec.Allowlists))
	for rawKind, members := range rec.Allowlists {
		kind, err := ParseAllowlistKind(rawKind)
		if err != nil {
			return err
		}
		list := make([]common.Address, 0, len(members))
		for _, m := range members {
			if !common.IsHexAddress(m) {
				return fmt.Errorf("snapshot allowlist %s: invalid address %q", rawKind, m)
			}
			list = append(list, common.HexToAddress(m))
		}
		allowlists[kind] = list
	}
	// 早期快照没有 executed 字段，用 last_execution_at 推断。
	executed := rec.LastExecutionAt != 0
	if rec.Executed != nil {
		executed = *rec.Executed
	}
	*s = Snapshot{
		VaultID: rec.VaultID,
		Policy: Policy{
			MinHealthFactor: minHF,
			CooldownSeconds: rec.CooldownSeconds,
			MaxBorrowPerTx:  maxTx,
			MaxBorrowPerDay: maxDay,
		},
		Allowlists: allowlists,
		State: ExecutionState{
			Nonce:           rec.Nonce,
			Executed:        executed,
			LastExecutionAt: rec.LastExecutionAt,
			Paused:          rec.Paused,
		},
		Window:    RateWindow{Start: rec.WindowStart, Borrowed: borrowed},
		UpdatedAt: rec.UpdatedAt,
	}
	return nil
}
