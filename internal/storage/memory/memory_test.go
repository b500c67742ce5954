package memory

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"AgentVault/internal/lending"
	"AgentVault/internal/vault"
)

func sampleSnapshot(nonce uint64) *vault.Snapshot {
	return &vault.Snapshot{
		VaultID: "vault-1",
		Policy: vault.Policy{
			MinHealthFactor: lending.WAD,
			CooldownSeconds: 60,
			MaxBorrowPerTx:  uint256.NewInt(100),
			MaxBorrowPerDay: uint256.NewInt(200),
		},
		Allowlists: map[vault.AllowlistKind][]common.Address{
			vault.AllowlistPayee: {common.HexToAddress("0x01")},
		},
		State:  vault.ExecutionState{Nonce: nonce, LastExecutionAt: 10},
		Window: vault.RateWindow{Start: 5, Borrowed: uint256.NewInt(50)},
	}
}

func TestStateStoreRoundTripAndStaleWrites(t *testing.T) {
	ctx := context.Background()
	store := NewStateStore()

	if _, err := store.Load(ctx, "vault-1"); !errors.Is(err, vault.ErrSnapshotNotFound) {
		t.Fatalf("expected ErrSnapshotNotFound, got %v", err)
	}
	if err := store.Save(ctx, sampleSnapshot(2)); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := store.Load(ctx, "vault-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.State.Nonce != 2 || loaded.Window.Borrowed.Uint64() != 50 {
		t.Fatalf("unexpected snapshot %+v", loaded)
	}
	if len(loaded.Allowlists[vault.AllowlistPayee]) != 1 {
		t.Fatalf("allowlist not restored: %+v", loaded.Allowlists)
	}
	if err := store.Save(ctx, sampleSnapshot(1)); !errors.Is(err, vault.ErrStaleSnapshot) {
		t.Fatalf("expected ErrStaleSnapshot, got %v", err)
	}
	if err := store.Save(ctx, sampleSnapshot(2)); err != nil {
		t.Fatalf("same nonce rewrite must succeed: %v", err)
	}
}

func TestEventLogPersistsAcrossRestarts(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "events", "vault.jsonl")

	log, err := NewEventLog(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for i, kind := range []vault.EventKind{vault.EventPolicyUpdated, vault.EventBorrowAndPayExecuted} {
		if err := log.Emit(ctx, vault.Event{ID: string(rune('a' + i)), VaultID: "vault-1", Kind: kind, Nonce: uint64(i)}); err != nil {
			t.Fatalf("emit: %v", err)
		}
	}
	_ = log.Emit(ctx, vault.Event{ID: "z", VaultID: "vault-2", Kind: vault.EventPaused})

	reopened, err := NewEventLog(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	events, err := reopened.ListEvents(ctx, "vault-1", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 2 || events[0].Kind != vault.EventBorrowAndPayExecuted {
		t.Fatalf("expected newest first, got %+v", events)
	}
	all, _ := reopened.ListEvents(ctx, "", 1)
	if len(all) != 1 || all[0].ID != "z" {
		t.Fatalf("unexpected limited listing %+v", all)
	}
}
