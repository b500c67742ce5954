package vault

import (
	"context"
	"errors"
	"log/slog"
	"sort"

	"AgentVault/pkg/logger"
)

// EventKind 是审计事件的类型。
type EventKind string

const (
	EventBorrowAndPayExecuted  EventKind = "BorrowAndPayExecuted"
	EventPolicyUpdated         EventKind = "PolicyUpdated"
	EventTokenAllowlistUpdated EventKind = "TokenAllowlistUpdated"
	EventPayeeAllowlistUpdated EventKind = "PayeeAllowlistUpdated"
	EventCollateralSupplied    EventKind = "CollateralSupplied"
	EventCollateralWithdrawn   EventKind = "CollateralWithdrawn"
	EventDebtRepaid            EventKind = "DebtRepaid"
	EventPaused                EventKind = "Paused"
	EventUnpaused              EventKind = "Unpaused"
)

// Event 是金库对外发出的审计记录，失败的执行不产生事件。
type Event struct {
	ID         string            `json:"id"`
	VaultID    string            `json:"vault_id"`
	Kind       EventKind         `json:"kind"`
	Nonce      uint64            `json:"nonce"`
	Actor      string            `json:"actor,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	OccurredAt int64             `json:"occurred_at"`
}

// EventSink 接收审计事件。
type EventSink interface {
	Emit(ctx context.Context, event Event) error
}

// EventReader 按时间倒序读取事件。
type EventReader interface {
	ListEvents(ctx context.Context, vaultID string, limit int) ([]Event, error)
}

// AuditLogSink 把事件写入审计日志。
type AuditLogSink struct{}

// Emit 实现 EventSink。
func (AuditLogSink) Emit(ctx context.Context, event Event) error {
	attrs := []any{
		slog.String("event_id", event.ID),
		slog.String("vault_id", event.VaultID),
		slog.String("kind", string(event.Kind)),
		slog.Uint64("nonce", event.Nonce),
		slog.String("actor", event.Actor),
		slog.Int64("occurred_at", event.OccurredAt),
	}
	keys := make([]string, 0, len(event.Attributes))
	for k := range event.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, slog.String(k, event.Attributes[k]))
	}
	logger.Audit().InfoContext(ctx, "vault event", attrs...)
	return nil
}

// MultiSink 依次投递到多个 sink，汇总全部错误。
type MultiSink []EventSink

// Emit 实现 EventSink。
func (m MultiSink) Emit(ctx context.Context, event Event) error {
	var errs []error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.Emit(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
