package mysql

import (
	"context"
	"database/sql"
	"encoding/json"

	xerrors "AgentVault/internal/errors"
	"AgentVault/internal/vault"
)

// EventRepository 把审计事件追加到 vault_events 表。
type EventRepository struct {
	db *sql.DB
}

var (
	_ vault.EventSink   = (*EventRepository)(nil)
	_ vault.EventReader = (*EventRepository)(nil)
)

// NewEventRepository 创建事件仓库。
func NewEventRepository(db *sql.DB) (*EventRepository, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "MySQL 连接不能为空")
	}
	return &EventRepository{db: db}, nil
}

// Emit 写入一条事件，重复的事件 ID 会被忽略。
func (r *EventRepository) Emit(ctx context.Context, event vault.Event) error {
	var attrs any
	if len(event.Attributes) > 0 {
		encoded, err := json.Marshal(event.Attributes)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化事件属性失败")
		}
		attrs = encoded
	}
	const stmt = `INSERT IGNORE INTO vault_events (id, vault_id, kind, nonce, actor, attributes, occurred_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	if _, err := r.db.ExecContext(ctx, stmt,
		event.ID,
		event.VaultID,
		string(event.Kind),
		event.Nonce,
		event.Actor,
		attrs,
		event.OccurredAt,
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入金库事件失败")
	}
	return nil
}

// ListEvents 按写入顺序倒序返回事件，vaultID 为空时不过滤。
func (r *EventRepository) ListEvents(ctx context.Context, vaultID string, limit int) ([]vault.Event, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `SELECT id, vault_id, kind, nonce, actor, attributes, occurred_at FROM vault_events`
	args := make([]any, 0, 2)
	if vaultID != "" {
		query += ` WHERE vault_id = ?`
		args = append(args, vaultID)
	}
	query += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询金库事件失败")
	}
	defer rows.Close()

	events := make([]vault.Event, 0, limit)
	for rows.Next() {
		var (
			event vault.Event
			kind  string
			attrs []byte
		)
		if err := rows.Scan(&event.ID, &event.VaultID, &kind, &event.Nonce, &event.Actor, &attrs, &event.OccurredAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析金库事件失败")
		}
		event.Kind = vault.EventKind(kind)
		if len(attrs) > 0 {
			if err := json.Unmarshal(attrs, &event.Attributes); err != nil {
				return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析事件属性失败")
			}
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历金库事件失败")
	}
	return events, nil
}
