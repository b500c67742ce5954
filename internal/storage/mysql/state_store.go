package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"time"

	xerrors "AgentVault/internal/errors"
	"AgentVault/internal/vault"
)

// StateStore 把金库快照以 JSON 形式保存在 vault_snapshots 表中。
type StateStore struct {
	db *sql.DB
}

var _ vault.StateStore = (*StateStore)(nil)

// NewStateStore 基于已迁移的连接池创建状态存储。
func NewStateStore(db *sql.DB) (*StateStore, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "MySQL 连接不能为空")
	}
	return &StateStore{db: db}, nil
}

// Load 读取金库快照。
func (s *StateStore) Load(ctx context.Context, vaultID string) (*vault.Snapshot, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM vault_snapshots WHERE vault_id = ?`, vaultID).Scan(&payload)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, vault.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询金库快照失败")
	}
	var snap vault.Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析金库快照失败")
	}
	return &snap, nil
}

// Save 在事务中锁定当前行，nonce 回退的写入返回 vault.ErrStaleSnapshot。
func (s *StateStore) Save(ctx context.Context, snapshot *vault.Snapshot) error {
	if snapshot == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "snapshot 不能为空")
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化金库快照失败")
	}
	updatedAt := snapshot.UpdatedAt
	if updatedAt == 0 {
		updatedAt = time.Now().Unix()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启快照事务失败")
	}
	var current uint64
	err = tx.QueryRowContext(ctx, `SELECT nonce FROM vault_snapshots WHERE vault_id = ? FOR UPDATE`, snapshot.VaultID).Scan(&current)
	switch {
	case stdErrors.Is(err, sql.ErrNoRows):
	case err != nil:
		tx.Rollback()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "锁定金库快照失败")
	case current > snapshot.State.Nonce:
		tx.Rollback()
		return vault.ErrStaleSnapshot
	}

	const upsert = `INSERT INTO vault_snapshots (vault_id, nonce, paused, payload, updated_at) VALUES (?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE nonce = VALUES(nonce), paused = VALUES(paused), payload = VALUES(payload), updated_at = VALUES(updated_at)`
	if _, err := tx.ExecContext(ctx, upsert, snapshot.VaultID, snapshot.State.Nonce, snapshot.State.Paused, payload, updatedAt); err != nil {
		tx.Rollback()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入金库快照失败")
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交快照事务失败")
	}
	return nil
}
