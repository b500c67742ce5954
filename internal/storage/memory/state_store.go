// Package memory 提供进程内的金库状态存储与基于 JSONL 文件的事件日志。
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"AgentVault/internal/vault"
)

// StateStore 把快照序列化后保存在内存中，读写都会复制数据。
type StateStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewStateStore 创建空的内存状态存储。
func NewStateStore() *StateStore {
	return &StateStore{data: make(map[string][]byte)}
}

var _ vault.StateStore = (*StateStore)(nil)

// Load 返回快照副本。
func (s *StateStore) Load(ctx context.Context, vaultID string) (*vault.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	raw, ok := s.data[vaultID]
	s.mu.RUnlock()
	if !ok {
		return nil, vault.ErrSnapshotNotFound
	}
	var snap vault.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("解析金库快照失败: %w", err)
	}
	return &snap, nil
}

// Save 写入快照，拒绝 nonce 小于已存版本的写入。
func (s *StateStore) Save(ctx context.Context, snapshot *vault.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	encoded, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("序列化金库快照失败: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if raw, ok := s.data[snapshot.VaultID]; ok {
		var current vault.Snapshot
		if err := json.Unmarshal(raw, &current); err == nil && current.State.Nonce > snapshot.State.Nonce {
			return vault.ErrStaleSnapshot
		}
	}
	s.data[snapshot.VaultID] = encoded
	return nil
}
