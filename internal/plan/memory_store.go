package plan

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "AgentVault/internal/errors"
)

// MemoryStore 以内存方式保存提交，用于测试和单机部署。
type MemoryStore struct {
	mu   sync.RWMutex
	subs map[string]*Submission
	now  func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[string]*Submission), now: time.Now}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, sub *Submission) error {
	if sub == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "submission 不能为空")
	}
	if strings.TrimSpace(sub.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "提交 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[sub.ID]; ok {
		return ErrPlanConflict
	}
	now := m.now().Unix()
	if sub.CreatedAt == 0 {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now
	m.subs[sub.ID] = sub.Clone()
	return nil
}

// Get 返回提交副本。
func (m *MemoryStore) Get(_ context.Context, id string) (*Submission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[id]
	if !ok {
		return nil, ErrPlanNotFound
	}
	return sub.Clone(), nil
}

// Claim 领取待处理的提交。
func (m *MemoryStore) Claim(_ context.Context, id string) (*Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok {
		return nil, ErrPlanNotFound
	}
	switch {
	case sub.Status.Terminal():
		return sub.Clone(), ErrPlanCompleted
	case sub.Status == StatusRunning:
		return sub.Clone(), ErrPlanConflict
	}
	sub.Status = StatusRunning
	sub.Attempts++
	sub.UpdatedAt = m.now().Unix()
	return sub.Clone(), nil
}

// MarkCommitted 记录成功结果。
func (m *MemoryStore) MarkCommitted(_ context.Context, id string, receipt *ReceiptView, code xerrors.Code, message string) error {
	return m.finish(id, StatusCommitted, receipt, code, message)
}

// MarkRejected 记录金库拒绝。
func (m *MemoryStore) MarkRejected(_ context.Context, id string, code xerrors.Code, message string) error {
	return m.finish(id, StatusRejected, nil, code, message)
}

// MarkFailed 记录基础设施失败。
func (m *MemoryStore) MarkFailed(_ context.Context, id string, code xerrors.Code, message string) error {
	return m.finish(id, StatusFailed, nil, code, message)
}

func (m *MemoryStore) finish(id string, status Status, receipt *ReceiptView, code xerrors.Code, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok {
		return ErrPlanNotFound
	}
	sub.Status = status
	sub.ErrorCode = string(code)
	sub.LastError = message
	if receipt != nil {
		sub.Receipt = receipt.clone()
	}
	sub.UpdatedAt = m.now().Unix()
	return nil
}

// List 返回符合条件的提交。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Submission, error) {
	opts.applyDefaults()
	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make([]*Submission, 0, len(m.subs))
	for _, sub := range m.subs {
		if matches(sub, opts) {
			results = append(results, sub.Clone())
		}
	}
	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if opts.Order == SortByUpdatedAsc {
			a, b = b, a
		}
		if a.UpdatedAt != b.UpdatedAt {
			return a.UpdatedAt > b.UpdatedAt
		}
		if a.CreatedAt != b.CreatedAt {
			return a.CreatedAt > b.CreatedAt
		}
		return a.ID > b.ID
	})

	if opts.Offset >= len(results) {
		return []*Submission{}, nil
	}
	results = results[opts.Offset:]
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Stats 统计符合条件的提交。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (Stats, error) {
	opts.applyDefaults()
	m.mu.RLock()
	defer m.mu.RUnlock()

	var stats Stats
	for _, sub := range m.subs {
		if matches(sub, opts) {
			stats.add(sub.Status, sub.UpdatedAt)
		}
	}
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error { return nil }

func matches(sub *Submission, opts ListOptions) bool {
	if opts.VaultID != "" && sub.VaultID != opts.VaultID {
		return false
	}
	if len(opts.Statuses) > 0 {
		matched := false
		for _, status := range opts.Statuses {
			if sub.Status == status {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if opts.UpdatedGTE > 0 && sub.UpdatedAt < opts.UpdatedGTE {
		return false
	}
	if opts.UpdatedLTE > 0 && sub.UpdatedAt > opts.UpdatedLTE {
		return false
	}
	if opts.Query != "" {
		q := strings.ToLower(opts.Query)
		haystack := strings.ToLower(sub.ID + " " + sub.Request.Payee + " " + sub.LastError)
		if !strings.Contains(haystack, q) {
			return false
		}
	}
	return true
}
