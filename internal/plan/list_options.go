package plan

import (
	"strings"
	"time"
)

// SortOrder 决定列表的排序方式。
type SortOrder int

const (
	// SortByUpdatedDesc 按更新时间倒序。
	SortByUpdatedDesc SortOrder = iota
	// SortByUpdatedAsc 按更新时间正序。
	SortByUpdatedAsc
)

// ListOptions 控制查询提交时的过滤条件。
type ListOptions struct {
	Limit      int
	Offset     int
	VaultID    string
	Statuses   []Status
	UpdatedGTE int64
	UpdatedLTE int64
	Order      SortOrder
	// Query 对 ID、收款方与错误信息做模糊匹配。
	Query string
}

func (opts *ListOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	if opts.Limit > 100 {
		opts.Limit = 100
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	opts.Statuses = normalizeStatuses(opts.Statuses)
	if opts.Order != SortByUpdatedAsc {
		opts.Order = SortByUpdatedDesc
	}
	opts.VaultID = strings.TrimSpace(opts.VaultID)
	opts.Query = strings.TrimSpace(opts.Query)
}

// Normalized 返回填充默认值后的副本，供存储实现使用。
func (opts ListOptions) Normalized() ListOptions {
	opts.applyDefaults()
	return opts
}

// ListOption 修改 ListOptions。
type ListOption func(*ListOptions)

// WithLimit 限制返回数量。
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) { opts.Limit = limit }
}

// WithOffset 跳过前 n 条。
func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) { opts.Offset = offset }
}

// WithVault 只返回指定金库的提交。
func WithVault(vaultID string) ListOption {
	return func(opts *ListOptions) { opts.VaultID = vaultID }
}

// WithStatuses 按状态过滤。
func WithStatuses(statuses ...Status) ListOption {
	return func(opts *ListOptions) {
		opts.Statuses = append(opts.Statuses[:0], statuses...)
	}
}

// WithUpdatedSince 过滤更新时间不早于 ts 的提交。
func WithUpdatedSince(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		if ts.IsZero() {
			opts.UpdatedGTE = 0
			return
		}
		opts.UpdatedGTE = ts.Unix()
	}
}

// WithUpdatedUntil 过滤更新时间不晚于 ts 的提交。
func WithUpdatedUntil(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		if ts.IsZero() {
			opts.UpdatedLTE = 0
			return
		}
		opts.UpdatedLTE = ts.Unix()
	}
}

// WithSortOrder 修改排序。
func WithSortOrder(order SortOrder) ListOption {
	return func(opts *ListOptions) { opts.Order = order }
}

// WithQuery 设置模糊查询关键字。
func WithQuery(query string) ListOption {
	return func(opts *ListOptions) { opts.Query = query }
}

// BuildListOptions 在默认值之上依次应用选项。
func BuildListOptions(opts ...ListOption) ListOptions {
	options := ListOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

func normalizeStatuses(input []Status) []Status {
	if len(input) == 0 {
		return nil
	}
	seen := make(map[Status]struct{}, len(input))
	result := make([]Status, 0, len(input))
	for _, status := range input {
		if !IsValidStatus(status) {
			continue
		}
		if _, ok := seen[status]; ok {
			continue
		}
		seen[status] = struct{}{}
		result = append(result, status)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

// Stats 聚合提交状态。
type Stats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Running         int   `json:"running"`
	Committed       int   `json:"committed"`
	Rejected        int   `json:"rejected"`
	Failed          int   `json:"failed"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}

func (s *Stats) add(status Status, updatedAt int64) {
	s.Total++
	switch status {
	case StatusPending:
		s.Pending++
	case StatusRunning:
		s.Running++
	case StatusCommitted:
		s.Committed++
	case StatusRejected:
		s.Rejected++
	case StatusFailed:
		s.Failed++
	}
	if updatedAt > s.NewestUpdatedAt {
		s.NewestUpdatedAt = updatedAt
	}
	if s.OldestUpdatedAt == 0 || (updatedAt != 0 && updatedAt < s.OldestUpdatedAt) {
		s.OldestUpdatedAt = updatedAt
	}
}
