package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "AgentVault/internal/errors"
	"AgentVault/internal/plan"
)

const submissionColumns = `id, vault_id, actor, request, status, attempts, error_code, last_error, receipt, created_at, updated_at`

// PlanStore 基于 plan_submissions 表实现 plan.Store。
type PlanStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ plan.Store = (*PlanStore)(nil)

// NewPlanStore 创建提交存储。
func NewPlanStore(db *sql.DB) (*PlanStore, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "MySQL 连接不能为空")
	}
	return &PlanStore{db: db, now: time.Now}, nil
}

// Create 插入新的提交。
func (s *PlanStore) Create(ctx context.Context, sub *plan.Submission) error {
	if sub == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "submission 不能为空")
	}
	if strings.TrimSpace(sub.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "提交 ID 不能为空")
	}
	request, err := json.Marshal(sub.Request)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码计划失败")
	}
	now := s.now().Unix()
	if sub.CreatedAt == 0 {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now
	if sub.Status == "" {
		sub.Status = plan.StatusPending
	}

	const stmt = `INSERT INTO plan_submissions (id, vault_id, actor, request, payee, status, attempts, error_code, last_error, receipt, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?)`
	if _, err := s.db.ExecContext(ctx, stmt,
		sub.ID,
		sub.VaultID,
		sub.Actor,
		request,
		sub.Request.Payee,
		string(sub.Status),
		sub.Attempts,
		sub.ErrorCode,
		sub.LastError,
		sub.CreatedAt,
		sub.UpdatedAt,
	); err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return plan.ErrPlanConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入计划提交失败")
	}
	return nil
}

// Get 查询单个提交。
func (s *PlanStore) Get(ctx context.Context, id string) (*plan.Submission, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+submissionColumns+` FROM plan_submissions WHERE id = ?`, id)
	sub, err := scanSubmission(row)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, plan.ErrPlanNotFound
	}
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Claim 以条件更新抢占 pending 状态的提交。
func (s *PlanStore) Claim(ctx context.Context, id string) (*plan.Submission, error) {
	const stmt = `UPDATE plan_submissions SET status = ?, attempts = attempts + 1, updated_at = ? WHERE id = ? AND status = ?`
	res, err := s.db.ExecContext(ctx, stmt, string(plan.StatusRunning), s.now().Unix(), id, string(plan.StatusPending))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新提交状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	sub, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		if sub.Status.Terminal() {
			return sub, plan.ErrPlanCompleted
		}
		return sub, plan.ErrPlanConflict
	}
	return sub, nil
}

// MarkCommitted 记录执行回执。
func (s *PlanStore) MarkCommitted(ctx context.Context, id string, receipt *plan.ReceiptView, code xerrors.Code, message string) error {
	return s.finish(ctx, id, plan.StatusCommitted, receipt, code, message)
}

// MarkRejected 记录金库拒绝。
func (s *PlanStore) MarkRejected(ctx context.Context, id string, code xerrors.Code, message string) error {
	return s.finish(ctx, id, plan.StatusRejected, nil, code, message)
}

// MarkFailed 记录基础设施失败。
func (s *PlanStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, message string) error {
	return s.finish(ctx, id, plan.StatusFailed, nil, code, message)
}

func (s *PlanStore) finish(ctx context.Context, id string, status plan.Status, receipt *plan.ReceiptView, code xerrors.Code, message string) error {
	var encoded any
	if receipt != nil {
		raw, err := json.Marshal(receipt)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码执行回执失败")
		}
		encoded = raw
	}
	const stmt = `UPDATE plan_submissions SET status = ?, error_code = ?, last_error = ?, receipt = COALESCE(?, receipt), updated_at = ? WHERE id = ?`
	res, err := s.db.ExecContext(ctx, stmt, string(status), string(code), message, encoded, s.now().Unix(), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新提交结果失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		return plan.ErrPlanNotFound
	}
	return nil
}

// List 分页查询提交。
func (s *PlanStore) List(ctx context.Context, opts plan.ListOptions) ([]*plan.Submission, error) {
	opts = opts.Normalized()

	query := `SELECT ` + submissionColumns + ` FROM plan_submissions`
	clause, args := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	if opts.Order == plan.SortByUpdatedAsc {
		query += " ORDER BY updated_at ASC, created_at ASC, id ASC"
	} else {
		query += " ORDER BY updated_at DESC, created_at DESC, id DESC"
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询计划提交失败")
	}
	defer rows.Close()

	subs := make([]*plan.Submission, 0, opts.Limit)
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历计划提交失败")
	}
	return subs, nil
}

// Stats 按状态聚合提交数量。
func (s *PlanStore) Stats(ctx context.Context, opts plan.ListOptions) (plan.Stats, error) {
	query := `SELECT status, COUNT(*), MIN(updated_at), MAX(updated_at) FROM plan_submissions`
	clause, args := buildFilterClause(opts.Normalized())
	if clause != "" {
		query += " WHERE " + clause
	}
	query += " GROUP BY status"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return plan.Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计计划提交失败")
	}
	defer rows.Close()

	var stats plan.Stats
	for rows.Next() {
		var (
			status         string
			count          int
			oldest, newest int64
		)
		if err := rows.Scan(&status, &count, &oldest, &newest); err != nil {
			return plan.Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析统计结果失败")
		}
		stats.Total += count
		switch plan.Status(status) {
		case plan.StatusPending:
			stats.Pending += count
		case plan.StatusRunning:
			stats.Running += count
		case plan.StatusCommitted:
			stats.Committed += count
		case plan.StatusRejected:
			stats.Rejected += count
		case plan.StatusFailed:
			stats.Failed += count
		}
		if stats.OldestUpdatedAt == 0 || oldest < stats.OldestUpdatedAt {
			stats.OldestUpdatedAt = oldest
		}
		if newest > stats.NewestUpdatedAt {
			stats.NewestUpdatedAt = newest
		}
	}
	if err := rows.Err(); err != nil {
		return plan.Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历统计结果失败")
	}
	return stats, nil
}

// Close 连接池由创建方关闭。
func (s *PlanStore) Close() error { return nil }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubmission(row rowScanner) (*plan.Submission, error) {
	var (
		sub       plan.Submission
		request   []byte
		status    string
		lastError sql.NullString
		receipt   []byte
	)
	if err := row.Scan(
		&sub.ID,
		&sub.VaultID,
		&sub.Actor,
		&request,
		&status,
		&sub.Attempts,
		&sub.ErrorCode,
		&lastError,
		&receipt,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析计划提交失败")
	}
	sub.Status = plan.Status(status)
	sub.LastError = lastError.String
	if err := json.Unmarshal(request, &sub.Request); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析计划内容失败")
	}
	if len(receipt) > 0 {
		sub.Receipt = new(plan.ReceiptView)
		if err := json.Unmarshal(receipt, sub.Receipt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析执行回执失败")
		}
	}
	return &sub, nil
}

func buildFilterClause(opts plan.ListOptions) (string, []any) {
	conditions := make([]string, 0, 5)
	args := make([]any, 0, 8)

	if opts.VaultID != "" {
		conditions = append(conditions, "vault_id = ?")
		args = append(args, opts.VaultID)
	}
	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for _, status := range opts.Statuses {
			placeholders = append(placeholders, "?")
			args = append(args, string(status))
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if opts.UpdatedGTE > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}
	if q := strings.TrimSpace(opts.Query); q != "" {
		like := "%" + q + "%"
		conditions = append(conditions, "(id LIKE ? OR payee LIKE ? OR last_error LIKE ?)")
		args = append(args, like, like, like)
	}
	return strings.Join(conditions, " AND "), args
}
