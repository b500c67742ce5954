package plan

import (
	"context"

	xerrors "AgentVault/internal/errors"
)

// Store 抽象了提交状态的持久化。
type Store interface {
	Create(ctx context.Context, sub *Submission) error
	Get(ctx context.Context, id string) (*Submission, error)
	// Claim 把 pending 提交置为 running；已结束的提交返回 ErrPlanCompleted，
	// 正在运行的返回 ErrPlanConflict。
	Claim(ctx context.Context, id string) (*Submission, error)
	// MarkCommitted 记录成功执行；code 非空表示执行已生效但伴随告警性错误。
	MarkCommitted(ctx context.Context, id string, receipt *ReceiptView, code xerrors.Code, message string) error
	MarkRejected(ctx context.Context, id string, code xerrors.Code, message string) error
	MarkFailed(ctx context.Context, id string, code xerrors.Code, message string) error
	List(ctx context.Context, opts ListOptions) ([]*Submission, error)
	Stats(ctx context.Context, opts ListOptions) (Stats, error)
	Close() error
}
