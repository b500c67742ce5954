package plan

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "AgentVault/internal/errors"
	"AgentVault/pkg/logger"
)

// Service 负责计划提交的受理与查询。
type Service struct {
	store    Store
	producer Producer
	vaultID  string
}

// NewService 构造服务，vaultID 为本进程托管的金库。
func NewService(store Store, producer Producer, vaultID string) *Service {
	return &Service{store: store, producer: producer, vaultID: vaultID}
}

// Submit 校验计划格式、写入 pending 状态并投递到队列。
// 携带已存在的 ID 重复提交时直接返回已有记录。
func (s *Service) Submit(ctx context.Context, actor string, req Request) (*Submission, error) {
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "计划服务未初始化")
	}
	if _, err := req.ToPlan(); err != nil {
		return nil, err
	}

	id := strings.TrimSpace(req.ID)
	if id != "" {
		existing, err := s.store.Get(ctx, id)
		if err == nil {
			return existing, nil
		}
		if !stdErrors.Is(err, ErrPlanNotFound) {
			return nil, err
		}
	} else {
		id = uuid.NewString()
	}
	req.ID = id

	sub := &Submission{
		ID:      id,
		VaultID: s.vaultID,
		Actor:   actor,
		Request: req,
		Status:  StatusPending,
	}
	if err := s.store.Create(ctx, sub); err != nil {
		if stdErrors.Is(err, ErrPlanConflict) {
			if existing, getErr := s.store.Get(ctx, id); getErr == nil {
				return existing, nil
			}
		}
		return nil, err
	}
	if err := s.producer.Publish(ctx, id); err != nil {
		logger.L().Error("计划入队失败", slog.Any("error", err), slog.String("submission_id", id))
		wrapped := xerrors.Wrap(CodePlanPublish, err, "发布计划到队列失败")
		_ = s.store.MarkFailed(ctx, id, CodePlanPublish, wrapped.Error())
		return nil, wrapped
	}
	logger.Audit().Info("计划已受理",
		slog.String("submission_id", id),
		slog.String("vault_id", s.vaultID),
		slog.Uint64("nonce", req.Nonce),
		slog.String("payee", req.Payee),
		slog.String("amount", req.BorrowAmount),
		slog.String("actor", actor),
	)
	return sub, nil
}

// Get 返回提交状态。
func (s *Service) Get(ctx context.Context, id string) (*Submission, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "计划存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的提交。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Submission, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "计划存储未初始化")
	}
	return s.store.List(ctx, BuildListOptions(opts...))
}

// Stats 返回符合过滤条件的统计。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (Stats, error) {
	if s.store == nil {
		return Stats{}, xerrors.New(xerrors.CodeInitializationFailure, "计划存储未初始化")
	}
	return s.store.Stats(ctx, BuildListOptions(opts...))
}

// WaitUntilDone 轮询直到提交进入终态或 ctx 结束。
func (s *Service) WaitUntilDone(ctx context.Context, id string, interval time.Duration) (*Submission, error) {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		sub, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if sub.Status.Terminal() {
			return sub, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close 释放存储与生产者。
func (s *Service) Close() error {
	var errs []error
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	if s.producer != nil {
		errs = append(errs, s.producer.Close())
	}
	return stdErrors.Join(errs...)
}
