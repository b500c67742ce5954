package plan

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	xerrors "AgentVault/internal/errors"
	"AgentVault/internal/observability/alerting"
	"AgentVault/internal/vault"
	"AgentVault/pkg/logger"
)

// Executor 是处理器所需的金库能力。
type Executor interface {
	ExecuteBorrowAndPay(ctx context.Context, c vault.Capability, p vault.Plan, now time.Time) (*vault.Receipt, error)
}

// Processor 从队列消费提交并交给金库执行。金库拒绝属于终态，不会重试。
type Processor struct {
	executor    Executor
	capability  vault.Capability
	store       Store
	consumer    Consumer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
	now         func() time.Time
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(l *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithWorkerCount 设置消费协程数量。默认 1，多个协程仍会在金库锁上串行。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) { p.alerter = dispatcher }
}

// WithProcessorClock 替换执行时间来源。
func WithProcessorClock(now func() time.Time) ProcessorOption {
	return func(p *Processor) {
		if now != nil {
			p.now = now
		}
	}
}

// NewProcessor 构造处理器，capability 必须是执行方凭证。
func NewProcessor(executor Executor, capability vault.Capability, store Store, consumer Consumer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    executor,
		capability:  capability,
		store:       store,
		consumer:    consumer,
		workerCount: 1,
		logger:      logger.Named("plan-processor"),
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start 启动消费循环，直到 ctx 取消。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置计划消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.Handle)
}

// Handle 处理单个提交。
func (p *Processor) Handle(ctx context.Context, id string) error {
	if p.store == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	sub, err := p.store.Claim(ctx, id)
	if err != nil {
		if stdErrors.Is(err, ErrPlanNotFound) || stdErrors.Is(err, ErrPlanCompleted) || stdErrors.Is(err, ErrPlanConflict) {
			p.logger.Debug("跳过提交", slog.String("submission_id", id), slog.String("reason", err.Error()))
			return nil
		}
		p.logger.Error("领取提交失败", slog.Any("error", err), slog.String("submission_id", id))
		p.emitAlert(ctx, &Submission{ID: id}, xerrors.Wrap(CodePlanProcessing, err, "claim submission"), "claim")
		return err
	}

	plan, err := sub.Request.ToPlan()
	if err != nil {
		return p.record(ctx, sub, p.store.MarkRejected(ctx, sub.ID, xerrors.CodeOf(err), err.Error()))
	}

	c := p.capability
	if sub.Actor != "" {
		c = c.As(sub.Actor)
	}
	receipt, execErr := p.executor.ExecuteBorrowAndPay(ctx, c, plan, p.now())
	switch {
	case receipt != nil:
		var code xerrors.Code
		var message string
		if execErr != nil {
			code, message = xerrors.CodeOf(execErr), execErr.Error()
		}
		if err := p.store.MarkCommitted(ctx, sub.ID, NewReceiptView(receipt), code, message); err != nil {
			return p.record(ctx, sub, err)
		}
		logger.Audit().Info("计划执行成功",
			slog.String("submission_id", sub.ID),
			slog.String("vault_id", receipt.VaultID),
			slog.Uint64("nonce", receipt.Nonce),
			slog.Int("transactions", len(receipt.Transactions)),
		)
		return nil
	case vault.IsRejection(execErr):
		if err := p.store.MarkRejected(ctx, sub.ID, xerrors.CodeOf(execErr), execErr.Error()); err != nil {
			return p.record(ctx, sub, err)
		}
		logger.Audit().Info("计划被金库拒绝",
			slog.String("submission_id", sub.ID),
			slog.Uint64("nonce", plan.Nonce),
			slog.String("code", string(xerrors.CodeOf(execErr))),
		)
		return nil
	default:
		code := xerrors.CodeOf(execErr)
		if code == xerrors.CodeUnknown {
			code = CodePlanProcessing
		}
		storeErr := p.store.MarkFailed(ctx, sub.ID, code, execErr.Error())
		p.logger.Error("计划执行失败", slog.String("submission_id", sub.ID), slog.Any("error", execErr))
		p.emitAlert(ctx, sub, xerrors.Wrap(code, execErr, "execute plan"), "execute")
		return p.record(ctx, sub, storeErr)
	}
}

// record 处理结果写回失败的情况。
func (p *Processor) record(ctx context.Context, sub *Submission, err error) error {
	if err == nil {
		return nil
	}
	wrapped := xerrors.Wrap(xerrors.CodeStorageFailure, err, "record submission outcome")
	p.logger.Error("回写提交状态失败", slog.String("submission_id", sub.ID), slog.Any("error", err))
	p.emitAlert(ctx, sub, wrapped, "record")
	return wrapped
}

func (p *Processor) emitAlert(ctx context.Context, sub *Submission, cause error, stage string) {
	if p.alerter == nil || sub == nil {
		return
	}
	event := alerting.FromError(cause, sub.VaultID)
	event.SubmissionID = sub.ID
	event.PlanNonce = sub.Request.Nonce
	if event.Metadata == nil {
		event.Metadata = make(map[string]string)
	}
	event.Metadata["stage"] = stage
	if err := p.alerter.Notify(ctx, event); err != nil {
		p.logger.Error("告警通知失败", slog.Any("error", err), slog.String("submission_id", sub.ID))
	}
}
