// Package vault 实现借款付款金库的策略引擎。
//
// Vault 是单个金库实例的执行守卫：它按白名单、冷却、额度、nonce 与健康因子
// 校验执行方提交的计划，驱动借贷池借款、复核偿付能力并向收款方付款，
// 只有在全部步骤成功后才提交 nonce 与额度窗口。同一实例上的执行与管理操作
// 由互斥锁串行化。
package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"

	xerrors "AgentVault/internal/errors"
	"AgentVault/internal/lending"
	"AgentVault/internal/observability/alerting"
	"AgentVault/pkg/logger"
)

// Config 描述一个金库实例的初始配置。
type Config struct {
	ID      string
	Address common.Address
	ChainID *big.Int
	// Verifier 非空时每个计划都必须携带该地址的签名。
	Verifier   *common.Address
	Policy     Policy
	Allowlists map[AllowlistKind][]common.Address
}

// Option 定义 Vault 的可选配置。
type Option func(*Vault)

// WithLogger 指定日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(v *Vault) {
		if l != nil {
			v.logger = l
		}
	}
}

// WithStateStore 指定状态快照存储。
func WithStateStore(store StateStore) Option {
	return func(v *Vault) { v.store = store }
}

// WithEventSink 指定审计事件输出。
func WithEventSink(sink EventSink) Option {
	return func(v *Vault) {
		if sink != nil {
			v.sink = sink
		}
	}
}

// WithLocker 指定跨进程锁。
func WithLocker(locker Locker) Option {
	return func(v *Vault) { v.locker = locker }
}

// WithAlertDispatcher 指定告警分发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) Option {
	return func(v *Vault) { v.alerts = dispatcher }
}

// WithRecorder 指定指标记录器。
func WithRecorder(recorder Recorder) Option {
	return func(v *Vault) {
		if recorder != nil {
			v.recorder = recorder
		}
	}
}

// WithClock 替换时间源，用于管理事件时间戳与状态视图。
func WithClock(now func() time.Time) Option {
	return func(v *Vault) {
		if now != nil {
			v.now = now
		}
	}
}

// WithBorrowPreview 控制是否在借款前使用适配器的预演能力。默认开启。
func WithBorrowPreview(enabled bool) Option {
	return func(v *Vault) { v.preview = enabled }
}

// Vault 是单个金库实例。
type Vault struct {
	// mu 串行化执行与管理操作，持有期间可以进行网络调用。
	mu sync.Mutex
	// stateMu 只保护 st 的读写，读取状态不需要等待执行完成。
	stateMu sync.RWMutex
	st      state

	id       string
	address  common.Address
	chainID  *big.Int
	verifier *common.Address

	adapter   lending.Adapter
	ledger    lending.TokenLedger
	previewer lending.BorrowPreviewer
	preview   bool

	store    StateStore
	sink     EventSink
	locker   Locker
	alerts   alerting.Dispatcher
	recorder Recorder
	logger   *slog.Logger
	now      func() time.Time
}

type state struct {
	policy     PolicyStore
	allowlists *AllowlistRegistry
	nonce      NonceSequencer
	rate       RateLimiter
	paused     bool
}

func (s state) clone() state {
	return state{
		policy:     PolicyStore{policy: s.policy.Get()},
		allowlists: s.allowlists.clone(),
		nonce:      s.nonce,
		rate:       newRateLimiter(s.rate.window, s.rate.lastExecutionAt, s.rate.executed),
		paused:     s.paused,
	}
}

func (s state) snapshot(vaultID string, at int64) *Snapshot {
	lists := make(map[AllowlistKind][]common.Address, len(AllowlistKinds))
	for _, kind := range AllowlistKinds {
		lists[kind] = s.allowlists.Members(kind)
	}
	return &Snapshot{
		VaultID:    vaultID,
		Policy:     s.policy.Get(),
		Allowlists: lists,
		State: ExecutionState{
			Nonce:           s.nonce.Current(),
			Executed:        s.rate.Executed(),
			LastExecutionAt: s.rate.LastExecutionAt(),
			Paused:          s.paused,
		},
		Window:    s.rate.Window(),
		UpdatedAt: at,
	}
}

func stateFromSnapshot(snap *Snapshot) (state, error) {
	var st state
	if err := st.policy.Set(snap.Policy); err != nil {
		return state{}, fmt.Errorf("snapshot policy: %w", err)
	}
	st.allowlists = NewAllowlistRegistry()
	for kind, members := range snap.Allowlists {
		for _, addr := range members {
			st.allowlists.SetMembership(kind, addr, true)
		}
	}
	st.nonce = NonceSequencer{current: snap.State.Nonce}
	st.rate = newRateLimiter(snap.Window, snap.State.LastExecutionAt, snap.State.Executed)
	st.paused = snap.State.Paused
	return st, nil
}

// New 创建金库。adapter 若实现 lending.BorrowPreviewer，借款前会先做预演。
func New(cfg Config, adapter lending.Adapter, ledger lending.TokenLedger, opts ...Option) (*Vault, error) {
	if cfg.ID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "vault id is required")
	}
	if adapter == nil || ledger == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "lending adapter and token ledger are required")
	}
	st, err := stateFromSnapshot(&Snapshot{VaultID: cfg.ID, Policy: cfg.Policy, Allowlists: cfg.Allowlists})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid vault config")
	}
	chainID := new(big.Int)
	if cfg.ChainID != nil {
		chainID.Set(cfg.ChainID)
	}
	v := &Vault{
		st:       st,
		id:       cfg.ID,
		address:  cfg.Address,
		chainID:  chainID,
		verifier: cfg.Verifier,
		adapter:  adapter,
		ledger:   ledger,
		preview:  true,
		sink:     AuditLogSink{},
		recorder: nopRecorder{},
		logger:   logger.Named("vault"),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	if p, ok := adapter.(lending.BorrowPreviewer); ok && v.preview {
		v.previewer = p
	}
	v.logger = v.logger.With(slog.String("vault_id", v.id))
	return v, nil
}

// Restore 从状态存储恢复快照；存储中没有快照时写入当前配置。
func (v *Vault) Restore(ctx context.Context) error {
	if v.store == nil {
		return nil
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	snap, err := v.store.Load(ctx, v.id)
	switch {
	case errors.Is(err, ErrSnapshotNotFound):
		v.stateMu.RLock()
		initial := v.st.snapshot(v.id, v.now().Unix())
		v.stateMu.RUnlock()
		if err := v.store.Save(ctx, initial); err != nil {
			return xerrors.Wrap(CodePersistenceFailed, err, "seed vault snapshot")
		}
		v.logger.Info("金库快照已初始化", slog.Uint64("nonce", initial.State.Nonce))
		return nil
	case err != nil:
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "load vault snapshot")
	}
	if snap.VaultID != v.id {
		return xerrors.New(xerrors.CodeConflict, fmt.Sprintf("snapshot belongs to vault %q", snap.VaultID))
	}
	st, err := stateFromSnapshot(snap)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "decode vault snapshot")
	}
	v.stateMu.Lock()
	v.st = st
	v.stateMu.Unlock()
	v.recorder.ObserveState(v.id, st.nonce.Current(), st.rate.Window().Borrowed, st.paused)
	v.logger.Info("金库快照已恢复", slog.Uint64("nonce", st.nonce.Current()), slog.Bool("paused", st.paused))
	return nil
}

// ID 返回金库标识。
func (v *Vault) ID() string { return v.id }

// Address 返回金库在借贷池中的账户地址。
func (v *Vault) Address() common.Address { return v.address }

// ChainID 返回签名摘要使用的链 ID。
func (v *Vault) ChainID() *big.Int { return new(big.Int).Set(v.chainID) }

// ExecuteBorrowAndPay 校验并执行计划。成功时返回收据；任何拒绝都不改变
// nonce、额度窗口、抵押、负债或收款方余额（补偿还款之后）。
//
// 一旦开始借款，后续适配器调用不再响应 ctx 取消，保证执行走到提交或完全回滚。
// 状态持久化失败时仍返回收据和 STATE_PERSISTENCE_FAILED，此时资金已经转出。
func (v *Vault) ExecuteBorrowAndPay(ctx context.Context, c Capability, plan Plan, now time.Time) (*Receipt, error) {
	started := time.Now()
	v.mu.Lock()
	defer v.mu.Unlock()

	unlock, err := v.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	receipt, err := v.execute(ctx, c, plan, now.Unix())
	outcome := StateCommitted
	if receipt == nil {
		outcome = StateRejected
		v.transition(plan.Nonce, StateRejected)
		v.logger.Info("计划被拒绝",
			slog.Uint64("plan_nonce", plan.Nonce),
			slog.String("code", string(xerrors.CodeOf(err))),
			slog.String("actor", c.Subject()),
			slog.String("error", err.Error()))
		if xerrors.CodeOf(err) == CodeAdapterFailure {
			v.alert(ctx, err, plan.Nonce)
		}
	}
	v.recorder.ObserveExecution(v.id, outcome, codeOrEmpty(err), time.Since(started))
	v.transition(plan.Nonce, StateIdle)
	return receipt, err
}

func (v *Vault) execute(ctx context.Context, c Capability, plan Plan, now int64) (*Receipt, error) {
	v.transition(plan.Nonce, StateValidating)
	next, err := v.validate(c, plan, now)
	if err != nil {
		return nil, err
	}
	policy := v.st.policy.Get()

	pre, err := v.adapter.AccountPosition(ctx, v.address)
	if err != nil {
		return nil, adapterFailure("read account position", err)
	}
	if pre.HealthFactor.Lt(policy.MinHealthFactor) {
		return nil, healthFactorTooLow(pre.HealthFactor, policy.MinHealthFactor, "pre_borrow")
	}
	if v.previewer != nil {
		projected, err := v.previewer.PreviewBorrow(ctx, v.address, plan.BorrowAsset, plan.BorrowAmount)
		if err != nil {
			return nil, adapterFailure("preview borrow", err)
		}
		if projected.HealthFactor.Lt(policy.MinHealthFactor) {
			return nil, healthFactorTooLow(projected.HealthFactor, policy.MinHealthFactor, "preview")
		}
	}

	txLog := &lending.TxLog{}
	execCtx := lending.WithTxLog(context.WithoutCancel(ctx), txLog)

	v.transition(plan.Nonce, StateBorrowing)
	if err := v.adapter.Borrow(execCtx, plan.BorrowAsset, plan.BorrowAmount, lending.RateModeVariable, v.address); err != nil {
		return nil, adapterFailure("borrow", err)
	}

	v.transition(plan.Nonce, StatePostCheck)
	post, err := v.adapter.AccountPosition(execCtx, v.address)
	if err != nil {
		return nil, v.unwindBorrow(execCtx, plan, now, adapterFailure("read account position after borrow", err))
	}
	if post.HealthFactor.Lt(policy.MinHealthFactor) {
		return nil, v.unwindBorrow(execCtx, plan, now, healthFactorTooLow(post.HealthFactor, policy.MinHealthFactor, "post_borrow"))
	}

	v.transition(plan.Nonce, StatePaying)
	if err := v.ledger.Transfer(execCtx, plan.BorrowAsset, v.address, plan.Payee, plan.BorrowAmount); err != nil {
		return nil, v.unwindBorrow(execCtx, plan, now, adapterFailure("pay", err))
	}

	receipt := &Receipt{
		VaultID:          v.id,
		Nonce:            plan.Nonce,
		BorrowAsset:      plan.BorrowAsset,
		Amount:           plan.BorrowAmount.Clone(),
		Payee:            plan.Payee,
		ExpiresAt:        plan.ExpiresAt,
		ExecutedAt:       now,
		PreHealthFactor:  pre.HealthFactor.Clone(),
		PostHealthFactor: post.HealthFactor.Clone(),
		Transactions:     txLog.Records(),
	}
	return receipt, v.commit(execCtx, c, plan, next, now)
}

func (v *Vault) validate(c Capability, plan Plan, now int64) (RateWindow, error) {
	if err := v.authorize(c, RoleExecutor); err != nil {
		return RateWindow{}, err
	}
	if v.st.paused {
		return RateWindow{}, reject(CodePaused, "vault is paused")
	}
	if !v.st.allowlists.IsAllowed(AllowlistBorrow, plan.BorrowAsset) {
		return RateWindow{}, notAllowlisted(AllowlistBorrow, plan.BorrowAsset)
	}
	if !v.st.allowlists.IsAllowed(AllowlistPayee, plan.Payee) {
		return RateWindow{}, notAllowlisted(AllowlistPayee, plan.Payee)
	}
	if plan.BorrowAmount == nil || plan.BorrowAmount.IsZero() {
		return RateWindow{}, reject(CodeInvalidPlan, "borrow amount must be positive")
	}
	if now > plan.ExpiresAt {
		return RateWindow{}, reject(CodeInvalidPlan, "plan expired",
			xerrors.WithMetadata("expires_at", fmt.Sprintf("%d", plan.ExpiresAt)),
			xerrors.WithMetadata("now", fmt.Sprintf("%d", now)))
	}
	policy := v.st.policy.Get()
	if plan.BorrowAmount.Gt(policy.MaxBorrowPerTx) {
		return RateWindow{}, reject(CodeLimitExceeded, "per transaction borrow cap exceeded",
			xerrors.WithMetadata("limit", "per_tx"),
			xerrors.WithMetadata("max", policy.MaxBorrowPerTx.Dec()))
	}
	if v.verifier != nil {
		if err := v.verifyAttestation(plan); err != nil {
			return RateWindow{}, err
		}
	}
	if err := v.st.nonce.Validate(plan.Nonce); err != nil {
		return RateWindow{}, err
	}
	return v.st.rate.Check(policy, plan.BorrowAmount, now)
}

func (v *Vault) verifyAttestation(plan Plan) error {
	if len(plan.Attestation) == 0 {
		return reject(CodeNotAuthorized, "plan attestation missing")
	}
	signer, err := RecoverPlanSigner(v.chainID, v.address, plan)
	if err != nil {
		return xerrors.Wrap(CodeNotAuthorized, err, "plan attestation invalid")
	}
	if signer != *v.verifier {
		return reject(CodeNotAuthorized, "plan attestation signed by unexpected key",
			xerrors.WithMetadata("signer", signer.Hex()))
	}
	return nil
}

// unwindBorrow 偿还已借出的金额。补偿失败时暂停金库并返回 COMPENSATION_FAILED。
func (v *Vault) unwindBorrow(ctx context.Context, plan Plan, now int64, cause error) error {
	v.logger.Warn("执行补偿还款",
		slog.Uint64("plan_nonce", plan.Nonce),
		slog.String("asset", plan.BorrowAsset.Hex()),
		slog.String("amount", plan.BorrowAmount.Dec()),
		slog.String("cause", cause.Error()))

	repaid, err := v.adapter.Repay(ctx, plan.BorrowAsset, plan.BorrowAmount, lending.RateModeVariable, v.address)
	if err == nil && (repaid == nil || repaid.Lt(plan.BorrowAmount)) {
		err = fmt.Errorf("partial repay %s of %s", cloneOrZero(repaid).Dec(), plan.BorrowAmount.Dec())
	}
	if err == nil {
		v.recorder.ObserveCompensation(v.id, "succeeded")
		return cause
	}

	v.recorder.ObserveCompensation(v.id, "failed")
	failure := xerrors.Wrap(CodeCompensationFailed, errors.Join(cause, err), "compensating repay failed, vault paused",
		xerrors.WithMetadata("asset", plan.BorrowAsset.Hex()),
		xerrors.WithMetadata("amount", plan.BorrowAmount.Dec()),
		xerrors.WithMetadata("cause_code", string(xerrors.CodeOf(cause))))
	v.logger.Error("补偿还款失败，金库已暂停", slog.Uint64("plan_nonce", plan.Nonce), slog.String("error", failure.Error()))
	v.emergencyPause(ctx, plan.Nonce, now, failure)
	return failure
}

// emergencyPause 在内存中暂停金库并尽力持久化，随后发出告警与事件。
func (v *Vault) emergencyPause(ctx context.Context, planNonce uint64, now int64, reason error) {
	candidate := v.st.clone()
	candidate.paused = true
	if err := v.persist(ctx, candidate, now); err != nil {
		v.logger.Error("暂停标记持久化失败", slog.String("error", err.Error()))
	}
	v.swap(candidate)
	v.alert(ctx, reason, planNonce)
	v.emit(ctx, EventPaused, "system", now, map[string]string{
		"reason": string(xerrors.CodeOf(reason)),
	})
}

func (v *Vault) commit(ctx context.Context, c Capability, plan Plan, next RateWindow, now int64) error {
	candidate := v.st.clone()
	if err := candidate.nonce.Commit(plan.Nonce); err != nil {
		return err
	}
	candidate.rate.Commit(next, now)

	persistErr := v.persist(ctx, candidate, now)
	if persistErr != nil {
		candidate.paused = true
	}
	v.swap(candidate)
	v.transition(plan.Nonce, StateCommitted)

	v.emit(ctx, EventBorrowAndPayExecuted, c.Subject(), now, map[string]string{
		"borrow_asset":  plan.BorrowAsset.Hex(),
		"borrow_amount": plan.BorrowAmount.Dec(),
		"payee":         plan.Payee.Hex(),
		"expires_at":    fmt.Sprintf("%d", plan.ExpiresAt),
	})
	logger.Audit().InfoContext(ctx, "借款付款已提交",
		slog.String("vault_id", v.id),
		slog.Uint64("nonce", plan.Nonce),
		slog.String("borrow_asset", plan.BorrowAsset.Hex()),
		slog.String("amount", plan.BorrowAmount.Dec()),
		slog.String("payee", plan.Payee.Hex()),
		slog.String("actor", c.Subject()))

	if persistErr != nil {
		failure := xerrors.Wrap(CodePersistenceFailed, persistErr, "execution committed in memory but snapshot was not persisted, vault paused",
			xerrors.WithMetadata("nonce", fmt.Sprintf("%d", plan.Nonce)))
		v.logger.Error("状态持久化失败", slog.String("error", failure.Error()))
		v.alert(ctx, failure, plan.Nonce)
		return failure
	}
	return nil
}

func (v *Vault) persist(ctx context.Context, candidate state, now int64) error {
	if v.store == nil {
		return nil
	}
	return v.store.Save(ctx, candidate.snapshot(v.id, now))
}

func (v *Vault) swap(next state) {
	v.stateMu.Lock()
	v.st = next
	v.stateMu.Unlock()
	v.recorder.ObserveState(v.id, next.nonce.Current(), next.rate.Window().Borrowed, next.paused)
}

func (v *Vault) acquire(ctx context.Context) (func(), error) {
	if v.locker == nil {
		return func() {}, nil
	}
	release, err := v.locker.Lock(ctx, "agentvault:lock:"+v.id)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConflict, err, "acquire vault lock")
	}
	return func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			v.logger.Warn("释放分布式锁失败", slog.String("error", err.Error()))
		}
	}, nil
}

func (v *Vault) transition(planNonce uint64, to State) {
	v.recorder.ObserveTransition(v.id, to)
	v.logger.Debug("状态迁移", slog.Uint64("plan_nonce", planNonce), slog.String("state", string(to)))
}

func (v *Vault) emit(ctx context.Context, kind EventKind, actor string, at int64, attrs map[string]string) {
	v.stateMu.RLock()
	nonce := v.st.nonce.Current()
	v.stateMu.RUnlock()
	event := Event{
		ID:         uuid.NewString(),
		VaultID:    v.id,
		Kind:       kind,
		Nonce:      nonce,
		Actor:      actor,
		Attributes: attrs,
		OccurredAt: at,
	}
	if err := v.sink.Emit(ctx, event); err != nil {
		v.logger.Error("审计事件写入失败", slog.String("kind", string(kind)), slog.String("error", err.Error()))
		v.alert(ctx, xerrors.Wrap(xerrors.CodeStorageFailure, err, "emit vault event",
			xerrors.WithMetadata("kind", string(kind))), nonce)
	}
}

func (v *Vault) alert(ctx context.Context, err error, planNonce uint64) {
	if v.alerts == nil || !xerrors.ShouldAlert(err) {
		return
	}
	event := alerting.FromError(err, v.id)
	event.PlanNonce = planNonce
	if notifyErr := v.alerts.Notify(ctx, event); notifyErr != nil {
		v.logger.Error("告警发送失败", slog.String("error", notifyErr.Error()))
	}
}

func adapterFailure(op string, err error) error {
	return xerrors.Wrap(CodeAdapterFailure, err, op+" failed", xerrors.WithMetadata("operation", op))
}

func healthFactorTooLow(observed, required *uint256.Int, stage string) error {
	return reject(CodeHealthFactorTooLow,
		fmt.Sprintf("health factor %s below minimum %s", lending.FormatWAD(observed), lending.FormatWAD(required)),
		xerrors.WithMetadata("observed", observed.Dec()),
		xerrors.WithMetadata("required", required.Dec()),
		xerrors.WithMetadata("stage", stage))
}

func notAllowlisted(kind AllowlistKind, addr common.Address) error {
	return reject(CodeNotAllowlisted, fmt.Sprintf("%s %s is not allowlisted", kind, addr.Hex()),
		xerrors.WithMetadata("kind", string(kind)),
		xerrors.WithMetadata("address", addr.Hex()))
}

func codeOrEmpty(err error) xerrors.Code {
	if err == nil {
		return ""
	}
	return xerrors.CodeOf(err)
}
