package vault_test

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	xerrors "AgentVault/internal/errors"
	"AgentVault/internal/lending"
	"AgentVault/internal/lending/memory"
	"AgentVault/internal/observability/alerting"
	storemem "AgentVault/internal/storage/memory"
	"AgentVault/internal/vault"
)

var (
	poolAddr    = common.HexToAddress("0x00000000000000000000000000000000000000a0")
	vaultAddr   = common.HexToAddress("0x00000000000000000000000000000000000000b0")
	payee       = common.HexToAddress("0x00000000000000000000000000000000000000c0")
	stranger    = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	ownerWallet = common.HexToAddress("0x00000000000000000000000000000000000000d0")
	weth        = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	usdc        = common.HexToAddress("0x00000000000000000000000000000000000000e2")

	t0 = time.Unix(1_700_000_000, 0)
)

type recordingSink struct {
	mu     sync.Mutex
	events []vault.Event
}

func (s *recordingSink) Emit(_ context.Context, e vault.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *recordingSink) kinds() []vault.EventKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]vault.EventKind, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Kind)
	}
	return out
}

func (s *recordingSink) last() vault.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events[len(s.events)-1]
}

type recordingAlerts struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (r *recordingAlerts) Notify(_ context.Context, e alerting.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingAlerts) codes() []xerrors.Code {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]xerrors.Code, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Code)
	}
	return out
}

type transitionRecorder struct {
	mu     sync.Mutex
	states []vault.State
}

func (r *transitionRecorder) ObserveTransition(_ string, state vault.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
}

func (r *transitionRecorder) ObserveExecution(string, vault.State, xerrors.Code, time.Duration) {}
func (r *transitionRecorder) ObserveCompensation(string, string) {}
func (r *transitionRecorder) ObserveState(string, uint64, *uint256.Int, bool) {}

func (r *transitionRecorder) drain() []vault.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.states
	r.states = nil
	return out
}

// flakyStore 包装内存存储，可切换为持续写入失败。
type flakyStore struct {
	*storemem.StateStore
	mu   sync.Mutex
	fail bool
}

func (f *flakyStore) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

func (f *flakyStore) Save(ctx context.Context, s *vault.Snapshot) error {
	f.mu.Lock()
	fail := f.fail
	f.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return f.StateStore.Save(ctx, s)
}

type harness struct {
	pool   *memory.Pool
	client *memory.Client
	vault  *vault.Vault
	owner  vault.Capability
	exec   vault.Capability
	sink   *recordingSink
	alerts *recordingAlerts
}

type harnessOption func(*vault.Config, *[]vault.Option)

func withoutPreview() harnessOption {
	return func(_ *vault.Config, opts *[]vault.Option) {
		*opts = append(*opts, vault.WithBorrowPreview(false))
	}
}

func withVaultOption(o vault.Option) harnessOption {
	return func(_ *vault.Config, opts *[]vault.Option) { *opts = append(*opts, o) }
}

func withVerifier(addr common.Address) harnessOption {
	return func(cfg *vault.Config, _ *[]vault.Option) { cfg.Verifier = &addr }
}

func policy(minHF string, cooldown, maxTx, maxDay uint64) vault.Policy {
	hf, err := lending.ParseWAD(minHF)
	if err != nil {
		panic(err)
	}
	return vault.Policy{
		MinHealthFactor: hf,
		CooldownSeconds: cooldown,
		MaxBorrowPerTx:  uint256.NewInt(maxTx),
		MaxBorrowPerDay: uint256.NewInt(maxDay),
	}
}

func scenarioPolicy() vault.Policy { return policy("1.6", 600, 100, 200) }

// newHarness 创建一个已存入 collateral 单位 WETH（价格 1.0，清算阈值 80%）的金库。
func newHarness(t *testing.T, p vault.Policy, collateral uint64, hopts ...harnessOption) *harness {
	t.Helper()
	pool := memory.NewPool(poolAddr)
	require.NoError(t, pool.ListReserve(weth, lending.WAD, 8000))
	require.NoError(t, pool.ListReserve(usdc, lending.WAD, 0))
	pool.Mint(usdc, poolAddr, uint256.NewInt(1_000_000))
	client := pool.Client(vaultAddr)
	if collateral > 0 {
		pool.Mint(weth, vaultAddr, uint256.NewInt(collateral))
		require.NoError(t, client.Supply(context.Background(), weth, uint256.NewInt(collateral), vaultAddr))
	}

	sink := &recordingSink{}
	alerts := &recordingAlerts{}
	cfg := vault.Config{
		ID:      "vault-1",
		Address: vaultAddr,
		ChainID: big.NewInt(31337),
		Policy:  p,
		Allowlists: map[vault.AllowlistKind][]common.Address{
			vault.AllowlistCollateral: {weth},
			vault.AllowlistBorrow:     {usdc},
			vault.AllowlistPayee:      {payee},
		},
	}
	opts := []vault.Option{
		vault.WithEventSink(sink),
		vault.WithAlertDispatcher(alerts),
		vault.WithClock(func() time.Time { return t0 }),
	}
	for _, o := range hopts {
		o(&cfg, &opts)
	}
	v, err := vault.New(cfg, client, client, opts...)
	require.NoError(t, err)
	return &harness{
		pool:   pool,
		client: client,
		vault:  v,
		owner:  v.OwnerCapability(),
		exec:   v.ExecutorCapability(),
		sink:   sink,
		alerts: alerts,
	}
}

func plan(nonce, amount uint64) vault.Plan {
	return vault.Plan{
		BorrowAsset:  usdc,
		BorrowAmount: uint256.NewInt(amount),
		Payee:        payee,
		ExpiresAt:    t0.Unix() + 3600,
		Nonce:        nonce,
	}
}

func (h *harness) execute(p vault.Plan, at time.Time) (*vault.Receipt, error) {
	return h.vault.ExecuteBorrowAndPay(context.Background(), h.exec, p, at)
}

type observed struct {
	nonce          uint64
	windowBorrowed uint64
	debt           uint64
	collateral     uint64
	payeeBalance   uint64
	vaultBalance   uint64
}

func (h *harness) observe() observed {
	status := h.vault.Status(t0)
	return observed{
		nonce:          status.Nonce,
		windowBorrowed: status.Window.Borrowed.Uint64(),
		debt:           h.pool.Debt(vaultAddr, usdc).Uint64(),
		collateral:     h.pool.Collateral(vaultAddr, weth).Uint64(),
		payeeBalance:   h.pool.BalanceOf(usdc, payee).Uint64(),
		vaultBalance:   h.pool.BalanceOf(usdc, vaultAddr).Uint64(),
	}
}

func requireCode(t *testing.T, err error, code xerrors.Code) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, code, xerrors.CodeOf(err), "error: %v", err)
}

func TestScenarioHappyPath(t *testing.T) {
	h := newHarness(t, scenarioPolicy(), 1000)

	receipt, err := h.execute(plan(1, 50), t0)
	require.NoError(t, err)
	require.Equal(t, uint64(1), receipt.Nonce)
	require.Equal(t, uint64(50), receipt.Amount.Uint64())
	require.Equal(t, t0.Unix(), receipt.ExecutedAt)
	require.True(t, receipt.PreHealthFactor.Eq(lending.MaxHealthFactor()))

	got := h.observe()
	require.Equal(t, observed{nonce: 1, windowBorrowed: 50, debt: 50, collateral: 1000, payeeBalance: 50}, got)

	last := h.sink.last()
	require.Equal(t, vault.EventBorrowAndPayExecuted, last.Kind)
	require.Equal(t, uint64(1), last.Nonce)
	require.Equal(t, "50", last.Attributes["borrow_amount"])
	require.Equal(t, payee.Hex(), last.Attributes["payee"])
}

func TestScenarioReplay(t *testing.T) {
	h := newHarness(t, scenarioPolicy(), 1000)
	_, err := h.execute(plan(1, 50), t0)
	require.NoError(t, err)
	before := h.observe()

	_, err = h.execute(plan(1, 50), t0.Add(time.Hour))
	requireCode(t, err, vault.CodeInvalidPlan)
	require.ErrorIs(t, err, vault.ErrInvalidPlan)
	require.Equal(t, before, h.observe())
}

func TestGuardReturnsToIdleAfterEachExecution(t *testing.T) {
	rec := &transitionRecorder{}
	h := newHarness(t, scenarioPolicy(), 1000, withVaultOption(vault.WithRecorder(rec)))

	_, err := h.execute(plan(1, 50), t0)
	require.NoError(t, err)
	require.Equal(t, []vault.State{
		vault.StateValidating,
		vault.StateBorrowing,
		vault.StatePostCheck,
		vault.StatePaying,
		vault.StateCommitted,
		vault.StateIdle,
	}, rec.drain())

	_, err = h.execute(plan(1, 50), t0.Add(time.Hour))
	requireCode(t, err, vault.CodeInvalidPlan)
	require.Equal(t, []vault.State{
		vault.StateValidating,
		vault.StateRejected,
		vault.StateIdle,
	}, rec.drain())
}

func TestScenarioCooldown(t *testing.T) {
	h := newHarness(t, scenarioPolicy(), 1000)
	_, err := h.execute(plan(1, 50), t0)
	require.NoError(t, err)
	before := h.observe()

	_, err = h.execute(plan(2, 10), t0.Add(60*time.Second))
	requireCode(t, err, vault.CodeCooldown)
	require.Equal(t, before, h.observe())

	_, err = h.execute(plan(2, 10), t0.Add(600*time.Second))
	require.NoError(t, err, "cooldown boundary is inclusive on the allowed side")
}

func TestScenarioDailyCap(t *testing.T) {
	h := newHarness(t, scenarioPolicy(), 1000)
	_, err := h.execute(plan(1, 50), t0)
	require.NoError(t, err)
	before := h.observe()

	_, err = h.execute(plan(2, 160), t0.Add(700*time.Second))
	requireCode(t, err, vault.CodeLimitExceeded)
	require.Equal(t, before, h.observe())

	wide := newHarness(t, policy("1.6", 600, 160, 200), 1000)
	_, err = wide.execute(plan(1, 50), t0)
	require.NoError(t, err)
	_, err = wide.execute(plan(2, 160), t0.Add(700*time.Second))
	requireCode(t, err, vault.CodeLimitExceeded)
	coded, _ := xerrors.From(err)
	require.Equal(t, "per_day", coded.Metadata()["limit"])
}

func TestScenarioInsolvencyWithPreview(t *testing.T) {
	h := newHarness(t, policy("1.6", 600, 1000, 2000), 975)
	before := h.observe()

	_, err := h.execute(plan(1, 600), t0)
	requireCode(t, err, vault.CodeHealthFactorTooLow)
	coded, _ := xerrors.From(err)
	require.Equal(t, "preview", coded.Metadata()["stage"])
	require.Equal(t, "1300000000000000000", coded.Metadata()["observed"])
	require.Equal(t, before, h.observe())
	require.Empty(t, h.sink.kinds())
}

func TestScenarioInsolvencyCompensates(t *testing.T) {
	h := newHarness(t, policy("1.6", 600, 1000, 2000), 975, withoutPreview())
	before := h.observe()

	_, err := h.execute(plan(1, 600), t0)
	requireCode(t, err, vault.CodeHealthFactorTooLow)
	coded, _ := xerrors.From(err)
	require.Equal(t, "post_borrow", coded.Metadata()["stage"])
	require.Equal(t, before, h.observe(), "compensating repay must restore debt and balances")
	require.False(t, h.vault.Paused())
	require.Empty(t, h.sink.kinds())
}

func TestScenarioPayeeNotAllowlisted(t *testing.T) {
	h := newHarness(t, scenarioPolicy(), 1000)
	p := plan(1, 50)
	p.Payee = stranger

	_, err := h.execute(p, t0)
	requireCode(t, err, vault.CodeNotAllowlisted)
	require.Equal(t, uint64(0), h.vault.Nonce())
	require.True(t, h.pool.Debt(vaultAddr, usdc).IsZero())

	p = plan(1, 50)
	p.BorrowAsset = weth
	_, err = h.execute(p, t0)
	requireCode(t, err, vault.CodeNotAllowlisted)
}

func TestBoundaryConditions(t *testing.T) {
	h := newHarness(t, scenarioPolicy(), 1000)

	expired := plan(1, 50)
	expired.ExpiresAt = t0.Unix() - 1
	_, err := h.execute(expired, t0)
	requireCode(t, err, vault.CodeInvalidPlan)

	_, err = h.execute(plan(1, 0), t0)
	requireCode(t, err, vault.CodeInvalidPlan)

	_, err = h.execute(plan(1, 101), t0)
	requireCode(t, err, vault.CodeLimitExceeded)

	tie := plan(1, 100)
	tie.ExpiresAt = t0.Unix()
	_, err = h.execute(tie, t0)
	require.NoError(t, err, "expiry equal to now and amount equal to the per-tx cap are accepted")

	_, err = h.execute(plan(2, 100), t0.Add(600*time.Second))
	require.NoError(t, err, "amount equal to the remaining daily headroom is accepted")
	require.True(t, h.vault.Status(t0.Add(600*time.Second)).WindowHeadroom.IsZero())

	_, err = h.execute(plan(3, 1), t0.Add(1200*time.Second))
	requireCode(t, err, vault.CodeLimitExceeded)

	later := plan(3, 100)
	later.ExpiresAt = t0.Unix() + vault.WindowSeconds + 10
	_, err = h.execute(later, t0.Add(time.Duration(vault.WindowSeconds)*time.Second))
	require.NoError(t, err, "window resets after 24h")
	status := h.vault.Status(t0.Add(time.Duration(vault.WindowSeconds) * time.Second))
	require.Equal(t, uint64(100), status.Window.Borrowed.Uint64())
	require.Equal(t, t0.Unix()+vault.WindowSeconds, status.Window.Start)
}

func TestPreCheckRejectsUnsafePosition(t *testing.T) {
	h := newHarness(t, scenarioPolicy(), 1000)
	require.NoError(t, h.client.Borrow(context.Background(), usdc, uint256.NewInt(600), lending.RateModeVariable, vaultAddr))
	before := h.observe()

	_, err := h.execute(plan(1, 10), t0)
	requireCode(t, err, vault.CodeHealthFactorTooLow)
	coded, _ := xerrors.From(err)
	require.Equal(t, "pre_borrow", coded.Metadata()["stage"])
	require.Equal(t, before, h.observe())
}

func TestBorrowFailurePropagatesVerbatim(t *testing.T) {
	h := newHarness(t, scenarioPolicy(), 1000)
	boom := errors.New("pool reverted: RESERVE_FROZEN")
	h.pool.FailNext(memory.OpBorrow, boom)
	before := h.observe()

	_, err := h.execute(plan(1, 50), t0)
	requireCode(t, err, vault.CodeAdapterFailure)
	require.ErrorIs(t, err, boom)
	require.Equal(t, before, h.observe())
	require.Contains(t, h.alerts.codes(), vault.CodeAdapterFailure)
}

func TestPayoutFailureCompensates(t *testing.T) {
	h := newHarness(t, scenarioPolicy(), 1000)
	boom := errors.New("transfer reverted")
	h.pool.FailNext(memory.OpTransfer, boom)
	before := h.observe()

	_, err := h.execute(plan(1, 50), t0)
	requireCode(t, err, vault.CodeAdapterFailure)
	require.ErrorIs(t, err, boom)
	require.Equal(t, before, h.observe())
	require.False(t, h.vault.Paused())
}

func TestCompensationFailurePausesVault(t *testing.T) {
	h := newHarness(t, policy("1.6", 600, 1000, 2000), 975, withoutPreview())
	h.pool.FailNext(memory.OpRepay, errors.New("repay reverted"))

	_, err := h.execute(plan(1, 600), t0)
	requireCode(t, err, vault.CodeCompensationFailed)
	require.ErrorIs(t, err, vault.ErrHealthFactorTooLow)
	require.True(t, h.vault.Paused())
	require.Equal(t, uint64(0), h.vault.Nonce())
	require.Equal(t, uint64(600), h.pool.Debt(vaultAddr, usdc).Uint64(), "debt remains outstanding for the operator")
	require.Contains(t, h.alerts.codes(), vault.CodeCompensationFailed)
	require.Equal(t, []vault.EventKind{vault.EventPaused}, h.sink.kinds())

	_, err = h.execute(plan(1, 10), t0.Add(time.Hour))
	requireCode(t, err, vault.CodePaused)
}

func TestPostCheckAfterPriceShockCompensates(t *testing.T) {
	h := newHarness(t, scenarioPolicy(), 1000)
	h.pool.OnAfter(memory.OpBorrow, func() {
		_ = h.pool.SetPrice(weth, new(uint256.Int).Div(lending.WAD, uint256.NewInt(100)))
	})

	_, err := h.execute(plan(1, 50), t0)
	requireCode(t, err, vault.CodeHealthFactorTooLow)
	require.True(t, h.pool.Debt(vaultAddr, usdc).IsZero())
	require.True(t, h.pool.BalanceOf(usdc, payee).IsZero())
	require.Equal(t, uint64(0), h.vault.Nonce())
}

func TestCapabilitiesAreEnforced(t *testing.T) {
	h := newHarness(t, scenarioPolicy(), 1000)
	other := newHarness(t, scenarioPolicy(), 1000)
	ctx := context.Background()

	_, err := h.vault.ExecuteBorrowAndPay(ctx, h.owner, plan(1, 50), t0)
	requireCode(t, err, vault.CodeNotAuthorized)
	_, err = h.vault.ExecuteBorrowAndPay(ctx, other.exec, plan(1, 50), t0)
	requireCode(t, err, vault.CodeNotAuthorized)
	_, err = h.vault.ExecuteBorrowAndPay(ctx, vault.Capability{}, plan(1, 50), t0)
	requireCode(t, err, vault.CodeNotAuthorized)

	requireCode(t, h.vault.SetPaused(ctx, h.exec, true), vault.CodeNotAuthorized)
	requireCode(t, h.vault.SetPolicy(ctx, h.exec, scenarioPolicy()), vault.CodeNotAuthorized)
	requireCode(t, h.vault.SetPayeeAllowlist(ctx, other.owner, stranger, true), vault.CodeNotAuthorized)
	require.Equal(t, uint64(0), h.vault.Nonce())
	require.Empty(t, h.sink.kinds())
}

func TestPauseBlocksExecution(t *testing.T) {
	h := newHarness(t, scenarioPolicy(), 1000)
	ctx := context.Background()

	require.NoError(t, h.vault.SetPaused(ctx, h.owner, true))
	_, err := h.execute(plan(1, 50), t0)
	requireCode(t, err, vault.CodePaused)
	require.True(t, h.pool.Debt(vaultAddr, usdc).IsZero())

	require.NoError(t, h.vault.SetPaused(ctx, h.owner, false))
	require.NoError(t, h.vault.SetPaused(ctx, h.owner, false), "no-op toggle succeeds")
	_, err = h.execute(plan(1, 50), t0)
	require.NoError(t, err)
	require.Equal(t, []vault.EventKind{vault.EventPaused, vault.EventUnpaused, vault.EventBorrowAndPayExecuted}, h.sink.kinds())
}

func TestAttestationRequiredWhenVerifierConfigured(t *testing.T) {
	verifierKey, err := cryptoKey()
	require.NoError(t, err)
	otherKey, err := cryptoKey()
	require.NoError(t, err)
	h := newHarness(t, scenarioPolicy(), 1000, withVerifier(addressOf(verifierKey)))

	unsigned := plan(1, 50)
	_, err = h.execute(unsigned, t0)
	requireCode(t, err, vault.CodeNotAuthorized)

	forged := plan(1, 50)
	forged.Attestation, err = vault.SignPlan(otherKey, h.vault.ChainID(), vaultAddr, forged)
	require.NoError(t, err)
	_, err = h.execute(forged, t0)
	requireCode(t, err, vault.CodeNotAuthorized)

	swapped := plan(1, 50)
	swapped.Attestation, err = vault.SignPlan(verifierKey, h.vault.ChainID(), vaultAddr, swapped)
	require.NoError(t, err)
	swapped.BorrowAmount = uint256.NewInt(90)
	_, err = h.execute(swapped, t0)
	requireCode(t, err, vault.CodeNotAuthorized)

	signed := plan(1, 50)
	signed.Attestation, err = vault.SignPlan(verifierKey, h.vault.ChainID(), vaultAddr, signed)
	require.NoError(t, err)
	_, err = h.execute(signed, t0)
	require.NoError(t, err)
}

func TestConcurrentExecutionsOfSameNonce(t *testing.T) {
	h := newHarness(t, scenarioPolicy(), 1000)

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		codes     []xerrors.Code
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.execute(plan(1, 50), t0)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
				return
			}
			codes = append(codes, xerrors.CodeOf(err))
		}()
	}
	wg.Wait()

	require.Equal(t, 1, successes)
	for _, code := range codes {
		require.Equal(t, vault.CodeInvalidPlan, code)
	}
	require.Equal(t, observed{nonce: 1, windowBorrowed: 50, debt: 50, collateral: 1000, payeeBalance: 50}, h.observe())
}

func TestAdminPolicyAndAllowlists(t *testing.T) {
	h := newHarness(t, scenarioPolicy(), 1000)
	ctx := context.Background()

	err := h.vault.SetPolicy(ctx, h.owner, policy("0.9", 0, 1, 1))
	requireCode(t, err, xerrors.CodeInvalidArgument)
	require.NotErrorIs(t, err, vault.ErrInvalidPlan)
	require.Equal(t, "1600000000000000000", h.vault.Policy().MinHealthFactor.Dec())

	require.NoError(t, h.vault.SetPolicy(ctx, h.owner, policy("2", 60, 500, 1000)))
	require.Equal(t, uint64(500), h.vault.Policy().MaxBorrowPerTx.Uint64())
	require.Equal(t, "60", h.sink.last().Attributes["cooldown_seconds"])

	requireCode(t, h.vault.SetTokenAllowlist(ctx, h.owner, vault.AllowlistPayee, stranger, true), xerrors.CodeInvalidArgument)
	require.NoError(t, h.vault.SetTokenAllowlist(ctx, h.owner, vault.AllowlistBorrow, weth, true))
	require.True(t, h.vault.IsAllowed(vault.AllowlistBorrow, weth))
	require.NoError(t, h.vault.SetPayeeAllowlist(ctx, h.owner, stranger, true))
	require.Equal(t, []common.Address{payee, stranger}, h.vault.Allowlist(vault.AllowlistPayee))
	require.NoError(t, h.vault.SetPayeeAllowlist(ctx, h.owner, payee, false))
	require.False(t, h.vault.IsAllowed(vault.AllowlistPayee, payee))

	require.Equal(t, []vault.EventKind{
		vault.EventPolicyUpdated,
		vault.EventTokenAllowlistUpdated,
		vault.EventPayeeAllowlistUpdated,
		vault.EventPayeeAllowlistUpdated,
	}, h.sink.kinds())
	require.Equal(t, uint64(0), h.vault.Nonce(), "admin operations never touch the nonce")
}

func TestAdminCollateralAndDebt(t *testing.T) {
	h := newHarness(t, scenarioPolicy(), 1000)
	ctx := context.Background()

	h.pool.Mint(usdc, vaultAddr, uint256.NewInt(10))
	requireCode(t, h.vault.SupplyCollateral(ctx, h.owner, usdc, uint256.NewInt(10)), vault.CodeNotAllowlisted)

	h.pool.Mint(weth, vaultAddr, uint256.NewInt(100))
	require.NoError(t, h.vault.SupplyCollateral(ctx, h.owner, weth, uint256.NewInt(100)))
	require.Equal(t, uint64(1100), h.pool.Collateral(vaultAddr, weth).Uint64())

	_, err := h.execute(plan(1, 100), t0)
	require.NoError(t, err)

	_, err = h.vault.WithdrawCollateral(ctx, h.owner, weth, uint256.NewInt(950), ownerWallet)
	requireCode(t, err, vault.CodeHealthFactorTooLow)
	coded, _ := xerrors.From(err)
	require.Equal(t, "post_withdraw", coded.Metadata()["stage"])
	require.Equal(t, uint64(1100), h.pool.Collateral(vaultAddr, weth).Uint64(), "breaching withdraw is re-supplied")
	require.True(t, h.pool.BalanceOf(weth, ownerWallet).IsZero())

	got, err := h.vault.WithdrawCollateral(ctx, h.owner, weth, uint256.NewInt(500), ownerWallet)
	require.NoError(t, err)
	require.Equal(t, uint64(500), got.Uint64())
	require.Equal(t, uint64(500), h.pool.BalanceOf(weth, ownerWallet).Uint64())

	requireCode(t, func() error {
		_, err := h.vault.RepayDebt(ctx, h.owner, weth, uint256.NewInt(1))
		return err
	}(), vault.CodeNotAllowlisted)

	h.pool.Mint(usdc, vaultAddr, uint256.NewInt(100))
	repaid, err := h.vault.RepayDebt(ctx, h.owner, usdc, uint256.NewInt(1000))
	require.NoError(t, err)
	require.Equal(t, uint64(100), repaid.Uint64())
	require.True(t, h.pool.Debt(vaultAddr, usdc).IsZero())

	require.Equal(t, []vault.EventKind{
		vault.EventCollateralSupplied,
		vault.EventBorrowAndPayExecuted,
		vault.EventCollateralWithdrawn,
		vault.EventDebtRepaid,
	}, h.sink.kinds())
	require.Equal(t, uint64(1), h.vault.Nonce())
}

func TestPersistenceFailureAfterPayout(t *testing.T) {
	store := &flakyStore{StateStore: storemem.NewStateStore()}
	h := newHarness(t, scenarioPolicy(), 1000, withVaultOption(vault.WithStateStore(store)))
	require.NoError(t, h.vault.Restore(context.Background()))

	store.setFail(true)
	receipt, err := h.execute(plan(1, 50), t0)
	requireCode(t, err, vault.CodePersistenceFailed)
	require.NotNil(t, receipt, "funds moved, so the receipt is still returned")
	require.Equal(t, uint64(1), h.vault.Nonce())
	require.True(t, h.vault.Paused())
	require.Equal(t, uint64(50), h.pool.BalanceOf(usdc, payee).Uint64())
	require.Contains(t, h.alerts.codes(), vault.CodePersistenceFailed)

	requireCode(t, h.vault.SetPaused(context.Background(), h.owner, false), vault.CodePersistenceFailed)
	require.True(t, h.vault.Paused(), "admin changes are applied only after they persist")

	store.setFail(false)
	require.NoError(t, h.vault.SetPaused(context.Background(), h.owner, false))
	require.False(t, h.vault.Paused())
}

func TestRestoreResumesFromStore(t *testing.T) {
	store := storemem.NewStateStore()
	h := newHarness(t, scenarioPolicy(), 1000, withVaultOption(vault.WithStateStore(store)))
	ctx := context.Background()
	require.NoError(t, h.vault.Restore(ctx))
	_, err := h.execute(plan(1, 50), t0)
	require.NoError(t, err)

	restarted, err := vault.New(vault.Config{
		ID:      "vault-1",
		Address: vaultAddr,
		ChainID: big.NewInt(31337),
		Policy:  policy("1.1", 0, 1, 1),
	}, h.client, h.client, vault.WithStateStore(store), vault.WithEventSink(&recordingSink{}))
	require.NoError(t, err)
	require.NoError(t, restarted.Restore(ctx))

	require.Equal(t, uint64(1), restarted.Nonce())
	require.Equal(t, scenarioPolicy().MaxBorrowPerDay.Uint64(), restarted.Policy().MaxBorrowPerDay.Uint64())
	require.True(t, restarted.IsAllowed(vault.AllowlistPayee, payee))
	status := restarted.Status(t0.Add(time.Minute))
	require.Equal(t, uint64(50), status.Window.Borrowed.Uint64())
	require.Equal(t, int64(540), status.CooldownRemaining)

	_, err = restarted.ExecuteBorrowAndPay(ctx, restarted.ExecutorCapability(), plan(1, 50), t0.Add(time.Hour))
	requireCode(t, err, vault.CodeInvalidPlan)
}
