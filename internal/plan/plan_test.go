package plan

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	xerrors "AgentVault/internal/errors"
	"AgentVault/internal/lending"
	"AgentVault/internal/lending/memory"
	"AgentVault/internal/vault"
)

var (
	testVault = common.HexToAddress("0x00000000000000000000000000000000000000b0")
	testPool  = common.HexToAddress("0x00000000000000000000000000000000000000a0")
	testPayee = common.HexToAddress("0x00000000000000000000000000000000000000c0")
	testWETH  = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	testUSDC  = common.HexToAddress("0x00000000000000000000000000000000000000e2")
)

func newTestVault(t *testing.T) (*vault.Vault, *memory.Pool) {
	t.Helper()
	pool := memory.NewPool(testPool)
	if err := pool.ListReserve(testWETH, lending.WAD, 8000); err != nil {
		t.Fatalf("list weth: %v", err)
	}
	if err := pool.ListReserve(testUSDC, lending.WAD, 0); err != nil {
		t.Fatalf("list usdc: %v", err)
	}
	pool.Mint(testUSDC, testPool, uint256.NewInt(1_000_000))
	pool.Mint(testWETH, testVault, uint256.NewInt(1000))
	client := pool.Client(testVault)
	if err := client.Supply(context.Background(), testWETH, uint256.NewInt(1000), testVault); err != nil {
		t.Fatalf("supply: %v", err)
	}
	minHF, _ := lending.ParseWAD("1.6")
	v, err := vault.New(vault.Config{
		ID:      "vault-1",
		Address: testVault,
		ChainID: big.NewInt(31337),
		Policy: vault.Policy{
			MinHealthFactor: minHF,
			CooldownSeconds: 0,
			MaxBorrowPerTx:  uint256.NewInt(100),
			MaxBorrowPerDay: uint256.NewInt(1000),
		},
		Allowlists: map[vault.AllowlistKind][]common.Address{
			vault.AllowlistCollateral: {testWETH},
			vault.AllowlistBorrow:     {testUSDC},
			vault.AllowlistPayee:      {testPayee},
		},
	}, client, client)
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}
	return v, pool
}

func request(nonce uint64, amount string) Request {
	return Request{
		BorrowAsset:  testUSDC.Hex(),
		BorrowAmount: amount,
		Payee:        testPayee.Hex(),
		ExpiresAt:    time.Now().Add(time.Hour).Unix(),
		Nonce:        nonce,
	}
}

func TestRequestConversion(t *testing.T) {
	req := request(3, "42")
	req.Attestation = "0x0102"
	p, err := req.ToPlan()
	if err != nil {
		t.Fatalf("to plan: %v", err)
	}
	if p.BorrowAmount.Uint64() != 42 || p.Nonce != 3 || len(p.Attestation) != 2 {
		t.Fatalf("unexpected plan %+v", p)
	}
	back := RequestFromPlan(p)
	if back.BorrowAmount != "42" || back.Attestation != "0x0102" || back.Payee != testPayee.Hex() {
		t.Fatalf("unexpected request %+v", back)
	}

	bad := []Request{
		{BorrowAsset: "nope", BorrowAmount: "1", Payee: testPayee.Hex()},
		{BorrowAsset: testUSDC.Hex(), BorrowAmount: "12abc", Payee: testPayee.Hex()},
		{BorrowAsset: testUSDC.Hex(), BorrowAmount: "1", Payee: testPayee.Hex(), Attestation: "0xzz"},
	}
	for i, req := range bad {
		if _, err := req.ToPlan(); xerrors.CodeOf(err) != CodePlanValidation {
			t.Fatalf("case %d: expected validation error, got %v", i, err)
		}
	}
}

func TestMemoryStoreLifecycleAndFilters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	clock := time.Unix(1_700_000_000, 0)
	store.now = func() time.Time { return clock }

	for i, id := range []string{"a", "b", "c"} {
		clock = clock.Add(time.Duration(i+1) * time.Second)
		if err := store.Create(ctx, &Submission{ID: id, VaultID: "vault-1", Status: StatusPending}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	if err := store.Create(ctx, &Submission{ID: "a"}); !errors.Is(err, ErrPlanConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	claimed, err := store.Claim(ctx, "a")
	if err != nil || claimed.Status != StatusRunning || claimed.Attempts != 1 {
		t.Fatalf("claim: %+v %v", claimed, err)
	}
	if _, err := store.Claim(ctx, "a"); !errors.Is(err, ErrPlanConflict) {
		t.Fatalf("double claim must conflict, got %v", err)
	}
	clock = clock.Add(time.Minute)
	if err := store.MarkCommitted(ctx, "a", &ReceiptView{Nonce: 1, Amount: "5"}, "", ""); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, err := store.Claim(ctx, "a"); !errors.Is(err, ErrPlanCompleted) {
		t.Fatalf("claiming a committed submission must report completion, got %v", err)
	}
	if err := store.MarkRejected(ctx, "b", vault.CodeCooldown, "cooldown"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if err := store.MarkFailed(ctx, "missing", CodePlanProcessing, "x"); !errors.Is(err, ErrPlanNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	all, err := store.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 || all[0].ID != "b" {
		t.Fatalf("expected newest first, got %+v", all)
	}
	if all[1].Receipt == nil || all[1].Receipt.Amount != "5" {
		t.Fatalf("receipt not stored: %+v", all[1])
	}

	rejected, _ := store.List(ctx, BuildListOptions(WithStatuses(StatusRejected)))
	if len(rejected) != 1 || rejected[0].ErrorCode != string(vault.CodeCooldown) {
		t.Fatalf("unexpected rejected list %+v", rejected)
	}
	asc, _ := store.List(ctx, BuildListOptions(WithSortOrder(SortByUpdatedAsc), WithLimit(1)))
	if len(asc) != 1 || asc[0].ID != "c" {
		t.Fatalf("unexpected ascending page %+v", asc)
	}
	other, _ := store.List(ctx, BuildListOptions(WithVault("vault-2")))
	if len(other) != 0 {
		t.Fatalf("vault filter leaked %+v", other)
	}

	stats, err := store.Stats(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 || stats.Committed != 1 || stats.Rejected != 1 || stats.Pending != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

type failingProducer struct{}

func (failingProducer) Publish(context.Context, string) error { return errors.New("broker down") }
func (failingProducer) Close() error                          { return nil }

func TestServiceSubmitIsIdempotentAndRecordsPublishFailures(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc := NewService(store, NewMemoryQueue(4), "vault-1")

	req := request(1, "10")
	req.ID = "fixed"
	first, err := svc.Submit(ctx, "agent-1", req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	second, err := svc.Submit(ctx, "agent-1", req)
	if err != nil || second.ID != first.ID {
		t.Fatalf("resubmission must return the existing record: %+v %v", second, err)
	}
	if _, err := svc.Submit(ctx, "agent-1", Request{BorrowAsset: "bad"}); xerrors.CodeOf(err) != CodePlanValidation {
		t.Fatalf("expected validation error, got %v", err)
	}

	broken := NewService(store, failingProducer{}, "vault-1")
	if _, err := broken.Submit(ctx, "agent-1", request(2, "10")); xerrors.CodeOf(err) != CodePlanPublish {
		t.Fatalf("expected publish failure, got %v", err)
	}
	failed, _ := store.List(ctx, BuildListOptions(WithStatuses(StatusFailed)))
	if len(failed) != 1 || failed[0].ErrorCode != string(CodePlanPublish) {
		t.Fatalf("publish failure not recorded: %+v", failed)
	}
}

func TestProcessorExecutesQueuedPlans(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	v, pool := newTestVault(t)
	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	svc := NewService(store, queue, v.ID())
	processor := NewProcessor(v, v.ExecutorCapability(), store, queue)

	done := make(chan error, 1)
	go func() { done <- processor.Start(ctx) }()

	ok, err := svc.Submit(ctx, "agent-1", request(1, "50"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	replay, err := svc.Submit(ctx, "agent-1", request(1, "50"))
	if err != nil {
		t.Fatalf("submit replay: %v", err)
	}
	tooLarge, err := svc.Submit(ctx, "agent-1", request(2, "500"))
	if err != nil {
		t.Fatalf("submit large: %v", err)
	}

	committed, err := svc.WaitUntilDone(ctx, ok.ID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if committed.Status != StatusCommitted || committed.Receipt == nil || committed.Receipt.Nonce != 1 {
		t.Fatalf("unexpected outcome %+v", committed)
	}
	if committed.Receipt.PreHealthFactor != "max" {
		t.Fatalf("unexpected pre health factor %q", committed.Receipt.PreHealthFactor)
	}

	rejected, err := svc.WaitUntilDone(ctx, replay.ID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait replay: %v", err)
	}
	if rejected.Status != StatusRejected || rejected.ErrorCode != string(vault.CodeInvalidPlan) {
		t.Fatalf("replay must be rejected as invalid plan: %+v", rejected)
	}
	limited, err := svc.WaitUntilDone(ctx, tooLarge.ID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait large: %v", err)
	}
	if limited.Status != StatusRejected || limited.ErrorCode != string(vault.CodeLimitExceeded) {
		t.Fatalf("expected limit rejection: %+v", limited)
	}
	if got := pool.BalanceOf(testUSDC, testPayee).Uint64(); got != 50 {
		t.Fatalf("payee received %d", got)
	}

	// 已结束的提交再次出现在队列中时只会被跳过。
	if err := processor.Handle(ctx, ok.ID); err != nil {
		t.Fatalf("handle completed: %v", err)
	}
	if v.Nonce() != 1 {
		t.Fatalf("completed submission executed twice, nonce=%d", v.Nonce())
	}

	cancel()
	if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("processor exited: %v", err)
	}
}
