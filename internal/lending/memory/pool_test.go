package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"AgentVault/internal/lending"
)

var (
	poolAddr   = common.HexToAddress("0x00000000000000000000000000000000000000a0")
	vaultAddr  = common.HexToAddress("0x00000000000000000000000000000000000000b0")
	payeeAddr  = common.HexToAddress("0x00000000000000000000000000000000000000c0")
	weth       = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	stablecoin = common.HexToAddress("0x00000000000000000000000000000000000000e2")
)

func newFixture(t *testing.T) (*Pool, *Client) {
	t.Helper()
	pool := NewPool(poolAddr)
	if err := pool.ListReserve(weth, lending.WAD, 8000); err != nil {
		t.Fatalf("list weth: %v", err)
	}
	if err := pool.ListReserve(stablecoin, lending.WAD, 0); err != nil {
		t.Fatalf("list stablecoin: %v", err)
	}
	pool.Mint(weth, vaultAddr, uint256.NewInt(1000))
	pool.Mint(stablecoin, poolAddr, uint256.NewInt(1_000_000))
	return pool, pool.Client(vaultAddr)
}

func TestSupplyBorrowRepayRoundTrip(t *testing.T) {
	ctx := context.Background()
	pool, client := newFixture(t)

	if err := client.Supply(ctx, weth, uint256.NewInt(1000), vaultAddr); err != nil {
		t.Fatalf("supply: %v", err)
	}
	pos, err := client.AccountPosition(ctx, vaultAddr)
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if !pos.HealthFactor.Eq(lending.MaxHealthFactor()) {
		t.Fatalf("expected max health factor without debt")
	}

	if err := client.Borrow(ctx, stablecoin, uint256.NewInt(400), lending.RateModeVariable, vaultAddr); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	pos, _ = client.AccountPosition(ctx, vaultAddr)
	if got := lending.FormatWAD(pos.HealthFactor); got != "2" {
		t.Fatalf("unexpected health factor %s", got)
	}
	if pool.BalanceOf(stablecoin, vaultAddr).Uint64() != 400 {
		t.Fatalf("borrowed funds not credited to caller")
	}

	repaid, err := client.Repay(ctx, stablecoin, lending.MaxHealthFactor(), lending.RateModeVariable, vaultAddr)
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	if repaid.Uint64() != 400 || !pool.Debt(vaultAddr, stablecoin).IsZero() {
		t.Fatalf("expected full repayment, repaid %s", repaid.Dec())
	}
}

func TestBorrowRejectsUnhealthyPosition(t *testing.T) {
	ctx := context.Background()
	pool, client := newFixture(t)
	if err := client.Supply(ctx, weth, uint256.NewInt(1000), vaultAddr); err != nil {
		t.Fatalf("supply: %v", err)
	}
	err := client.Borrow(ctx, stablecoin, uint256.NewInt(801), lending.RateModeVariable, vaultAddr)
	if !errors.Is(err, ErrInsufficientCollateral) {
		t.Fatalf("expected ErrInsufficientCollateral, got %v", err)
	}
	if !pool.Debt(vaultAddr, stablecoin).IsZero() {
		t.Fatalf("failed borrow must not record debt")
	}
}

func TestPreviewDoesNotMutate(t *testing.T) {
	ctx := context.Background()
	pool, client := newFixture(t)
	_ = client.Supply(ctx, weth, uint256.NewInt(1000), vaultAddr)

	pos, err := client.PreviewBorrow(ctx, vaultAddr, stablecoin, uint256.NewInt(500))
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if got := lending.FormatWAD(pos.HealthFactor); got != "1.6" {
		t.Fatalf("unexpected projected health factor %s", got)
	}
	if !pool.Debt(vaultAddr, stablecoin).IsZero() {
		t.Fatalf("preview must not record debt")
	}
}

func TestWithdrawKeepsPositionSolvent(t *testing.T) {
	ctx := context.Background()
	pool, client := newFixture(t)
	_ = client.Supply(ctx, weth, uint256.NewInt(1000), vaultAddr)
	_ = client.Borrow(ctx, stablecoin, uint256.NewInt(400), lending.RateModeVariable, vaultAddr)

	if _, err := client.Withdraw(ctx, weth, uint256.NewInt(600), vaultAddr); !errors.Is(err, ErrInsufficientCollateral) {
		t.Fatalf("expected ErrInsufficientCollateral, got %v", err)
	}
	if pool.Collateral(vaultAddr, weth).Uint64() != 1000 {
		t.Fatalf("rejected withdraw must restore collateral")
	}
	got, err := client.Withdraw(ctx, weth, uint256.NewInt(100), vaultAddr)
	if err != nil || got.Uint64() != 100 {
		t.Fatalf("withdraw: %v (%v)", err, got)
	}
}

func TestFailureInjection(t *testing.T) {
	ctx := context.Background()
	pool, client := newFixture(t)
	boom := errors.New("boom")

	pool.FailNext(OpSupply, boom)
	if err := client.Supply(ctx, weth, uint256.NewInt(1), vaultAddr); !errors.Is(err, boom) {
		t.Fatalf("expected injected error, got %v", err)
	}
	if err := client.Supply(ctx, weth, uint256.NewInt(1), vaultAddr); err != nil {
		t.Fatalf("one-shot failure should clear: %v", err)
	}

	pool.SetFailure(OpTransfer, boom)
	for i := 0; i < 2; i++ {
		if err := client.Transfer(ctx, weth, vaultAddr, payeeAddr, uint256.NewInt(1)); !errors.Is(err, boom) {
			t.Fatalf("expected sticky failure, got %v", err)
		}
	}
	pool.SetFailure(OpTransfer, nil)
	if err := client.Transfer(ctx, weth, vaultAddr, payeeAddr, uint256.NewInt(1)); err != nil {
		t.Fatalf("transfer after clearing failure: %v", err)
	}
}

func TestTransferRequiresCaller(t *testing.T) {
	_, client := newFixture(t)
	err := client.Transfer(context.Background(), weth, payeeAddr, vaultAddr, uint256.NewInt(1))
	if !errors.Is(err, ErrUnauthorizedTransfer) {
		t.Fatalf("expected ErrUnauthorizedTransfer, got %v", err)
	}
}
