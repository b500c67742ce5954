package lending

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

func TestParseAndFormatWAD(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"1.6", "1.6"},
		{"2", "2"},
		{"0.000000000000000001", "0.000000000000000001"},
		{"1.30", "1.3"},
		{"0", "0"},
	}
	for _, tc := range cases {
		v, err := ParseWAD(tc.in)
		if err != nil {
			t.Fatalf("ParseWAD(%q): %v", tc.in, err)
		}
		if got := FormatWAD(v); got != tc.want {
			t.Fatalf("FormatWAD(ParseWAD(%q)) = %s, want %s", tc.in, got, tc.want)
		}
	}
	if _, err := ParseWAD("1.0000000000000000001"); err == nil {
		t.Fatalf("expected error for 19 decimals")
	}
	if _, err := ParseWAD("abc"); err == nil {
		t.Fatalf("expected error for non numeric input")
	}
}

func TestHealthFactor(t *testing.T) {
	if got := HealthFactor(uint256.NewInt(10), new(uint256.Int)); !got.Eq(MaxHealthFactor()) {
		t.Fatalf("zero debt must report max health factor, got %s", got.Dec())
	}
	hf := HealthFactor(uint256.NewInt(780), uint256.NewInt(600))
	want, _ := ParseWAD("1.3")
	if !hf.Eq(want) {
		t.Fatalf("unexpected health factor %s", FormatWAD(hf))
	}
	if FormatWAD(MaxHealthFactor()) != "max" {
		t.Fatalf("max health factor should format as max")
	}
}

func TestTxLogCollectsRecords(t *testing.T) {
	log := &TxLog{}
	ctx := WithTxLog(context.Background(), log)
	RecordTx(ctx, "borrow", common.HexToHash("0x01"))
	RecordTx(context.Background(), "ignored", common.HexToHash("0x02"))

	records := log.Records()
	if len(records) != 1 || records[0].Operation != "borrow" {
		t.Fatalf("unexpected records: %+v", records)
	}
	if RateModeVariable.String() != "variable" {
		t.Fatalf("unexpected rate mode string %s", RateModeVariable)
	}
}
