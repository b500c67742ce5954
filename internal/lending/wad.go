package lending

import (
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

// WAD 是 18 位小数的定点数单位，1e18 表示 1.0。
var WAD = uint256.NewInt(1_000_000_000_000_000_000)

// MaxHealthFactor 返回无负债账户的健康因子。
func MaxHealthFactor() *uint256.Int {
	return new(uint256.Int).SetAllOne()
}

// HealthFactor 计算 collateral*WAD/debt；debt 为零时返回最大值，溢出时截断为最大值。
func HealthFactor(weightedCollateral, debt *uint256.Int) *uint256.Int {
	if debt == nil || debt.IsZero() {
		return MaxHealthFactor()
	}
	if weightedCollateral == nil {
		return new(uint256.Int)
	}
	hf, overflow := new(uint256.Int).MulDivOverflow(weightedCollateral, WAD, debt)
	if overflow {
		return MaxHealthFactor()
	}
	return hf
}

// ParseAmount 解析十进制整数字符串。
func ParseAmount(raw string) (*uint256.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("amount is empty")
	}
	value, err := uint256.FromDecimal(raw)
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", raw, err)
	}
	return value, nil
}

// ParseWAD 解析形如 "1.6" 的小数并转换为 WAD 定点数，最多 18 位小数。
func ParseWAD(raw string) (*uint256.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("wad value is empty")
	}
	whole, frac, _ := strings.Cut(raw, ".")
	if len(frac) > 18 {
		return nil, fmt.Errorf("wad value %q has more than 18 decimals", raw)
	}
	if whole == "" {
		whole = "0"
	}
	digits := whole + frac + strings.Repeat("0", 18-len(frac))
	value, err := uint256.FromDecimal(strings.TrimLeft(digits, "0"))
	if err != nil {
		if strings.Trim(digits, "0") == "" {
			return new(uint256.Int), nil
		}
		return nil, fmt.Errorf("parse wad %q: %w", raw, err)
	}
	return value, nil
}

// FormatWAD 把 WAD 定点数格式化为小数字符串，最大值输出为 "max"。
func FormatWAD(value *uint256.Int) string {
	if value == nil {
		return "0"
	}
	if value.Eq(MaxHealthFactor()) {
		return "max"
	}
	quo, rem := new(uint256.Int).DivMod(value, WAD, new(uint256.Int))
	if rem.IsZero() {
		return quo.Dec()
	}
	frac := fmt.Sprintf("%018s", rem.Dec())
	return quo.Dec() + "." + strings.TrimRight(frac, "0")
}

// ValueOf 计算 amount*price/WAD，用于把代币数量折算为基准货币价值。
func ValueOf(amount, price *uint256.Int) (*uint256.Int, bool) {
	return new(uint256.Int).MulDivOverflow(amount, price, WAD)
}
