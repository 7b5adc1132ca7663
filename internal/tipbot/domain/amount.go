package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
	"tipbot.com/pkg/xerr"
)

// Precision 金额精度：8 位小数，1 聪
const Precision = 8

var (
	Satoshi         = decimal.New(1, -Precision)
	DefaultMaxValue = decimal.NewFromInt(1_000_000)
)

// Floor8 向下截断到 8 位小数
func Floor8(d decimal.Decimal) decimal.Decimal {
	return d.Truncate(Precision)
}

// ValidateAmount 正数、不小于 min、不超过 max(零值表示不限)、最多 8 位小数
func ValidateAmount(amount, min, max decimal.Decimal) error {
	if !amount.IsPositive() {
		return xerr.New(xerr.RequestParamsError, "amount must be positive")
	}
	if !amount.Equal(Floor8(amount)) {
		return xerr.New(xerr.RequestParamsError, "amount has more than 8 decimal places")
	}
	if min.IsPositive() && amount.LessThan(min) {
		return xerr.New(xerr.RequestParamsError, fmt.Sprintf("amount below minimum %s", min.String()))
	}
	if max.IsPositive() && amount.GreaterThan(max) {
		return xerr.New(xerr.RequestParamsError, fmt.Sprintf("amount above maximum %s", max.String()))
	}
	return nil
}

// ParseAmount 字符串金额，解析失败算参数错误
func ParseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, xerr.Wrap(err, xerr.RequestParamsError, "invalid amount")
	}
	return d, nil
}

// SplitLargestRemainder 把 total 按 n 份切分：每份先取 floor(total/n)，
// 剩下的聪按顺序给前面的人各 1 聪，合计严格等于 total
func SplitLargestRemainder(total decimal.Decimal, n int) []decimal.Decimal {
	if n <= 0 {
		return nil
	}
	count := decimal.NewFromInt(int64(n))
	base := Floor8(total.Div(count))
	left := total.Sub(base.Mul(count)).Div(Satoshi).IntPart()

	shares := make([]decimal.Decimal, n)
	for i := range shares {
		shares[i] = base
		if int64(i) < left {
			shares[i] = base.Add(Satoshi)
		}
	}
	return shares
}
