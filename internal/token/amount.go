package token

import (
	"fmt"
	"math/big"
	"strings"
)

// Decimals is the precision of every amount the package formats
const Decimals = 18

var unit = new(big.Int).Exp(big.NewInt(10), big.NewInt(Decimals), nil)

// Ether returns n whole tokens in base units
func Ether(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), unit)
}

// FormatAmount renders base units as a decimal token amount with at most
// four fractional digits, truncated.
func FormatAmount(amount *big.Int) string {
	if amount == nil {
		return "0"
	}

	sign := ""
	abs := new(big.Int).Abs(amount)
	if amount.Sign() < 0 {
		sign = "-"
	}
	whole, frac := new(big.Int).QuoRem(abs, unit, new(big.Int))

	fracStr := fmt.Sprintf("%018s", frac.String())
	if len(fracStr) > 4 {
		fracStr = fracStr[:4]
	}
	fracStr = strings.TrimRight(fracStr, "0")

	if fracStr == "" {
		return sign + whole.String()
	}
	return sign + whole.String() + "." + fracStr
}

// ParseAmount parses a non-negative decimal token amount into base units.
// Digits beyond 18 decimals are rejected.
func ParseAmount(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return nil, fmt.Errorf("invalid amount: %q", s)
	}

	wholeStr, fracStr, hasFrac := strings.Cut(s, ".")
	if wholeStr == "" {
		wholeStr = "0"
	}
	whole, ok := new(big.Int).SetString(wholeStr, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount: %q", s)
	}
	result := new(big.Int).Mul(whole, unit)

	if hasFrac {
		if fracStr == "" || len(fracStr) > Decimals || strings.Trim(fracStr, "0123456789") != "" {
			return nil, fmt.Errorf("invalid decimal part in %q", s)
		}
		fracStr += strings.Repeat("0", Decimals-len(fracStr))
		frac, ok := new(big.Int).SetString(fracStr, 10)
		if !ok {
			return nil, fmt.Errorf("invalid decimal part in %q", s)
		}
		result.Add(result, frac)
	}
	return result, nil
}

// ParseBaseUnits accepts either a token amount ("1.5") or raw base units
// with a "wei:" prefix ("wei:1500000000000000000").
func ParseBaseUnits(s string) (*big.Int, error) {
	if raw, ok := strings.CutPrefix(strings.TrimSpace(s), "wei:"); ok {
		v, ok := new(big.Int).SetString(raw, 10)
		if !ok || v.Sign() < 0 {
			return nil, fmt.Errorf("invalid base units: %q", s)
		}
		return v, nil
	}
	return ParseAmount(s)
}
