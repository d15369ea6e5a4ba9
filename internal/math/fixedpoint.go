package math

import (
	"math/big"
	"sync"

	sdkmath "cosmossdk.io/math"
	"github.com/shopspring/decimal"
)

const (
	// PrecisionDecimals is the number of decimals carried by share prices.
	PrecisionDecimals = 18

	// BasisPoints is 100% expressed in basis points.
	BasisPoints = 10_000

	// SecondsPerYear is the proration base for annual rates (365 days).
	SecondsPerYear = 365 * 24 * 60 * 60
)

var (
	// Precision is the fixed-point scale of a share price: 1.0 == 1e18.
	Precision = sdkmath.NewIntWithDecimal(1, PrecisionDecimals)

	bpsInt  = sdkmath.NewInt(BasisPoints)
	yearBps = sdkmath.NewInt(SecondsPerYear).Mul(bpsInt)
)

type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // Banker's rounding
	RoundDown
	RoundUp
)

// Intermediates are pooled; amounts can be 1e30+ once multiplied by Precision.
var bigPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getBig() *big.Int {
	return bigPool.Get().(*big.Int)
}

func putBig(v *big.Int) {
	v.SetInt64(0)
	bigPool.Put(v)
}

// MulDiv computes x * y / denom with the given rounding. Inputs must be
// non-negative and denom must be positive.
func MulDiv(x, y, denom sdkmath.Int, mode RoundingMode) sdkmath.Int {
	if denom.IsNil() || denom.IsZero() {
		panic("math: MulDiv by zero")
	}

	product := getBig()
	quotient := getBig()
	remainder := getBig()
	defer func() {
		putBig(product)
		putBig(quotient)
		putBig(remainder)
	}()

	product.Mul(bigOf(x), bigOf(y))
	d := denom.BigIntMut()
	quotient.QuoRem(product, d, remainder)

	if remainder.Sign() != 0 {
		switch mode {
		case RoundUp:
			quotient.Add(quotient, big.NewInt(1))
		case RoundHalfEven:
			// compare 2*remainder against denom
			twice := getBig()
			twice.Lsh(remainder, 1)
			cmp := twice.Cmp(d)
			putBig(twice)
			if cmp > 0 || (cmp == 0 && quotient.Bit(0) == 1) {
				quotient.Add(quotient, big.NewInt(1))
			}
		}
	}

	return sdkmath.NewIntFromBigInt(quotient)
}

func bigOf(v sdkmath.Int) *big.Int {
	if v.IsNil() {
		return new(big.Int)
	}
	return v.BigIntMut()
}

// OrZero replaces a nil Int (the zero value of the type) with 0.
func OrZero(v sdkmath.Int) sdkmath.Int {
	if v.IsNil() {
		return sdkmath.ZeroInt()
	}
	return v
}

// ApplyBps returns amount * bps / 10000, rounded down.
func ApplyBps(amount sdkmath.Int, bps uint32) sdkmath.Int {
	if bps == 0 || amount.IsZero() {
		return sdkmath.ZeroInt()
	}
	return MulDiv(amount, sdkmath.NewInt(int64(bps)), bpsInt, RoundDown)
}

// ProrateAnnualBps returns amount * bps * elapsedSeconds / (SecondsPerYear * 10000),
// rounded down.
func ProrateAnnualBps(amount sdkmath.Int, bps uint32, elapsedSeconds int64) sdkmath.Int {
	if bps == 0 || elapsedSeconds <= 0 || amount.IsZero() {
		return sdkmath.ZeroInt()
	}
	rate := sdkmath.NewInt(int64(bps)).Mul(sdkmath.NewInt(elapsedSeconds))
	return MulDiv(amount, rate, yearBps, RoundDown)
}

// PriceOf returns assets * Precision / supply, or Precision (1:1) when the
// supply is zero.
func PriceOf(assets, supply sdkmath.Int) sdkmath.Int {
	if !supply.IsPositive() {
		return Precision
	}
	return MulDiv(assets, Precision, supply, RoundDown)
}

// SharesForAssets converts assets to shares at price, rounding down.
func SharesForAssets(assets, price sdkmath.Int) sdkmath.Int {
	if !price.IsPositive() {
		return sdkmath.ZeroInt()
	}
	return MulDiv(assets, Precision, price, RoundDown)
}

// AssetsForShares converts shares to assets at price, rounding down.
func AssetsForShares(shares, price sdkmath.Int) sdkmath.Int {
	return MulDiv(shares, price, Precision, RoundDown)
}

// MaxInt returns the larger of a and b.
func MaxInt(a, b sdkmath.Int) sdkmath.Int {
	if a.GT(b) {
		return a
	}
	return b
}

// SubFloorZero returns a - b, floored at zero.
func SubFloorZero(a, b sdkmath.Int) sdkmath.Int {
	if b.GTE(a) {
		return sdkmath.ZeroInt()
	}
	return a.Sub(b)
}

// ToDecimal renders a fixed-point integer with the given number of decimals.
func ToDecimal(v sdkmath.Int, decimals int32) decimal.Decimal {
	if v.IsNil() {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v.BigInt(), -decimals)
}

// PriceToDecimal renders a Precision-scaled price.
func PriceToDecimal(price sdkmath.Int) decimal.Decimal {
	return ToDecimal(price, PrecisionDecimals)
}

// ParseAmount parses a base-10 integer amount.
func ParseAmount(s string) (sdkmath.Int, bool) {
	if s == "" {
		return sdkmath.ZeroInt(), true
	}
	return sdkmath.NewIntFromString(s)
}
