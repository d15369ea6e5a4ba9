package fees

import (
	"time"

	errorsmod "cosmossdk.io/errors"
	sdkmath "cosmossdk.io/math"

	fpmath "BatchVault/internal/math"
)

const codespace = "fees"

var (
	ErrFeeExceedsMaximum = errorsmod.Register(codespace, 2, "fee rate exceeds maximum")
	ErrInvalidTimestamp  = errorsmod.Register(codespace, 3, "invalid fee charge timestamp")
)

// MaxRateBps caps every configured rate at 100%.
const MaxRateBps = fpmath.BasisPoints

// Rates are the pool fee parameters, in basis points.
type Rates struct {
	ManagementFeeBps  uint32 `json:"management_fee_bps"`  // annual, prorated per second
	PerformanceFeeBps uint32 `json:"performance_fee_bps"` // share of profit above the watermark
	HurdleRateBps     uint32 `json:"hurdle_rate_bps"`
	HardHurdle        bool   `json:"hard_hurdle"`
}

// ValidateRates rejects any rate above 100%.
func ValidateRates(r Rates) error {
	if r.ManagementFeeBps > MaxRateBps {
		return errorsmod.Wrapf(ErrFeeExceedsMaximum, "management fee %d bps", r.ManagementFeeBps)
	}
	if r.PerformanceFeeBps > MaxRateBps {
		return errorsmod.Wrapf(ErrFeeExceedsMaximum, "performance fee %d bps", r.PerformanceFeeBps)
	}
	if r.HurdleRateBps > MaxRateBps {
		return errorsmod.Wrapf(ErrFeeExceedsMaximum, "hurdle rate %d bps", r.HurdleRateBps)
	}
	return nil
}

// ValidateChargeTime checks that next is neither earlier than the last
// recorded charge nor later than now.
func ValidateChargeTime(last, next, now time.Time) error {
	if next.Before(last) {
		return errorsmod.Wrapf(ErrInvalidTimestamp, "%s is before last charge %s",
			next.UTC().Format(time.RFC3339), last.UTC().Format(time.RFC3339))
	}
	if next.After(now) {
		return errorsmod.Wrapf(ErrInvalidTimestamp, "%s is in the future",
			next.UTC().Format(time.RFC3339))
	}
	return nil
}

// Input is everything Compute needs; it never reads state of its own.
type Input struct {
	TotalAssets                   sdkmath.Int // gross, as reported
	TotalSupply                   sdkmath.Int
	ElapsedSinceManagementCharge  time.Duration
	ElapsedSincePerformanceCharge time.Duration
	Watermark                     sdkmath.Int // Precision-scaled share price
	Rates                         Rates
}

// Result is the outcome of one fee computation.
type Result struct {
	ManagementFee  sdkmath.Int `json:"management_fee"`
	PerformanceFee sdkmath.Int `json:"performance_fee"`
	TotalFee       sdkmath.Int `json:"total_fee"`

	// NetSharePrice is the share price after the management fee, before the
	// performance fee; it is the figure compared against the watermark.
	NetSharePrice sdkmath.Int `json:"net_share_price"`

	// Profit is the gain above the assets held at the last high watermark.
	Profit sdkmath.Int `json:"profit"`

	// HurdleReturn is the principal-relative hurdle for this period.
	HurdleReturn sdkmath.Int `json:"hurdle_return"`

	NewHigh bool `json:"new_high"`
}

// ZeroResult is a Result with every amount set to zero.
func ZeroResult() Result {
	return Result{
		ManagementFee:  sdkmath.ZeroInt(),
		PerformanceFee: sdkmath.ZeroInt(),
		TotalFee:       sdkmath.ZeroInt(),
		NetSharePrice:  fpmath.Precision,
		Profit:         sdkmath.ZeroInt(),
		HurdleReturn:   sdkmath.ZeroInt(),
	}
}

// Compute derives the management and performance fee for a period.
//
// Management fee = assets * mgmtBps * elapsed / (SecondsPerYear * 10000),
// independent of profit. The performance basis is the NAV after the
// management fee. The performance fee is charged only on a new high of the
// net share price, and only once profit clears the hurdle:
//
//	hard hurdle: fee on (profit - hurdle), floored at zero
//	soft hurdle: fee on the whole profit once profit > hurdle
//
// The soft rule is discontinuous at the hurdle boundary.
func Compute(in Input) Result {
	assets := fpmath.OrZero(in.TotalAssets)
	supply := fpmath.OrZero(in.TotalSupply)
	watermark := fpmath.OrZero(in.Watermark)

	res := ZeroResult()
	res.ManagementFee = fpmath.ProrateAnnualBps(assets, in.Rates.ManagementFeeBps, seconds(in.ElapsedSinceManagementCharge))
	if res.ManagementFee.GT(assets) {
		res.ManagementFee = assets
	}

	netAssets := assets.Sub(res.ManagementFee)
	res.NetSharePrice = fpmath.PriceOf(netAssets, supply)

	if !supply.IsPositive() || res.NetSharePrice.LTE(watermark) {
		res.TotalFee = res.ManagementFee
		return res
	}
	res.NewHigh = true

	// assets the current supply was worth at the last high watermark
	base := fpmath.MulDiv(watermark, supply, fpmath.Precision, fpmath.RoundDown)
	res.Profit = fpmath.SubFloorZero(netAssets, base)
	res.HurdleReturn = fpmath.ApplyBps(base, in.Rates.HurdleRateBps)

	var taxable sdkmath.Int
	if in.Rates.HardHurdle {
		taxable = fpmath.SubFloorZero(res.Profit, res.HurdleReturn)
	} else if res.Profit.GT(res.HurdleReturn) {
		taxable = res.Profit
	} else {
		taxable = sdkmath.ZeroInt()
	}

	res.PerformanceFee = fpmath.ApplyBps(taxable, in.Rates.PerformanceFeeBps)
	res.TotalFee = res.ManagementFee.Add(res.PerformanceFee)
	return res
}

// NextWatermark returns max(watermark, netSharePrice).
func NextWatermark(watermark, netSharePrice sdkmath.Int) sdkmath.Int {
	return fpmath.MaxInt(fpmath.OrZero(watermark), fpmath.OrZero(netSharePrice))
}

func seconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64(d / time.Second)
}
