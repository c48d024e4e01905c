package venue

import (
	"math/rand"

	"github.com/shopspring/decimal"

	"github.com/quantrail/quantrail/internal/schema"
)

// FillPolicy selects the bar price a simulated market order executes at.
type FillPolicy string

const (
	// FillPolicyNextOpen fills market orders at the next bar's open. This is
	// the default: an order decided on bar N can never execute at a price the
	// strategy had already seen when deciding.
	FillPolicyNextOpen FillPolicy = "next_open"
	// FillPolicySameClose fills market orders at the close of the bar that
	// triggered the decision.
	FillPolicySameClose FillPolicy = "same_close"
)

// SlippageModel shifts execution prices to account for market impact.
type SlippageModel interface {
	Adjust(intent schema.OrderIntent, price decimal.Decimal) decimal.Decimal
}

// NoSlippage executes at the reference price.
type NoSlippage struct{}

// Adjust implements SlippageModel.
func (NoSlippage) Adjust(_ schema.OrderIntent, price decimal.Decimal) decimal.Decimal {
	return price
}

// BasisPointSlippage shifts the execution price by a fixed BPS amount against
// the order: buys pay more, sells receive less.
type BasisPointSlippage struct {
	BPS decimal.Decimal
}

// Adjust implements SlippageModel.
func (b BasisPointSlippage) Adjust(intent schema.OrderIntent, price decimal.Decimal) decimal.Decimal {
	if b.BPS.LessThanOrEqual(decimal.Zero) {
		return price
	}
	shift := price.Mul(b.BPS.Div(decimal.NewFromInt(10_000)))
	if intent.Side == schema.TradeSideSell {
		return price.Sub(shift)
	}
	return price.Add(shift)
}

// FeeModel evaluates trading fees for executed fills.
type FeeModel interface {
	Fee(intent schema.OrderIntent, fillQty, fillPrice decimal.Decimal) decimal.Decimal
}

// NoFee charges nothing.
type NoFee struct{}

// Fee implements FeeModel.
func (NoFee) Fee(schema.OrderIntent, decimal.Decimal, decimal.Decimal) decimal.Decimal {
	return decimal.Zero
}

// ProportionalFee applies maker/taker style percentage fees on notional.
type ProportionalFee struct {
	Rate decimal.Decimal
}

// Fee implements FeeModel.
func (p ProportionalFee) Fee(_ schema.OrderIntent, fillQty, fillPrice decimal.Decimal) decimal.Decimal {
	if p.Rate.LessThanOrEqual(decimal.Zero) || fillQty.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	return fillQty.Mul(fillPrice).Mul(p.Rate)
}

// LiquidityModel decides how much of the requested quantity executes on one
// matching opportunity. The remainder keeps resting.
type LiquidityModel interface {
	ExecutableQuantity(intent schema.OrderIntent, requested decimal.Decimal, evt *schema.Event) decimal.Decimal
}

// FullLiquidity always fills the full requested quantity.
type FullLiquidity struct{}

// ExecutableQuantity implements LiquidityModel.
func (FullLiquidity) ExecutableQuantity(_ schema.OrderIntent, requested decimal.Decimal, _ *schema.Event) decimal.Decimal {
	return requested
}

// VolumeShareLiquidity caps a single fill at a fraction of the bar's volume;
// tick events fill fully.
type VolumeShareLiquidity struct {
	Share decimal.Decimal
}

// ExecutableQuantity implements LiquidityModel.
func (v VolumeShareLiquidity) ExecutableQuantity(_ schema.OrderIntent, requested decimal.Decimal, evt *schema.Event) decimal.Decimal {
	if v.Share.LessThanOrEqual(decimal.Zero) || evt == nil || evt.Bar == nil {
		return requested
	}
	bound := evt.Bar.Volume.Mul(v.Share)
	if bound.IsPositive() && requested.GreaterThan(bound) {
		return bound
	}
	return requested
}

// RandomHaircutLiquidity fills a random fraction of the requested quantity
// drawn from a seeded source, so partial-fill behaviour stays reproducible.
type RandomHaircutLiquidity struct {
	// MinFraction bounds the haircut; a draw in [MinFraction, 1] scales the
	// requested quantity.
	MinFraction decimal.Decimal
	Rand        *rand.Rand
}

// NewRandomHaircutLiquidity seeds the model. The same seed always yields the
// same fill sequence.
func NewRandomHaircutLiquidity(minFraction decimal.Decimal, seed int64) *RandomHaircutLiquidity {
	return &RandomHaircutLiquidity{
		MinFraction: minFraction,
		Rand:        rand.New(rand.NewSource(seed)),
	}
}

// ExecutableQuantity implements LiquidityModel.
func (r *RandomHaircutLiquidity) ExecutableQuantity(_ schema.OrderIntent, requested decimal.Decimal, _ *schema.Event) decimal.Decimal {
	if r == nil || r.Rand == nil {
		return requested
	}
	minFrac := r.MinFraction
	if minFrac.LessThan(decimal.Zero) {
		minFrac = decimal.Zero
	}
	if minFrac.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return requested
	}
	span := decimal.NewFromInt(1).Sub(minFrac)
	fraction := minFrac.Add(span.Mul(decimal.NewFromFloat(r.Rand.Float64())))
	return requested.Mul(fraction)
}
