package schema

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantrail/quantrail/errs"
)

// OrderType distinguishes market and limit orders.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// TimeInForce describes how long an order rests at the venue.
type TimeInForce string

const (
	// TimeInForceGTC rests until filled or cancelled.
	TimeInForceGTC TimeInForce = "GTC"
	// TimeInForceIOC fills what it can immediately and cancels the rest.
	TimeInForceIOC TimeInForce = "IOC"
)

// OrderIntent is an order decision issued by a strategy. Immutable once issued.
type OrderIntent struct {
	ClientOrderID string
	Symbol        string
	Side          TradeSide
	Type          OrderType
	Quantity      decimal.Decimal
	// LimitPrice is nil for market orders.
	LimitPrice  *decimal.Decimal
	TimeInForce TimeInForce
	IssuedAt    time.Time
}

// Validate checks the intent before it enters the pipeline.
func (o OrderIntent) Validate() error {
	if strings.TrimSpace(o.ClientOrderID) == "" {
		return errs.New("schema/intent", errs.KindData, errs.WithMessage("client order id required"))
	}
	if strings.TrimSpace(o.Symbol) == "" {
		return errs.New("schema/intent", errs.KindData, errs.WithOrderID(o.ClientOrderID), errs.WithMessage("intent symbol required"))
	}
	if err := o.Side.Validate(); err != nil {
		return err
	}
	if o.Quantity.LessThanOrEqual(decimal.Zero) {
		return errs.New("schema/intent", errs.KindData, errs.WithOrderID(o.ClientOrderID), errs.WithMessage("intent quantity must be positive"))
	}
	switch o.Type {
	case OrderTypeMarket:
		if o.LimitPrice != nil {
			return errs.New("schema/intent", errs.KindData, errs.WithOrderID(o.ClientOrderID), errs.WithMessage("market order carries a limit price"))
		}
	case OrderTypeLimit:
		if o.LimitPrice == nil || o.LimitPrice.LessThanOrEqual(decimal.Zero) {
			return errs.New("schema/intent", errs.KindData, errs.WithOrderID(o.ClientOrderID), errs.WithMessage("limit order requires a positive limit price"))
		}
	default:
		return errs.New("schema/intent", errs.KindData, errs.WithOrderID(o.ClientOrderID), errs.WithMessage("unknown order type "+string(o.Type)))
	}
	switch o.TimeInForce {
	case TimeInForceGTC, TimeInForceIOC, "":
	default:
		return errs.New("schema/intent", errs.KindData, errs.WithOrderID(o.ClientOrderID), errs.WithMessage("unknown time in force "+string(o.TimeInForce)))
	}
	return nil
}

// Fill is a confirmed (possibly partial) execution reported by a venue.
type Fill struct {
	// VenueFillID is assigned by the venue and deduplicates repeated
	// notifications of the same execution.
	VenueFillID   string
	ClientOrderID string
	Symbol        string
	Side          TradeSide
	Quantity      decimal.Decimal
	Price         decimal.Decimal
	Fee           decimal.Decimal
	Timestamp     time.Time
}

// Validate checks the fill before it reaches the ledger.
func (f Fill) Validate() error {
	if strings.TrimSpace(f.VenueFillID) == "" {
		return errs.New("schema/fill", errs.KindData, errs.WithOrderID(f.ClientOrderID), errs.WithMessage("venue fill id required"))
	}
	if strings.TrimSpace(f.ClientOrderID) == "" {
		return errs.New("schema/fill", errs.KindData, errs.WithMessage("fill missing client order id"))
	}
	if strings.TrimSpace(f.Symbol) == "" {
		return errs.New("schema/fill", errs.KindData, errs.WithOrderID(f.ClientOrderID), errs.WithMessage("fill symbol required"))
	}
	if err := f.Side.Validate(); err != nil {
		return err
	}
	if f.Quantity.LessThanOrEqual(decimal.Zero) {
		return errs.New("schema/fill", errs.KindData, errs.WithOrderID(f.ClientOrderID), errs.WithMessage("fill quantity must be positive"))
	}
	if f.Price.LessThanOrEqual(decimal.Zero) {
		return errs.New("schema/fill", errs.KindData, errs.WithOrderID(f.ClientOrderID), errs.WithMessage("fill price must be positive"))
	}
	if f.Fee.IsNegative() {
		return errs.New("schema/fill", errs.KindData, errs.WithOrderID(f.ClientOrderID), errs.WithMessage("fill fee negative"))
	}
	return nil
}

// RejectionReason is a coarse reason code carried on a risk rejection.
type RejectionReason string

const (
	RejectPositionSize RejectionReason = "position_size"
	RejectDrawdown     RejectionReason = "drawdown"
	RejectThrottle     RejectionReason = "throttle"
	RejectInvalid      RejectionReason = "invalid_intent"
)

// Rejection is delivered to the strategy when the risk gate blocks an intent.
// It is an observable outcome, not an error.
type Rejection struct {
	Intent    OrderIntent
	Reason    RejectionReason
	Detail    string
	Timestamp time.Time
}
