package oracle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"signalbot/internal/payment"
)

// DefaultLookupTimeout bounds one shared upstream price lookup.
const DefaultLookupTimeout = 10 * time.Second

var (
	ErrQuoteUnavailable = errors.New("quote unavailable")
	ErrPriceUnavailable = errors.New("price unavailable")
)

// PriceSource returns the fiat price of one native unit for a market pair.
type PriceSource interface {
	GetPrice(ctx context.Context, pair string) (decimal.Decimal, error)
}

// Pricing describes how a rail is quoted. An empty Pair means the rail is
// denominated in a fiat-pegged unit and quoted at par.
type Pricing struct {
	Pair      string
	Currency  string
	Precision int32
}

// DefaultPricing matches the production rails: ETH and SOL quoted against
// USDT to 8 decimals, Binance Pay settled in USDT to cents.
func DefaultPricing(ethPair, solPair, custodialCurrency string) map[payment.RailID]Pricing {
	return map[payment.RailID]Pricing{
		payment.RailEthereum:   {Pair: ethPair, Currency: "ETH", Precision: 8},
		payment.RailSolana:     {Pair: solPair, Currency: "SOL", Precision: 8},
		payment.RailBinancePay: {Currency: custodialCurrency, Precision: 2},
	}
}

// Oracle converts fiat amounts to rail-native amounts. Quotes are not cached.
type Oracle struct {
	source  PriceSource
	pricing map[payment.RailID]Pricing
	group   singleflight.Group
	now     func() time.Time

	lookupTimeout time.Duration
}

func New(source PriceSource, pricing map[payment.RailID]Pricing) *Oracle {
	return &Oracle{source: source, pricing: pricing, now: time.Now, lookupTimeout: DefaultLookupTimeout}
}

func (o *Oracle) Quote(ctx context.Context, rail payment.RailID, fiat decimal.Decimal) (payment.Quote, error) {
	p, ok := o.pricing[rail]
	if !ok {
		return payment.Quote{}, fmt.Errorf("%w: %s", payment.ErrUnknownRailID, rail)
	}

	unit := decimal.NewFromInt(1)
	if p.Pair != "" {
		price, err := o.price(ctx, p.Pair)
		if err != nil {
			return payment.Quote{}, fmt.Errorf("%w: %s: %v", ErrQuoteUnavailable, p.Pair, err)
		}
		if !price.IsPositive() {
			return payment.Quote{}, fmt.Errorf("%w: %s: non-positive price %s", ErrQuoteUnavailable, p.Pair, price)
		}
		unit = price
	}

	// extra digits so the ceiling is taken on the exact quotient
	native := fiat.DivRound(unit, p.Precision+8).RoundCeil(p.Precision)
	return payment.Quote{
		Rail:         rail,
		NativeAmount: native,
		FiatAmount:   fiat,
		Currency:     p.Currency,
		UnitPrice:    unit,
		QuotedAt:     o.now(),
	}, nil
}

// price collapses concurrent lookups of the same pair into one upstream call.
// The shared lookup runs detached from any single caller under its own
// deadline; each caller still stops waiting when its own ctx ends.
func (o *Oracle) price(ctx context.Context, pair string) (decimal.Decimal, error) {
	ch := o.group.DoChan(pair, func() (interface{}, error) {
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.lookupTimeout)
		defer cancel()
		return o.source.GetPrice(lookupCtx, pair)
	})
	select {
	case <-ctx.Done():
		return decimal.Decimal{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return decimal.Decimal{}, res.Err
		}
		return res.Val.(decimal.Decimal), nil
	}
}
