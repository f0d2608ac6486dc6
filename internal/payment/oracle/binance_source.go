package oracle

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	"signalbot/internal/metrics"
)

// BinanceSource reads spot ticker prices through the public Binance API.
type BinanceSource struct {
	client *binance.Client
	cb     *gobreaker.CircuitBreaker
}

// NewBinanceSource builds a keyless spot client. baseURL overrides the API
// endpoint when non-empty; httpClient may carry a proxy transport.
func NewBinanceSource(baseURL string, httpClient *http.Client, log zerolog.Logger) *BinanceSource {
	client := binance.NewClient("", "")
	if baseURL != "" {
		client.BaseURL = baseURL
	}
	if httpClient != nil {
		client.HTTPClient = httpClient
	}
	return &BinanceSource{
		client: client,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "binance-spot-ticker",
			MaxRequests: 3,
			Interval:    5 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return counts.Requests >= 3 && failureRatio >= 0.6
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
			},
		}),
	}
}

func (s *BinanceSource) GetPrice(ctx context.Context, pair string) (decimal.Decimal, error) {
	start := time.Now()
	result, err := s.cb.Execute(func() (interface{}, error) {
		return s.client.NewListPricesService().Symbol(pair).Do(ctx)
	})
	metrics.ObserveUpstream("binance_spot", "ticker_price", time.Since(start).Seconds(), err)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %s: %v", ErrPriceUnavailable, pair, err)
	}

	for _, p := range result.([]*binance.SymbolPrice) {
		if p == nil || p.Symbol != pair {
			continue
		}
		price, err := decimal.NewFromString(p.Price)
		if err != nil {
			return decimal.Decimal{}, fmt.Errorf("%w: %s: bad price %q", ErrPriceUnavailable, pair, p.Price)
		}
		return price, nil
	}
	return decimal.Decimal{}, fmt.Errorf("%w: %s missing from ticker response", ErrPriceUnavailable, pair)
}
