package venue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"

	"footprint-systemv1/internal/model"
)

const (
	// restSpacing is the minimum gap between aggTrades requests.
	restSpacing    = 100 * time.Millisecond
	restTimeout    = 10 * time.Second
	aggTradesLimit = 1000
)

// Recovery backfills trade-id gaps through the venue's aggregate-trades
// REST endpoint. Recovered trades are re-submitted by the orchestrator with
// urgent priority.
type Recovery struct {
	client *futures.Client

	mu       sync.Mutex
	lastCall time.Time

	rateLimited atomic.Int64

	OnRateLimited func()
}

// NewRecovery builds a recovery client. baseURL overrides the production
// REST endpoint when non-empty.
func NewRecovery(baseURL string) *Recovery {
	c := futures.NewClient("", "")
	if baseURL != "" {
		c.BaseURL = baseURL
	}
	return &Recovery{client: c}
}

// RateLimitHits returns how many requests were rejected with HTTP 429.
func (r *Recovery) RateLimitHits() int64 { return r.rateLimited.Load() }

// SyncMissingTrades fetches the aggregate trades strictly inside the
// exclusive gap (startID, endID), paging as needed. The current batch is
// aborted on a 429; the remaining gap stays recorded for a later attempt.
func (r *Recovery) SyncMissingTrades(ctx context.Context, symbol string, startID, endID int64) ([]*model.Trade, error) {
	if endID <= startID+1 {
		return nil, nil
	}

	var out []*model.Trade
	fromID := startID + 1
	for fromID < endID {
		r.throttle()

		reqCtx, cancel := context.WithTimeout(ctx, restTimeout)
		aggs, err := r.client.NewAggTradesService().
			Symbol(symbol).
			FromID(fromID).
			Limit(aggTradesLimit).
			Do(reqCtx)
		cancel()
		if err != nil {
			if isRateLimited(err) {
				r.rateLimited.Add(1)
				if r.OnRateLimited != nil {
					r.OnRateLimited()
				}
				log.Printf("[venue] aggTrades %s rate limited, aborting recovery batch", symbol)
				return out, fmt.Errorf("venue: aggTrades %s: rate limited: %w", symbol, err)
			}
			return out, fmt.Errorf("venue: aggTrades %s from %d: %w", symbol, fromID, err)
		}
		if len(aggs) == 0 {
			break
		}

		for _, a := range aggs {
			if a.AggTradeID >= endID {
				return out, nil
			}
			if a.AggTradeID < fromID {
				continue
			}
			t, err := aggToTrade(symbol, a)
			if err != nil {
				log.Printf("[venue] malformed recovered trade %s id=%d: %v", symbol, a.AggTradeID, err)
				continue
			}
			out = append(out, t)
		}
		fromID = aggs[len(aggs)-1].AggTradeID + 1
	}
	return out, nil
}

func aggToTrade(symbol string, a *futures.AggTrade) (*model.Trade, error) {
	price, err := strconv.ParseFloat(a.Price, 64)
	if err != nil {
		return nil, fmt.Errorf("price %q: %w", a.Price, err)
	}
	qty, err := strconv.ParseFloat(a.Quantity, 64)
	if err != nil {
		return nil, fmt.Errorf("quantity %q: %w", a.Quantity, err)
	}
	return &model.Trade{
		Venue:        model.VenueBinance,
		Symbol:       symbol,
		TradeID:      a.AggTradeID,
		EventTime:    a.Timestamp,
		TradeTime:    a.Timestamp,
		Price:        price,
		PriceStr:     a.Price,
		Quantity:     qty,
		IsBuyerMaker: a.IsBuyerMaker,
	}, nil
}

// throttle enforces the inter-request spacing.
func (r *Recovery) throttle() {
	r.mu.Lock()
	wait := restSpacing - time.Since(r.lastCall)
	if wait > 0 {
		r.mu.Unlock()
		time.Sleep(wait)
		r.mu.Lock()
	}
	r.lastCall = time.Now()
	r.mu.Unlock()
}

func isRateLimited(err error) bool {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		// -1003 TOO_MANY_REQUESTS; some proxies surface the raw status.
		return apiErr.Code == -1003 || apiErr.Code == 429
	}
	return false
}
