package codec

import (
	"fmt"
	"math"
	"strings"

	"footprint-systemv1/internal/model"
)

// volumeTolerance is the float tolerance for the volume and delta identities.
const volumeTolerance = 1e-8

// ValidationError lists every invariant a candle violated. A candle that
// fails validation is never written.
type ValidationError struct {
	Symbol   string
	OpenTime int64
	Rules    []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("codec: candle %s@%d failed validation: %s",
		e.Symbol, e.OpenTime, strings.Join(e.Rules, "; "))
}

// Validate checks the OHLC, volume, delta and grid-alignment invariants.
// Returns nil when the candle is writable, or a *ValidationError naming
// every violated rule.
func Validate(c *model.FootprintCandle) error {
	var rules []string

	if c.Low > c.Open || c.Open > c.High {
		rules = append(rules, fmt.Sprintf("open %v outside [low %v, high %v]", c.Open, c.Low, c.High))
	}
	if c.Low > c.Close || c.Close > c.High {
		rules = append(rules, fmt.Sprintf("close %v outside [low %v, high %v]", c.Close, c.Low, c.High))
	}
	if math.Abs(c.Volume-(c.BuyVolume+c.SellVolume)) >= volumeTolerance {
		rules = append(rules, fmt.Sprintf("volume %v != buy %v + sell %v", c.Volume, c.BuyVolume, c.SellVolume))
	}
	if math.Abs(c.Delta-(c.BuyVolume-c.SellVolume)) >= volumeTolerance {
		rules = append(rules, fmt.Sprintf("delta %v != buy %v - sell %v", c.Delta, c.BuyVolume, c.SellVolume))
	}

	ivMS := model.IntervalMS(c.Interval)
	if ivMS <= 0 {
		rules = append(rules, fmt.Sprintf("unknown interval %q", c.Interval))
	} else {
		if c.OpenTime%ivMS != 0 {
			rules = append(rules, fmt.Sprintf("open-time %d not aligned to %s grid", c.OpenTime, c.Interval))
		}
		if c.CloseTime != 0 && c.CloseTime-c.OpenTime != ivMS-1 {
			rules = append(rules, fmt.Sprintf("close-time %d != open-time + %d - 1", c.CloseTime, ivMS))
		}
	}

	if len(rules) == 0 {
		return nil
	}
	return &ValidationError{Symbol: c.Symbol, OpenTime: c.OpenTime, Rules: rules}
}
