// Package models provides the data structures and position state management
// for the perpetual-futures trading core.
package models

import (
	"fmt"
	"time"
)

// Timeframe identifies a candle aggregation period.
type Timeframe string

const (
	// Timeframe15m is the execution timeframe.
	Timeframe15m Timeframe = "15m"
	// Timeframe1h is the filter timeframe (ADX/ATR).
	Timeframe1h Timeframe = "1h"
	// Timeframe4h is the decision timeframe (structure detection).
	Timeframe4h Timeframe = "4h"
	// Timeframe1d is the bias timeframe (EMA200).
	Timeframe1d Timeframe = "1d"
)

// Duration returns the candle period as a time.Duration.
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case Timeframe15m:
		return 15 * time.Minute
	case Timeframe1h:
		return time.Hour
	case Timeframe4h:
		return 4 * time.Hour
	case Timeframe1d:
		return 24 * time.Hour
	default:
		return 0
	}
}

// Candle is an immutable OHLCV record. It deliberately carries no data-source
// field: the signal path must not be able to tell futures candles from spot.
type Candle struct {
	Timestamp time.Time `json:"timestamp"`
	Symbol    string    `json:"symbol"`
	Timeframe Timeframe `json:"timeframe"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Validate checks the OHLC ordering invariant and that the timestamp is
// timezone-aware UTC.
func (c Candle) Validate() error {
	if c.Timestamp.IsZero() {
		return fmt.Errorf("candle %s: zero timestamp", c.Symbol)
	}
	if c.Timestamp.Location() != time.UTC {
		return fmt.Errorf("candle %s @ %s: timestamp not UTC", c.Symbol, c.Timestamp)
	}
	lo, hi := c.Open, c.Open
	if c.Close < lo {
		lo = c.Close
	}
	if c.Close > hi {
		hi = c.Close
	}
	if c.Low > lo || hi > c.High {
		return fmt.Errorf("candle %s @ %s: OHLC out of order (o=%.8f h=%.8f l=%.8f c=%.8f)",
			c.Symbol, c.Timestamp, c.Open, c.High, c.Low, c.Close)
	}
	return nil
}

// Range returns high minus low.
func (c Candle) Range() float64 {
	return c.High - c.Low
}

// Body returns the absolute open-to-close distance.
func (c Candle) Body() float64 {
	if c.Close >= c.Open {
		return c.Close - c.Open
	}
	return c.Open - c.Close
}

// Bullish reports whether the candle closed above its open.
func (c Candle) Bullish() bool { return c.Close > c.Open }

// Bearish reports whether the candle closed below its open.
func (c Candle) Bearish() bool { return c.Close < c.Open }
