// Package signal derives bounded [0,100] market signals from vendor
// statistics. A missing upstream stat degrades the corresponding signal to
// nil, never to zero or a guessed default.
package signal

import (
	"math"

	"github.com/slabdeck/cardsync/internal/model"
)

// Scores holds the derived signals for one variant. Each score is
// independently nullable.
type Scores struct {
	Trend    *float64
	Breakout *float64
	Value    *float64
}

// Compute derives all three signals from vendor market stats. A nil stats
// struct yields all-nil scores.
func Compute(stats *model.MarketStats) Scores {
	if stats == nil {
		return Scores{}
	}
	return Scores{
		Trend:    Trend(stats.TrendSlope7d, stats.CovPrice30d),
		Breakout: Breakout(stats.TrendSlope7d, stats.PriceChangeCount30d, stats.PriceRelTo30dRange),
		Value:    Value(stats.PriceRelTo30dRange),
	}
}

// Trend is squash(trendSlope7d / covPrice30d, 10), nil when either input
// is missing or the coefficient of variation is zero.
func Trend(slope7d, cov30d *float64) *float64 {
	if slope7d == nil || cov30d == nil || *cov30d == 0 {
		return nil
	}
	return ptr(Squash(*slope7d / *cov30d, 10))
}

// Breakout is squash(slope · ln(1+changeCount) · (1−relRange), 0.25).
// changeCount defaults to 0 and relRange to 0.5 when missing, so the
// formula stays total whenever the slope itself is known.
func Breakout(slope7d, changeCount30d, relRange30d *float64) *float64 {
	if slope7d == nil {
		return nil
	}
	count := 0.0
	if changeCount30d != nil {
		count = *changeCount30d
	}
	rel := 0.5
	if relRange30d != nil {
		rel = *relRange30d
	}
	return ptr(Squash(*slope7d*math.Log(1+count)*(1-rel), 0.25))
}

// Value is (1 − priceRelativeTo30dRange)·100 rounded to one decimal and
// clamped to [0,100]; nil when the input is missing.
func Value(relRange30d *float64) *float64 {
	if relRange30d == nil {
		return nil
	}
	return ptr(clamp(round1((1 - *relRange30d) * 100)))
}

// Squash maps any finite x into [0,100] via a tanh curve centered at 50,
// rounded to one decimal place.
func Squash(x, k float64) float64 {
	return clamp(round1(50 + 50*math.Tanh(x/k)))
}

func round1(x float64) float64 {
	return math.Round(x*10) / 10
}

func clamp(x float64) float64 {
	switch {
	case x < 0 || math.IsNaN(x):
		return 0
	case x > 100:
		return 100
	default:
		return x
	}
}

func ptr(f float64) *float64 { return &f }
