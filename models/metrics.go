package models

import (
	"fmt"
	"time"
)

// Metric names emitted by the analytics engine. Volume band metrics are
// parameterized by side and band lower bound, see VolumeBandMetric.
const (
	MetricSpread         = "spread"
	MetricMidPrice       = "mid_price"
	MetricDepthImbalance = "depth_imbalance"
	MetricRealizedVol    = "realized_volatility"
	MetricRealizedVar    = "realized_variance"
)

// MetricSample is one point of an append-only time series. Samples are never
// mutated after creation, only superseded by later windows.
type MetricSample struct {
	Symbol    string    `json:"symbol" db:"symbol"`
	WindowEnd time.Time `json:"window_end" db:"window_end"`
	Metric    string    `json:"metric" db:"metric"`
	Value     float64   `json:"value" db:"value"`
}

// VolatilityEstimate is the realized-volatility variant of a metric sample.
// RealizedVariance is the sum of squared log mid-price returns across the
// window; Annualized scales it by the configured sampling frequency. An
// estimate is only produced when SampleCount meets the engine's minimum.
type VolatilityEstimate struct {
	Symbol           string    `json:"symbol" db:"symbol"`
	WindowStart      time.Time `json:"window_start" db:"window_start"`
	WindowEnd        time.Time `json:"window_end" db:"window_end"`
	RealizedVariance float64   `json:"realized_variance" db:"realized_variance"`
	Annualized       float64   `json:"annualized" db:"annualized"`
	SampleCount      int       `json:"sample_count" db:"sample_count"`
}

// VolumeBandMetric builds the metric name for one heatmap band, e.g.
// "volume_band:bid:27000". Lower is the band's lower price bound.
func VolumeBandMetric(side Side, lower float64) string {
	return fmt.Sprintf("volume_band:%s:%g", side, lower)
}
