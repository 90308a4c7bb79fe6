// Package anomaly classifies sensor readings against a rolling per-channel baseline.
package anomaly

import (
	"math"
	"time"

	"github.com/ANIKETSHETTY47/edge-fleet-coordination/internal/domain"
)

const epsilon = 1e-9

// Config controls the baseline window and the z-score threshold.
type Config struct {
	WindowSize          int
	MinSamples          int
	ThresholdMultiplier float64
}

func DefaultConfig() Config {
	return Config{WindowSize: 50, MinSamples: 10, ThresholdMultiplier: 2.5}
}

// Detector keeps the baseline for one device channel. It is not safe for
// concurrent use; each device owns its detectors.
type Detector struct {
	channel domain.Channel
	cfg     Config
	window  []float64
	mean    float64
	std     float64
}

func NewDetector(channel domain.Channel, cfg Config) *Detector {
	def := DefaultConfig()
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = def.WindowSize
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = def.MinSamples
	}
	if cfg.MinSamples > cfg.WindowSize {
		cfg.MinSamples = cfg.WindowSize
	}
	if cfg.ThresholdMultiplier <= 0 {
		cfg.ThresholdMultiplier = def.ThresholdMultiplier
	}
	return &Detector{
		channel: channel,
		cfg:     cfg,
		window:  make([]float64, 0, cfg.WindowSize),
	}
}

func (d *Detector) Observe(value float64) domain.AnomalyResult {
	return d.ObserveAt(value, time.Now())
}

// ObserveAt scores value against the baseline built from earlier samples and
// then folds value into the baseline. Until the window holds MinSamples
// values (this one included) the result is a warm-up result with zero
// confidence.
func (d *Detector) ObserveAt(value float64, ts time.Time) domain.AnomalyResult {
	res := domain.AnomalyResult{
		Channel:   d.channel,
		Value:     value,
		Severity:  domain.SeverityLow,
		Timestamp: ts,
	}

	if len(d.window)+1 >= d.cfg.MinSamples && len(d.window) > 0 {
		mean, std := stats(d.window)
		z := math.Abs(value-mean) / math.Max(std, epsilon)
		if std < epsilon && math.Abs(value-mean) < epsilon {
			z = 0
		}
		t := d.cfg.ThresholdMultiplier
		res.ZScore = z
		res.BaselineMean = mean
		res.BaselineStdDev = std
		res.IsAnomaly = z > t
		res.Confidence = math.Min(z/t, 1.0)
		switch {
		case z > t*2:
			res.Severity = domain.SeverityCritical
		case z > t*1.5:
			res.Severity = domain.SeverityHigh
		case z > t:
			res.Severity = domain.SeverityMedium
		}
	}

	d.update(value)
	return res
}

// Baseline returns the current rolling mean and standard deviation and the
// number of samples behind them.
func (d *Detector) Baseline() (mean, std float64, samples int) {
	return d.mean, d.std, len(d.window)
}

func (d *Detector) Channel() domain.Channel { return d.channel }

func (d *Detector) update(value float64) {
	if len(d.window) == d.cfg.WindowSize {
		copy(d.window, d.window[1:])
		d.window = d.window[:len(d.window)-1]
	}
	d.window = append(d.window, value)
	if len(d.window) >= d.cfg.MinSamples {
		d.mean, d.std = stats(d.window)
	}
}

// stats returns the mean and population standard deviation of values.
func stats(values []float64) (float64, float64) {
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	var sq float64
	for _, v := range values {
		sq += (v - mean) * (v - mean)
	}
	return mean, math.Sqrt(sq / float64(len(values)))
}
