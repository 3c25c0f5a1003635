package distcoord

import (
	"sync"

	"gonum.org/v1/gonum/stat"
)

// Scale is the autoscaling predictor's verdict for one evaluation.
type Scale int

const (
	ScaleHold Scale = iota
	ScaleUp
	ScaleDown
)

func (s Scale) String() string {
	switch s {
	case ScaleUp:
		return "ScaleUp"
	case ScaleDown:
		return "ScaleDown"
	default:
		return "Hold"
	}
}

// PredictorConfig tunes the exponential smoothing and watermark policy.
type PredictorConfig struct {
	Alpha          float64 // smoothing factor for S_t = alpha*X_t + (1-alpha)*S_{t-1}
	HighWatermark  float64
	MidWatermark   float64
	LowWatermark   float64
	SlopeThreshold float64
	WindowSize     int // samples retained for the regression slope
}

// DefaultPredictorConfig mirrors the watermark policy described for the
// autoscaling predictor: scale up on sustained high smoothed load or a
// rising trend while already above mid utilization; scale down on
// sustained low smoothed load with a flat-or-falling trend.
func DefaultPredictorConfig() PredictorConfig {
	return PredictorConfig{
		Alpha:          0.3,
		HighWatermark:  0.85,
		MidWatermark:   0.5,
		LowWatermark:   0.2,
		SlopeThreshold: 0.05,
		WindowSize:     20,
	}
}

// Predictor smooths a fleet-wide load signal and uses a linear
// regression slope over the recent window to detect trend, producing
// a scale verdict the coordinator's autoscaler acts on.
type Predictor struct {
	cfg PredictorConfig

	mu      sync.Mutex
	smoothed float64
	primed   bool
	samples  []float64 // ring buffer of recent raw utilization observations
}

// NewPredictor constructs a Predictor with the given configuration.
func NewPredictor(cfg PredictorConfig) *Predictor {
	if cfg.WindowSize < 2 {
		cfg.WindowSize = 2
	}
	return &Predictor{cfg: cfg}
}

// Observe feeds one utilization sample (0..1, or unbounded load ratio)
// and returns the updated smoothed value and the evaluated Scale verdict.
func (p *Predictor) Observe(utilization float64) (smoothed float64, verdict Scale) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.primed {
		p.smoothed = utilization
		p.primed = true
	} else {
		p.smoothed = p.cfg.Alpha*utilization + (1-p.cfg.Alpha)*p.smoothed
	}

	p.samples = append(p.samples, utilization)
	if len(p.samples) > p.cfg.WindowSize {
		p.samples = p.samples[len(p.samples)-p.cfg.WindowSize:]
	}

	slope := p.slopeLocked()

	switch {
	case p.smoothed > p.cfg.HighWatermark:
		return p.smoothed, ScaleUp
	case slope > p.cfg.SlopeThreshold && utilization > p.cfg.MidWatermark:
		return p.smoothed, ScaleUp
	case p.smoothed < p.cfg.LowWatermark && slope <= 0:
		return p.smoothed, ScaleDown
	default:
		return p.smoothed, ScaleHold
	}
}

// slopeLocked computes the least-squares slope of the recent samples
// against their index, a cheap linear trend estimator. Must be called
// with p.mu held.
func (p *Predictor) slopeLocked() float64 {
	n := len(p.samples)
	if n < 2 {
		return 0
	}
	xs := make([]float64, n)
	for i := range xs {
		xs[i] = float64(i)
	}
	_, beta := stat.LinearRegression(xs, p.samples, nil, false)
	return beta
}
