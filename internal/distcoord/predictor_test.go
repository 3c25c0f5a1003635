package distcoord

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPredictorScalesUpOnHighSmoothedLoad(t *testing.T) {
	p := NewPredictor(DefaultPredictorConfig())
	var verdict Scale
	for i := 0; i < 10; i++ {
		_, verdict = p.Observe(0.95)
	}
	assert.Equal(t, ScaleUp, verdict)
}

func TestPredictorScalesDownOnSustainedLowLoad(t *testing.T) {
	p := NewPredictor(DefaultPredictorConfig())
	var verdict Scale
	for i := 0; i < 10; i++ {
		_, verdict = p.Observe(0.05)
	}
	assert.Equal(t, ScaleDown, verdict)
}

func TestPredictorHoldsAtMidLoadWithFlatTrend(t *testing.T) {
	p := NewPredictor(DefaultPredictorConfig())
	var verdict Scale
	for i := 0; i < 10; i++ {
		_, verdict = p.Observe(0.5)
	}
	assert.Equal(t, ScaleHold, verdict)
}

func TestPredictorScalesUpOnRisingTrend(t *testing.T) {
	cfg := DefaultPredictorConfig()
	cfg.HighWatermark = 2.0 // keep the absolute-level branch from firing
	p := NewPredictor(cfg)

	var verdict Scale
	load := 0.55
	for i := 0; i < cfg.WindowSize; i++ {
		_, verdict = p.Observe(load)
		load += 0.06
	}
	assert.Equal(t, ScaleUp, verdict)
}

func TestPredictorFirstObservationPrimesSmoothed(t *testing.T) {
	p := NewPredictor(DefaultPredictorConfig())
	smoothed, _ := p.Observe(0.4)
	assert.InDelta(t, 0.4, smoothed, 1e-9)
}
