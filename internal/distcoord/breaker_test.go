package distcoord

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCircuitBreakerTripsOnFailureRate(t *testing.T) {
	cb := NewCircuitBreaker(time.Second, 4, 4, 0.5, 50*time.Millisecond, 2)

	assert.True(t, cb.Allow())
	cb.RecordResult(true)
	cb.RecordResult(false)
	cb.RecordResult(false)
	cb.RecordResult(false)

	assert.Equal(t, "OPEN", cb.State())
	assert.False(t, cb.Allow())
}

func TestCircuitBreakerHalfOpenRecovers(t *testing.T) {
	cb := NewCircuitBreaker(time.Second, 4, 2, 0.5, 10*time.Millisecond, 2)
	cb.RecordResult(false)
	cb.RecordResult(false)
	assert.Equal(t, "OPEN", cb.State())

	time.Sleep(20 * time.Millisecond)
	assert.True(t, cb.Allow()) // admits first probe, transitions to HALF_OPEN
	assert.Equal(t, "HALF_OPEN", cb.State())

	cb.RecordResult(true)
	assert.True(t, cb.Allow()) // second probe
	cb.RecordResult(true)

	assert.Equal(t, "CLOSED", cb.State())
}

func TestCircuitBreakerHalfOpenReopensOnFailure(t *testing.T) {
	cb := NewCircuitBreaker(time.Second, 4, 2, 0.5, 10*time.Millisecond, 2)
	cb.RecordResult(false)
	cb.RecordResult(false)
	time.Sleep(20 * time.Millisecond)

	assert.True(t, cb.Allow())
	cb.RecordResult(false)
	assert.Equal(t, "OPEN", cb.State())
}

func TestCircuitBreakerStaysClosedBelowMinSamples(t *testing.T) {
	cb := NewCircuitBreaker(time.Second, 4, 10, 0.1, time.Second, 1)
	cb.RecordResult(false)
	cb.RecordResult(false)
	assert.Equal(t, "CLOSED", cb.State())
}
