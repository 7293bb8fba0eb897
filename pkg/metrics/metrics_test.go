package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestStatusClass(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{0, "error"},
		{200, "2xx"},
		{204, "2xx"},
		{301, "3xx"},
		{429, "4xx"},
		{503, "5xx"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusClass(tt.status))
	}
}

func TestOutcome(t *testing.T) {
	assert.Equal(t, "ok", Outcome(nil))
	assert.Equal(t, "error", Outcome(errors.New("boom")))
}

func TestCountersIncrement(t *testing.T) {
	before := testutil.ToFloat64(PacketsTotal.WithLabelValues(DirectionIn))
	PacketsTotal.WithLabelValues(DirectionIn).Add(3)
	assert.Equal(t, before+3, testutil.ToFloat64(PacketsTotal.WithLabelValues(DirectionIn)))

	QueueDepth.Set(4)
	assert.Equal(t, float64(4), testutil.ToFloat64(QueueDepth))
}

func TestTimer(t *testing.T) {
	timer := NewTimer("op")
	time.Sleep(2 * time.Millisecond)
	assert.Equal(t, "op", timer.Name())
	assert.GreaterOrEqual(t, timer.Stop(), 2*time.Millisecond)
}
