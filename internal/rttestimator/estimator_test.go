package rttestimator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/nullbyte-dev/rudpxfer/internal/config"
)

func TestInitialRTO(t *testing.T) {
	e := New()
	assert.Equal(t, config.InitialEstRTT, e.EstRTT())
	assert.Equal(t, config.InitialDevRTT, e.DevRTT())
	// 160ms + 4*10ms = 200ms, within [RTOMin, RTOMax].
	assert.Equal(t, 200*time.Millisecond, e.RTO())
}

func TestSampleMovesEstimateTowardSample(t *testing.T) {
	e := New()
	before := e.EstRTT()

	e.Sample(500 * time.Millisecond)

	assert.Greater(t, e.EstRTT(), before)
	assert.Less(t, e.EstRTT(), 500*time.Millisecond)
}

func TestRTOClampsToMin(t *testing.T) {
	e := New()
	for i := 0; i < 50; i++ {
		e.Sample(1 * time.Millisecond)
	}
	assert.Equal(t, config.RTOMin, e.RTO())
}

func TestRTOClampsToMax(t *testing.T) {
	e := New()
	for i := 0; i < 50; i++ {
		e.Sample(5 * time.Second)
	}
	assert.Equal(t, config.RTOMax, e.RTO())
}
