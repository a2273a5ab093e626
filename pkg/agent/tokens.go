package agent

import (
	"sync"

	"github.com/Awfp1314/ue-toolkits-assistant/pkg/providers"
)

// TokenEstimator predicts prompt token counts from text. Fixed
// per-width-class weights seed the estimate; provider usage counters
// correct it over time through an EWMA ratio clamped to [0.5, 2.0].
type TokenEstimator struct {
	ratio float64
	mu    sync.RWMutex
}

func NewTokenEstimator() *TokenEstimator {
	return &TokenEstimator{ratio: 1.0}
}

const (
	minEstimate = 8
	ewmaAlpha   = 0.2
	minRatio    = 0.5
	maxRatio    = 2.0
)

// Estimate returns the calibrated token estimate for text. Narrow
// (ASCII) runes average 0.4 tokens, wide CJK runes a full token,
// everything else in between.
func (e *TokenEstimator) Estimate(text string) int {
	if text == "" {
		return 0
	}

	var weighted float64
	for _, r := range text {
		switch {
		case r < 128:
			weighted += 0.4
		case r >= 0x2E80:
			weighted += 1.0
		default:
			weighted += 0.5
		}
	}

	e.mu.RLock()
	ratio := e.ratio
	e.mu.RUnlock()

	estimate := int(weighted * ratio)
	if estimate < minEstimate {
		estimate = minEstimate
	}
	return estimate
}

// EstimateMessages sums message contents plus a small per-message
// envelope overhead.
func (e *TokenEstimator) EstimateMessages(messages []providers.Message) int {
	total := 0
	for _, msg := range messages {
		total += e.Estimate(msg.Content) + 4
		for _, tc := range msg.ToolCalls {
			total += e.Estimate(tc.Name) + 12
		}
	}
	return total
}

// Calibrate feeds back a provider-reported prompt token count against
// what was estimated for the same payload.
func (e *TokenEstimator) Calibrate(actual, estimated int) {
	if actual <= 0 || estimated <= 0 {
		return
	}
	observed := float64(actual) / float64(estimated)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.ratio = (1-ewmaAlpha)*e.ratio + ewmaAlpha*observed*e.ratio
	if e.ratio < minRatio {
		e.ratio = minRatio
	}
	if e.ratio > maxRatio {
		e.ratio = maxRatio
	}
}

// Ratio exposes the current calibration factor.
func (e *TokenEstimator) Ratio() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ratio
}
