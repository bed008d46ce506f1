// Package syncscore measures lip-sync quality by correlating the audio
// energy envelope against the mouth-open trajectory over a short window.
//
// The scorer slides the mouth series against the audio series across a
// bounded offset range and reports the best Pearson correlation, the offset
// it occurred at, and a confidence derived from how far the best peak stands
// above the runner-up. Silent windows are not scored.
package syncscore

import (
	"fmt"
	"math"
	"strconv"

	"github.com/Volpestyle/facestream/pkg/types"
)

// Params bound the offset search and the labeling thresholds. Zero fields
// are defaulted by [NormalizeParams].
type Params struct {
	// MaxOffsetMs bounds the search to [-MaxOffsetMs, +MaxOffsetMs].
	MaxOffsetMs float64

	// OffsetStepMs is the search granularity.
	OffsetStepMs float64

	// SilenceThreshold is the mean envelope energy below which the window
	// counts as silence.
	SilenceThreshold float64

	// LipWarn and LipFail are the score thresholds for the ok/warn/fail
	// labels.
	LipWarn float64
	LipFail float64
}

// NormalizeParams fills zero fields with the stock values.
func NormalizeParams(p Params) Params {
	if p.MaxOffsetMs <= 0 {
		p.MaxOffsetMs = 200
	}
	if p.OffsetStepMs <= 0 {
		p.OffsetStepMs = 20
	}
	if p.SilenceThreshold <= 0 {
		p.SilenceThreshold = 1e-3
	}
	if p.LipWarn <= 0 {
		p.LipWarn = 0.55
	}
	if p.LipFail <= 0 {
		p.LipFail = 0.45
	}
	return p
}

// minOverlap is the shortest aligned overlap worth correlating.
const minOverlap = 3

// confidenceMargin is the peak-over-runner-up margin that maps to full
// confidence.
const confidenceMargin = 0.25

// lowConfidence is the confidence below which a window is labeled unknown.
const lowConfidence = 0.15

// ScoreWindow correlates audioEnvelope against mouthOpen. Both series must
// be the same length and sampled every stepMs milliseconds.
func ScoreWindow(windowID string, audioEnvelope, mouthOpen []float64, stepMs float64, params Params) (types.LipSyncScore, error) {
	if windowID == "" {
		return types.LipSyncScore{}, fmt.Errorf("syncscore: window id is required")
	}
	if len(audioEnvelope) != len(mouthOpen) {
		return types.LipSyncScore{}, fmt.Errorf("syncscore: envelope length %d does not match mouth length %d",
			len(audioEnvelope), len(mouthOpen))
	}
	if stepMs <= 0 {
		return types.LipSyncScore{}, fmt.Errorf("syncscore: step must be positive; got %v", stepMs)
	}
	p := NormalizeParams(params)

	avgEnergy := mean(audioEnvelope)
	if avgEnergy < p.SilenceThreshold {
		return types.LipSyncScore{
			WindowID:   windowID,
			Label:      types.SyncSilence,
			Confidence: 0,
			Debug:      map[string]any{"avg_energy": avgEnergy},
		}, nil
	}

	maxShiftSteps := int(math.Round(p.MaxOffsetMs / stepMs))
	if maxShiftSteps < 1 {
		maxShiftSteps = 1
	}
	shiftStep := int(math.Round(p.OffsetStepMs / stepMs))
	if shiftStep < 1 {
		shiftStep = 1
	}

	corrByOffset := make(map[string]float64)
	bestCorr, bestShift := math.Inf(-1), 0
	secondCorr := math.Inf(-1)
	for shift := -maxShiftSteps; shift <= maxShiftSteps; shift += shiftStep {
		a, b := alignedOverlap(audioEnvelope, mouthOpen, shift)
		corr := pearson(a, b)
		corrByOffset[strconv.Itoa(int(math.Round(float64(shift)*stepMs)))] = corr
		if corr > bestCorr {
			secondCorr = bestCorr
			bestCorr, bestShift = corr, shift
		} else if corr > secondCorr {
			secondCorr = corr
		}
	}

	if math.IsInf(bestCorr, -1) {
		bestCorr = 0
	}
	if math.IsInf(secondCorr, -1) {
		secondCorr = 0
	}
	margin := bestCorr - secondCorr

	score := clamp01((bestCorr + 1) / 2)
	offsetMs := float64(bestShift) * stepMs
	confidence := clamp01(margin / confidenceMargin)

	var label types.SyncLabel
	switch {
	case confidence < lowConfidence:
		label = types.SyncUnknown
	case score >= p.LipWarn:
		label = types.SyncOK
	case score >= p.LipFail:
		label = types.SyncWarn
	default:
		label = types.SyncFail
	}

	return types.LipSyncScore{
		WindowID:   windowID,
		Score:      &score,
		OffsetMs:   &offsetMs,
		Confidence: confidence,
		Label:      label,
		Debug: map[string]any{
			"avg_energy":        avgEnergy,
			"best_corr":         bestCorr,
			"second_best_corr":  secondCorr,
			"margin":            margin,
			"step_ms":           stepMs,
			"corr_by_offset_ms": corrByOffset,
		},
	}, nil
}

// alignedOverlap returns the overlapping runs of a and b after sliding b by
// shift steps. Positive shift advances the mouth series; negative advances
// the audio series. Overlaps of fewer than three points are discarded.
func alignedOverlap(a, b []float64, shift int) ([]float64, []float64) {
	n := min(len(a), len(b))
	if n == 0 {
		return nil, nil
	}
	startA, startB, length := 0, 0, n
	if shift > 0 {
		startB = shift
		length = n - shift
	} else if shift < 0 {
		startA = -shift
		length = n + shift
	}
	if length < minOverlap {
		return nil, nil
	}
	return a[startA : startA+length], b[startB : startB+length]
}

// pearson computes the Pearson correlation of two equal-length series,
// returning 0 for short inputs or zero variance.
func pearson(a, b []float64) float64 {
	if len(a) != len(b) || len(a) < minOverlap {
		return 0
	}
	muA, muB := mean(a), mean(b)
	varA, varB := variance(a, muA), variance(b, muB)
	denom := math.Sqrt(varA * varB)
	if denom == 0 {
		return 0
	}
	cov := 0.0
	for i := range a {
		cov += (a[i] - muA) * (b[i] - muB)
	}
	cov /= float64(len(a))
	corr := cov / denom
	if math.IsNaN(corr) {
		return 0
	}
	return math.Max(-1, math.Min(1, corr))
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func variance(xs []float64, mu float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		d := x - mu
		sum += d * d
	}
	return sum / float64(len(xs))
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
