// Package viseme converts timed phoneme sequences into merged viseme
// timelines for mouth-shape conditioning.
//
// Phonemes use ARPAbet-style symbols; trailing stress digits are ignored and
// lookups are case-insensitive. Adjacent events that share a viseme and
// touch or overlap are merged with duration-weighted confidence.
package viseme

import (
	"fmt"
	"math"
	"strings"

	"github.com/Volpestyle/facestream/pkg/types"
)

// Silence is the closed-mouth viseme.
const Silence = "SIL"

// Normalized lists the full normalised viseme alphabet.
var Normalized = []string{
	Silence,
	"AA", "AE", "AH", "AO", "EH", "ER", "IH", "IY", "OW", "UH", "UW",
	"BMP", "FV", "L", "WQ", "CHJSH", "TH", "TDK", "S",
}

// phonemeMap translates normalised phonemes to viseme ids. Anything absent
// maps to SIL.
var phonemeMap = map[string]string{
	"AA": "AA",
	"AE": "AE",
	"AH": "AH",
	"AO": "AO",
	"EH": "EH",
	"ER": "ER",
	"IH": "IH",
	"IY": "IY",
	"OW": "OW", "OY": "OW",
	"UH": "UH",
	"UW": "UW",
	"B": "BMP", "M": "BMP", "P": "BMP",
	"F": "FV", "V": "FV",
	"L": "L",
	"W": "WQ", "Q": "WQ",
	"CH": "CHJSH", "JH": "CHJSH", "SH": "CHJSH", "ZH": "CHJSH",
	"TH": "TH", "DH": "TH",
	"T": "TDK", "D": "TDK", "K": "TDK", "G": "TDK",
	"S": "S", "Z": "S",
	"R": "ER",
	"Y": "IY",
}

// NormalizePhoneme upper-cases p and strips trailing stress digits.
func NormalizePhoneme(p string) string {
	return strings.TrimRight(strings.ToUpper(strings.TrimSpace(p)), "012")
}

// PhonemeToVisemeID maps a phoneme to its viseme. Unknown, empty, and
// silence markers (SIL, SP, SPN) all map to SIL.
func PhonemeToVisemeID(phoneme string) string {
	p := NormalizePhoneme(phoneme)
	if p == "" || p == "SIL" || p == "SP" || p == "SPN" {
		return Silence
	}
	if v, ok := phonemeMap[p]; ok {
		return v
	}
	return Silence
}

// MergeAdjacent collapses runs of touching or overlapping events that share
// a viseme id. The merged event spans both intervals and carries the
// duration-weighted average confidence. Merging is idempotent.
func MergeAdjacent(events []types.VisemeEvent) []types.VisemeEvent {
	merged := make([]types.VisemeEvent, 0, len(events))
	for _, ev := range events {
		if len(merged) == 0 {
			merged = append(merged, ev)
			continue
		}
		prev := &merged[len(merged)-1]
		if prev.VisemeID == ev.VisemeID && ev.StartMs <= prev.EndMs {
			prevDur := prev.EndMs - prev.StartMs
			evDur := ev.EndMs - ev.StartMs
			total := max(1, prevDur+evDur)
			prev.Confidence = prev.Confidence*float64(prevDur)/float64(total) +
				ev.Confidence*float64(evDur)/float64(total)
			prev.EndMs = max(prev.EndMs, ev.EndMs)
			continue
		}
		merged = append(merged, ev)
	}
	return merged
}

// TimedPhoneme is one phoneme with its utterance-relative timing.
type TimedPhoneme struct {
	Phoneme string

	StartMs int64
	EndMs   int64

	// Confidence in [0, 1]; nil defaults to 0.8.
	Confidence *float64
}

// defaultPhonemeConfidence is assumed when the aligner does not report one.
const defaultPhonemeConfidence = 0.8

// TimelineFromTimedPhonemes maps each phoneme to a viseme event and merges
// the result. An EndMs before StartMs collapses to a zero-length event at
// StartMs.
func TimelineFromTimedPhonemes(utteranceID string, phonemes []TimedPhoneme, language string, source types.TimelineSource) (types.VisemeTimeline, error) {
	if utteranceID == "" {
		return types.VisemeTimeline{}, fmt.Errorf("viseme: utterance id is required")
	}
	if source == "" {
		source = types.SourceTTSAlignment
	}
	events := make([]types.VisemeEvent, 0, len(phonemes))
	for _, p := range phonemes {
		end := p.EndMs
		if end < p.StartMs {
			end = p.StartMs
		}
		conf := defaultPhonemeConfidence
		if p.Confidence != nil {
			conf = *p.Confidence
		}
		events = append(events, types.VisemeEvent{
			StartMs:    p.StartMs,
			EndMs:      end,
			VisemeID:   PhonemeToVisemeID(p.Phoneme),
			Confidence: conf,
		})
	}
	return types.VisemeTimeline{
		UtteranceID: utteranceID,
		Language:    language,
		Source:      source,
		Visemes:     MergeAdjacent(events),
	}, nil
}

// HeuristicTimeline evenly subdivides totalDurationMs among visemeIDs,
// starting at startMs. confidence is clamped into [0, 1]; a negative value
// selects the heuristic default of 0.3.
func HeuristicTimeline(utteranceID string, visemeIDs []string, totalDurationMs float64, language string, startMs float64, confidence float64) (types.VisemeTimeline, error) {
	if utteranceID == "" {
		return types.VisemeTimeline{}, fmt.Errorf("viseme: utterance id is required")
	}
	if len(visemeIDs) == 0 {
		return types.VisemeTimeline{}, fmt.Errorf("viseme: viseme ids must be non-empty")
	}
	if totalDurationMs <= 0 {
		return types.VisemeTimeline{}, fmt.Errorf("viseme: duration must be positive; got %v", totalDurationMs)
	}
	if confidence < 0 {
		confidence = 0.3
	}
	conf := math.Max(0, math.Min(1, confidence))

	step := totalDurationMs / float64(len(visemeIDs))
	events := make([]types.VisemeEvent, 0, len(visemeIDs))
	for i, id := range visemeIDs {
		s := int64(math.Round(startMs + float64(i)*step))
		e := int64(math.Round(startMs + float64(i+1)*step))
		events = append(events, types.VisemeEvent{
			StartMs:    s,
			EndMs:      max(e, s),
			VisemeID:   id,
			Confidence: conf,
		})
	}
	return types.VisemeTimeline{
		UtteranceID: utteranceID,
		Language:    language,
		Source:      types.SourceHeuristic,
		Visemes:     MergeAdjacent(events),
	}, nil
}
