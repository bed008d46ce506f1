// Package planner turns a user message and a persona style into a bounded,
// prioritized speech plan for one turn.
//
// The planner estimates speaking time from word counts and punctuation
// pauses, packs sentences into prioritized segments, and clamps any
// candidate plan — heuristic or model-produced — into the process budget.
// Clamping never fails; every repaired field is reported as a warning.
package planner

import (
	"math"
	"regexp"
	"strings"

	"github.com/Volpestyle/facestream/pkg/types"
)

// Speech estimation constants.
const (
	// WordsPerMinuteEnglish and WordsPerMinuteOther are the assumed
	// speaking rates.
	WordsPerMinuteEnglish = 150
	WordsPerMinuteOther   = 140

	// Pause contributions per punctuation occurrence, in seconds.
	PausePerCommaSec    = 0.18
	PausePerSentenceSec = 0.38
	PausePerNewlineSec  = 0.5
)

// Segmentation limits.
const (
	// MaxSegmentWords is the greedy packing limit per segment.
	MaxSegmentWords = 28

	// MaxSegments caps how many segments a plan may carry.
	MaxSegments = 8
)

var (
	sentenceEndRe = regexp.MustCompile(`[.!?](\s|$)`)
	newlineRunRe  = regexp.MustCompile(`\n+`)
	whitespaceRe  = regexp.MustCompile(`\s+`)
)

// EstimateSpeechSeconds predicts how long text takes to speak: word count at
// the language's speaking rate plus pause terms for commas, sentence
// terminators, and newline runs. Empty text estimates 0.
func EstimateSpeechSeconds(text, language string) float64 {
	cleaned := strings.TrimSpace(text)
	if cleaned == "" {
		return 0
	}
	wpm := float64(WordsPerMinuteEnglish)
	if language != "" && language != "en" {
		wpm = WordsPerMinuteOther
	}

	words := 0
	for _, w := range whitespaceRe.Split(cleaned, -1) {
		if w != "" {
			words++
		}
	}
	core := float64(words) / math.Max(1e-6, wpm/60)

	commas := strings.Count(cleaned, ",")
	sentences := len(sentenceEndRe.FindAllString(cleaned, -1))
	newlines := len(newlineRunRe.FindAllString(cleaned, -1))
	pauses := float64(commas)*PausePerCommaSec +
		float64(sentences)*PausePerSentenceSec +
		float64(newlines)*PausePerNewlineSec

	return math.Max(0, core+pauses)
}

// SplitSentences breaks text after each sentence terminator. A trailing
// fragment without a terminator becomes its own sentence.
func SplitSentences(text string) []string {
	cleaned := strings.TrimSpace(text)
	if cleaned == "" {
		return nil
	}
	var out []string
	var buf strings.Builder
	for _, ch := range cleaned {
		buf.WriteRune(ch)
		if ch == '.' || ch == '!' || ch == '?' {
			if s := strings.TrimSpace(buf.String()); s != "" {
				out = append(out, s)
			}
			buf.Reset()
		}
	}
	if s := strings.TrimSpace(buf.String()); s != "" {
		out = append(out, s)
	}
	return out
}

// SplitIntoSegments greedily packs sentences into segments of at most
// [MaxSegmentWords] words, capped at [MaxSegments] segments.
func SplitIntoSegments(text string) []string {
	var segments []string
	current := ""
	currentWords := 0
	for _, sentence := range SplitSentences(text) {
		if len(segments) >= MaxSegments {
			break
		}
		count := len(strings.Fields(sentence))
		if current == "" {
			current = sentence
			currentWords = count
			continue
		}
		if currentWords+count <= MaxSegmentWords {
			current = current + " " + sentence
			currentWords += count
		} else {
			segments = append(segments, current)
			current = sentence
			currentWords = count
		}
	}
	if current != "" && len(segments) < MaxSegments {
		segments = append(segments, current)
	}
	return segments
}

// ChooseTargetSeconds picks the turn target for an estimated duration:
// zero estimates get the minimum target, very short estimates clamp up to at
// least one second, and everything else clamps into the default range.
func ChooseTargetSeconds(estimated float64, budget Budget) float64 {
	if estimated <= 0 {
		return budget.MinTargetSec
	}
	if estimated < budget.MinTargetSec {
		return math.Max(1, estimated)
	}
	return math.Min(budget.DefaultTargetMaxSec, math.Max(budget.DefaultTargetMinSec, estimated))
}

// HeuristicPlan builds a plan directly from response text without a model:
// segments from sentence packing, estimates from the speaking-rate model,
// and a stock listening-then-speaking actor timeline.
func HeuristicPlan(responseText string, cameraMode types.CameraMode, budget Budget) TurnPlan {
	budget = NormalizeBudget(budget)
	texts := SplitIntoSegments(responseText)
	segments := make([]Segment, 0, len(texts))
	totalEst := 0.0
	for i, text := range texts {
		est := EstimateSpeechSeconds(text, "en")
		segments = append(segments, Segment{Priority: i, Text: text, EstSec: &est})
		totalEst += est
	}
	target := ChooseTargetSeconds(totalEst, budget)

	if cameraMode == "" {
		cameraMode = types.CameraSelfie
	}
	listenBlink := 0.3
	speakBlink := 0.25
	return TurnPlan{
		TargetSec:  target,
		HardcapSec: budget.HardcapSec,
		Segments:   segments,
		ActorTimeline: []ActorEvent{
			{
				T0:        0,
				T1:        0.35,
				State:     StateListening,
				Emotion:   "neutral",
				Intensity: 0.2,
				GazeMode:  "to_camera",
				BlinkRate: &listenBlink,
			},
			{
				T0:        0.35,
				T1:        math.Min(target, budget.HardcapSec),
				State:     StateSpeaking,
				Emotion:   "friendly",
				Intensity: 0.55,
				GazeMode:  "to_camera",
				BlinkRate: &speakBlink,
			},
		},
		CameraMode: cameraMode,
	}
}
