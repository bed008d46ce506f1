package planner

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/Volpestyle/facestream/pkg/types"
)

// ActorState is what the actor is doing during a timeline interval.
type ActorState string

const (
	StateListening ActorState = "listening"
	StateSpeaking  ActorState = "speaking"
)

// Segment is one prioritized run of speech. Priority 0 is highest; lower
// priorities are dropped first when the plan exceeds the budget.
type Segment struct {
	Priority int    `json:"priority"`
	Text     string `json:"text"`

	// EstSec is the estimated speaking time. Nil or negative values are
	// recomputed during clamping.
	EstSec *float64 `json:"est_sec,omitempty"`
}

// ActorEvent is one interval on the actor behaviour timeline.
type ActorEvent struct {
	T0        float64    `json:"t0"`
	T1        float64    `json:"t1"`
	State     ActorState `json:"state"`
	Emotion   string     `json:"emotion,omitempty"`
	Intensity float64    `json:"intensity"`
	GazeMode  string     `json:"gaze_mode,omitempty"`
	BlinkRate *float64   `json:"blink_rate,omitempty"`
}

// TurnPlan is the bounded speech plan for a single turn. The JSON shape is
// the wire format exchanged with planning models.
type TurnPlan struct {
	TargetSec     float64          `json:"speech_budget_sec_target"`
	HardcapSec    float64          `json:"speech_budget_sec_hardcap"`
	Segments      []Segment        `json:"speech_segments"`
	ActorTimeline []ActorEvent     `json:"actor_timeline"`
	CameraMode    types.CameraMode `json:"camera_mode_suggestion,omitempty"`
}

// ValidatePlan checks a candidate plan against the process budget and
// returns every problem found, not just the first. An empty slice means the
// plan is acceptable as-is.
func ValidatePlan(plan TurnPlan, budget Budget) []string {
	budget = NormalizeBudget(budget)
	var errs []string

	if math.IsNaN(plan.TargetSec) || math.IsInf(plan.TargetSec, 0) || plan.TargetSec <= 0 {
		errs = append(errs, "speech_budget_sec_target must be a positive number")
	}
	if plan.HardcapSec != budget.HardcapSec {
		errs = append(errs, fmt.Sprintf("speech_budget_sec_hardcap must be %g", budget.HardcapSec))
	}
	if !math.IsNaN(plan.TargetSec) && plan.TargetSec > plan.HardcapSec {
		errs = append(errs, "speech_budget_sec_target must be <= speech_budget_sec_hardcap")
	}

	if len(plan.Segments) == 0 {
		errs = append(errs, "speech_segments must be a non-empty array")
	}
	for i, seg := range plan.Segments {
		if seg.Priority < 0 {
			errs = append(errs, fmt.Sprintf("speech_segments[%d].priority must be an integer >= 0", i))
		}
		if strings.TrimSpace(seg.Text) == "" {
			errs = append(errs, fmt.Sprintf("speech_segments[%d].text must be a non-empty string", i))
		}
		if seg.EstSec != nil {
			if v := *seg.EstSec; math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
				errs = append(errs, fmt.Sprintf("speech_segments[%d].est_sec must be a non-negative number when present", i))
			}
		}
	}

	for i, ev := range plan.ActorTimeline {
		if ev.State != "" && ev.State != StateListening && ev.State != StateSpeaking {
			errs = append(errs, fmt.Sprintf("actor_timeline[%d].state must be 'listening' or 'speaking' when present", i))
		}
		if math.IsNaN(ev.Intensity) || math.IsInf(ev.Intensity, 0) {
			errs = append(errs, fmt.Sprintf("actor_timeline[%d].intensity must be a number when present", i))
		}
	}

	return errs
}

// PlanResult is the outcome of clamping a candidate plan.
type PlanResult struct {
	// ResponseText is the concatenation of the included segments.
	ResponseText string

	// Plan is the clamped plan. Segments after the first fit inside the
	// hardcap minus the tail buffer; the first segment is always kept,
	// even when it alone exceeds that window.
	Plan TurnPlan

	// Warnings lists the repairs made: an invalid target reset, a
	// recomputed segment estimate, a defaulted actor timeline and an
	// invalid camera mode. A missing camera mode and blank segment text
	// are filled in without a warning.
	Warnings []string
}

// ClampPlan repairs and bounds any candidate plan. Segments are taken in
// priority order until the next one would overflow the executable window or
// the cumulative estimate reaches the target; the first segment is always
// taken, whatever its length. Clamping never fails.
func ClampPlan(plan TurnPlan, budget Budget) PlanResult {
	budget = NormalizeBudget(budget)
	var warnings []string
	maxExec := budget.MaxExecSec()

	target := plan.TargetSec
	if math.IsNaN(target) || target <= 0 {
		target = budget.MinTargetSec
		warnings = append(warnings, "invalid target reset")
	}
	target = math.Min(maxExec, math.Max(1, target))

	segments := make([]Segment, len(plan.Segments))
	copy(segments, plan.Segments)
	sort.SliceStable(segments, func(i, j int) bool {
		return segments[i].Priority < segments[j].Priority
	})

	normalized := make([]Segment, 0, len(segments))
	for _, seg := range segments {
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			text = "..."
		}
		est := -1.0
		if seg.EstSec != nil {
			est = *seg.EstSec
		}
		if math.IsNaN(est) || est < 0 {
			est = EstimateSpeechSeconds(text, "en")
			warnings = append(warnings, "segment est_sec recomputed")
		}
		normalized = append(normalized, Segment{Priority: seg.Priority, Text: text, EstSec: &est})
	}

	var included []Segment
	cum := 0.0
	for _, seg := range normalized {
		segSec := *seg.EstSec
		if len(included) > 0 && cum+segSec > maxExec {
			break
		}
		included = append(included, seg)
		cum += segSec
		if cum >= target {
			break
		}
	}

	timeline := plan.ActorTimeline
	if len(timeline) == 0 {
		end := cum
		if end == 0 {
			end = target
		}
		timeline = []ActorEvent{{T0: 0, T1: end, State: StateSpeaking, Emotion: "neutral", Intensity: 0.3}}
		warnings = append(warnings, "actor_timeline defaulted")
	}

	cameraMode := plan.CameraMode
	if cameraMode == "" {
		cameraMode = types.CameraSelfie
	} else if !cameraMode.IsValid() {
		cameraMode = types.CameraSelfie
		warnings = append(warnings, "camera_mode clamped")
	}

	outTarget := cum
	if outTarget == 0 {
		outTarget = target
	}

	texts := make([]string, len(included))
	for i, seg := range included {
		texts[i] = seg.Text
	}

	return PlanResult{
		ResponseText: strings.Join(texts, " "),
		Plan: TurnPlan{
			TargetSec:     math.Min(outTarget, maxExec),
			HardcapSec:    budget.HardcapSec,
			Segments:      included,
			ActorTimeline: timeline,
			CameraMode:    cameraMode,
		},
		Warnings: warnings,
	}
}
