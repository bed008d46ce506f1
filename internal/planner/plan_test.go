package planner

import (
	"math"
	"strings"
	"testing"

	"github.com/Volpestyle/facestream/pkg/types"
)

func floatPtr(v float64) *float64 { return &v }

func TestClampPlan_LongText(t *testing.T) {
	// 120 words of plain prose against the stock 10s hardcap with a 0.6s
	// tail buffer: included segments must fit in 9.4s.
	words := make([]string, 120)
	for i := range words {
		words[i] = "word"
	}
	text := ""
	for i := 0; i < 120; i += 10 {
		text += strings.Join(words[i:i+10], " ") + ". "
	}

	plan := HeuristicPlan(text, "", DefaultBudget())
	result := ClampPlan(plan, DefaultBudget())

	cum := 0.0
	for _, seg := range result.Plan.Segments {
		cum += *seg.EstSec
	}
	if cum > 9.4+1e-9 {
		t.Errorf("cumulative est = %v, want <= 9.4", cum)
	}
	if result.Plan.HardcapSec != 10 {
		t.Errorf("hardcap = %v, want 10", result.Plan.HardcapSec)
	}
	if len(result.Warnings) != 0 {
		t.Errorf("warnings = %v, want none", result.Warnings)
	}
	if result.Plan.CameraMode != types.CameraSelfie {
		t.Errorf("camera mode = %q, want A_SELFIE", result.Plan.CameraMode)
	}
	if result.Plan.TargetSec > DefaultBudget().MaxExecSec() {
		t.Errorf("target = %v exceeds max exec", result.Plan.TargetSec)
	}
}

func TestClampPlan_PriorityOrder(t *testing.T) {
	plan := TurnPlan{
		TargetSec:  6,
		HardcapSec: 10,
		Segments: []Segment{
			{Priority: 2, Text: "third", EstSec: floatPtr(2)},
			{Priority: 0, Text: "first", EstSec: floatPtr(2)},
			{Priority: 1, Text: "second", EstSec: floatPtr(2)},
		},
		ActorTimeline: []ActorEvent{{T0: 0, T1: 6, State: StateSpeaking, Intensity: 0.5}},
	}
	result := ClampPlan(plan, DefaultBudget())
	if result.ResponseText != "first second third" {
		t.Errorf("response = %q, want priority order", result.ResponseText)
	}
}

func TestClampPlan_StopsAtTarget(t *testing.T) {
	plan := TurnPlan{
		TargetSec:  3,
		HardcapSec: 10,
		Segments: []Segment{
			{Priority: 0, Text: "a", EstSec: floatPtr(2)},
			{Priority: 1, Text: "b", EstSec: floatPtr(2)},
			{Priority: 2, Text: "c", EstSec: floatPtr(2)},
		},
		ActorTimeline: []ActorEvent{{T0: 0, T1: 3, State: StateSpeaking, Intensity: 0.5}},
	}
	result := ClampPlan(plan, DefaultBudget())
	// 2 + 2 = 4 >= 3, so the third segment is dropped.
	if len(result.Plan.Segments) != 2 {
		t.Errorf("segments = %d, want 2", len(result.Plan.Segments))
	}
}

func TestClampPlan_FirstSegmentAlwaysIncluded(t *testing.T) {
	// A single oversized segment is still included; the turn executor
	// trims the audio at the hardcap instead of speaking nothing.
	plan := TurnPlan{
		TargetSec:  8,
		HardcapSec: 10,
		Segments: []Segment{
			{Priority: 0, Text: "enormous", EstSec: floatPtr(30)},
			{Priority: 1, Text: "later", EstSec: floatPtr(1)},
		},
		ActorTimeline: []ActorEvent{{T0: 0, T1: 8, State: StateSpeaking, Intensity: 0.5}},
	}
	result := ClampPlan(plan, DefaultBudget())
	if len(result.Plan.Segments) != 1 || result.Plan.Segments[0].Text != "enormous" {
		t.Errorf("segments = %+v, want only the oversized head", result.Plan.Segments)
	}
}

func TestClampPlan_Repairs(t *testing.T) {
	plan := TurnPlan{
		TargetSec:  -5,
		HardcapSec: 10,
		Segments: []Segment{
			{Priority: 0, Text: "  hello world  ", EstSec: floatPtr(-1)},
			{Priority: 1, Text: ""},
		},
		CameraMode: "D_DRONE",
	}
	result := ClampPlan(plan, DefaultBudget())

	wantWarnings := map[string]bool{
		"invalid target reset":       false,
		"segment est_sec recomputed": false,
		"actor_timeline defaulted":   false,
		"camera_mode clamped":        false,
	}
	for _, w := range result.Warnings {
		if _, ok := wantWarnings[w]; ok {
			wantWarnings[w] = true
		}
	}
	for w, seen := range wantWarnings {
		if !seen {
			t.Errorf("missing warning %q in %v", w, result.Warnings)
		}
	}

	if result.Plan.Segments[0].Text != "hello world" {
		t.Errorf("text = %q, want trimmed", result.Plan.Segments[0].Text)
	}
	if result.Plan.CameraMode != types.CameraSelfie {
		t.Errorf("camera mode = %q, want A_SELFIE", result.Plan.CameraMode)
	}
	if len(result.Plan.ActorTimeline) == 0 {
		t.Error("timeline not defaulted")
	}
	if *result.Plan.Segments[0].EstSec < 0 {
		t.Error("est_sec not recomputed")
	}

	// Empty text placeholder.
	for _, seg := range result.Plan.Segments {
		if seg.Text == "" {
			t.Error("empty segment text survived clamping")
		}
	}
}

func TestValidatePlan(t *testing.T) {
	valid := TurnPlan{
		TargetSec:  5,
		HardcapSec: 10,
		Segments:   []Segment{{Priority: 0, Text: "hello", EstSec: floatPtr(2)}},
		ActorTimeline: []ActorEvent{
			{T0: 0, T1: 5, State: StateSpeaking, Emotion: "neutral", Intensity: 0.5},
		},
		CameraMode: types.CameraSelfie,
	}
	if errs := ValidatePlan(valid, DefaultBudget()); len(errs) != 0 {
		t.Errorf("valid plan rejected: %v", errs)
	}

	tests := []struct {
		name   string
		mutate func(*TurnPlan)
		want   string
	}{
		{"zero target", func(p *TurnPlan) { p.TargetSec = 0 }, "positive number"},
		{"nan target", func(p *TurnPlan) { p.TargetSec = math.NaN() }, "positive number"},
		{"inf target", func(p *TurnPlan) { p.TargetSec = math.Inf(1) }, "positive number"},
		{"hardcap mismatch", func(p *TurnPlan) { p.HardcapSec = 99 }, "speech_budget_sec_hardcap"},
		{"target above hardcap", func(p *TurnPlan) { p.TargetSec = 11 }, "<= speech_budget_sec_hardcap"},
		{"no segments", func(p *TurnPlan) { p.Segments = nil }, "non-empty array"},
		{"negative priority", func(p *TurnPlan) { p.Segments[0].Priority = -1 }, "priority"},
		{"blank text", func(p *TurnPlan) { p.Segments[0].Text = "  " }, "non-empty string"},
		{"negative est", func(p *TurnPlan) { p.Segments[0].EstSec = floatPtr(-2) }, "est_sec"},
		{"bad state", func(p *TurnPlan) { p.ActorTimeline[0].State = "shouting" }, "state"},
		{"nan intensity", func(p *TurnPlan) { p.ActorTimeline[0].Intensity = math.NaN() }, "intensity"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := valid
			plan.Segments = append([]Segment(nil), valid.Segments...)
			plan.ActorTimeline = append([]ActorEvent(nil), valid.ActorTimeline...)
			tt.mutate(&plan)
			errs := ValidatePlan(plan, DefaultBudget())
			found := false
			for _, e := range errs {
				if strings.Contains(e, tt.want) {
					found = true
				}
			}
			if !found {
				t.Errorf("errors %v do not mention %q", errs, tt.want)
			}
		})
	}
}

func TestValidatePlan_AccumulatesAll(t *testing.T) {
	plan := TurnPlan{TargetSec: -1, HardcapSec: 99}
	errs := ValidatePlan(plan, DefaultBudget())
	if len(errs) < 3 {
		t.Errorf("errors = %v, want target, hardcap, and segments reported together", errs)
	}
}
