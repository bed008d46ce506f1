package planner

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Volpestyle/facestream/pkg/types"
)

// DecodePlan parses the JSON wire format into a TurnPlan. Unknown fields are
// rejected so malformed model output fails loudly instead of half-parsing.
func DecodePlan(data []byte) (TurnPlan, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var plan TurnPlan
	if err := dec.Decode(&plan); err != nil {
		return TurnPlan{}, fmt.Errorf("planner: decode plan: %w", err)
	}
	return plan, nil
}

// EncodePlan renders a plan into the JSON wire format.
func EncodePlan(plan TurnPlan) ([]byte, error) {
	data, err := json.Marshal(plan)
	if err != nil {
		return nil, fmt.Errorf("planner: encode plan: %w", err)
	}
	return data, nil
}

// Schema returns the JSON schema for the wire format with the budget's
// hardcap patched in: the target's maximum and the hardcap's const both
// become the process hardcap, so a planning model cannot talk its way past
// the budget.
func Schema(budget Budget) map[string]any {
	budget = NormalizeBudget(budget)
	modes := make([]any, len(types.CameraModes))
	for i, m := range types.CameraModes {
		modes[i] = string(m)
	}
	return map[string]any{
		"$schema": "http://json-schema.org/draft-07/schema#",
		"type":    "object",
		"required": []any{
			"speech_budget_sec_target",
			"speech_budget_sec_hardcap",
			"speech_segments",
			"actor_timeline",
		},
		"additionalProperties": false,
		"properties": map[string]any{
			"speech_budget_sec_target": map[string]any{
				"type":             "number",
				"exclusiveMinimum": 0,
				"maximum":          budget.HardcapSec,
			},
			"speech_budget_sec_hardcap": map[string]any{
				"type":  "number",
				"const": budget.HardcapSec,
			},
			"speech_segments": map[string]any{
				"type":     "array",
				"minItems": 1,
				"items": map[string]any{
					"type":                 "object",
					"required":             []any{"priority", "text"},
					"additionalProperties": false,
					"properties": map[string]any{
						"priority": map[string]any{"type": "integer", "minimum": 0},
						"text":     map[string]any{"type": "string", "minLength": 1},
						"est_sec":  map[string]any{"type": "number", "minimum": 0},
					},
				},
			},
			"actor_timeline": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type":                 "object",
					"required":             []any{"t0", "t1", "state"},
					"additionalProperties": false,
					"properties": map[string]any{
						"t0":         map[string]any{"type": "number", "minimum": 0},
						"t1":         map[string]any{"type": "number", "minimum": 0},
						"state":      map[string]any{"enum": []any{string(StateListening), string(StateSpeaking)}},
						"emotion":    map[string]any{"type": "string"},
						"intensity":  map[string]any{"type": "number", "minimum": 0, "maximum": 1},
						"gaze_mode":  map[string]any{"type": "string"},
						"blink_rate": map[string]any{"type": "number", "minimum": 0},
					},
				},
			},
			"camera_mode_suggestion": map[string]any{"enum": modes},
		},
	}
}

// PersonaSummary is the slice of persona metadata the plan prompt needs.
type PersonaSummary struct {
	Name  string
	Style string
}

// PlanPrompt is a system/user prompt pair for a planning model.
type PlanPrompt struct {
	System string
	User   string
}

// BuildPlanPrompt renders the planning prompt: the system half pins the
// output contract (strict JSON against the budget-patched schema) and the
// user half carries the persona context and the message to answer.
func BuildPlanPrompt(userText string, persona *PersonaSummary, cameraMode types.CameraMode, budget Budget) (PlanPrompt, error) {
	budget = NormalizeBudget(budget)
	schemaJSON, err := json.MarshalIndent(Schema(budget), "", "  ")
	if err != nil {
		return PlanPrompt{}, fmt.Errorf("planner: marshal schema: %w", err)
	}

	modeNames := make([]string, len(types.CameraModes))
	for i, m := range types.CameraModes {
		modeNames[i] = string(m)
	}
	if cameraMode == "" {
		cameraMode = types.CameraSelfie
	}

	system := strings.Join([]string{
		"You are a planning engine that outputs STRICT JSON only.",
		"Produce a TurnPlan that matches the provided JSON schema exactly.",
		fmt.Sprintf("Constraints: hardcap=%gs, default ~%gs, allow up to %gs, minimum %gs unless ultra-short.",
			budget.HardcapSec, budget.DefaultTargetMinSec, budget.DefaultTargetMaxSec, budget.MinTargetSec),
		fmt.Sprintf("Camera modes: %s.", strings.Join(modeNames, ", ")),
		"Speech segments must be ordered by priority (0 is highest priority).",
		"Never cut mid-segment; segments should be safe boundaries.",
		"Actor timeline should include listening->speaking transitions and reasonable emotion/gaze hints.",
		"",
		"TURN PLAN JSON SCHEMA:",
		string(schemaJSON),
	}, "\n")

	name, style := "(unspecified)", "(unspecified)"
	if persona != nil {
		if persona.Name != "" {
			name = persona.Name
		}
		if persona.Style != "" {
			style = persona.Style
		}
	}
	user := strings.Join([]string{
		"Persona: " + name,
		"Style: " + style,
		"Camera mode suggestion: " + string(cameraMode),
		"",
		"User message:",
		userText,
	}, "\n")

	return PlanPrompt{System: system, User: user}, nil
}
