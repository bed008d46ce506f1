// Package quality is the central state machine supervising stream health.
//
// Each tick consumes whatever signals are available — lip-sync score, drift
// similarity, playback offset, render rate — classifies each into a band,
// tracks failure and recovery streaks, and emits bounded recovery actions.
// Heavy recoveries (stream restart, failover, rerender, anchor reset) sit
// behind a cooldown; quality degradation and recovery walk a ladder with
// hysteresis so the stream never oscillates.
//
// [Decide] is a pure function of its inputs: the same signals, state, and
// clock always produce the same actions.
package quality

import (
	"math"

	"github.com/Volpestyle/facestream/pkg/types"
)

// Band is the discrete evaluation outcome of one signal axis.
type Band string

const (
	BandOK     Band = "ok"
	BandWarn   Band = "warn"
	BandFail   Band = "fail"
	BandIgnore Band = "ignore"
)

// maxDegradeLevel caps the degrade ladder.
const maxDegradeLevel = 3

// System band thresholds: render rate at or above 26 fps is healthy, 20 is
// tolerable, below that the renderer is failing.
const (
	renderFPSOk   = 26
	renderFPSWarn = 20
)

// lipConfidenceFloor is the scorer confidence below which the lip signal is
// ignored rather than acted on.
const lipConfidenceFloor = 0.2

// Policy holds the controller thresholds. Zero fields are filled by
// [NormalizePolicy].
type Policy struct {
	LipWarn            float64 `yaml:"lip_warn"`
	LipFail            float64 `yaml:"lip_fail"`
	LipFailConsecutive int     `yaml:"lip_fail_consecutive"`

	DriftWarnIdentity float64 `yaml:"drift_warn_identity"`
	DriftFailIdentity float64 `yaml:"drift_fail_identity"`

	AvOffsetWarnMs float64 `yaml:"av_offset_warn_ms"`
	AvOffsetFailMs float64 `yaml:"av_offset_fail_ms"`

	CooldownMsHeavyAction  int64 `yaml:"cooldown_ms_heavy_action"`
	OkConsecutiveToRecover int   `yaml:"ok_consecutive_to_recover"`
}

// DefaultPolicy returns the stock controller policy.
func DefaultPolicy() Policy {
	return Policy{
		LipWarn:                0.55,
		LipFail:                0.45,
		LipFailConsecutive:     3,
		DriftWarnIdentity:      0.80,
		DriftFailIdentity:      0.72,
		AvOffsetWarnMs:         80,
		AvOffsetFailMs:         140,
		CooldownMsHeavyAction:  1500,
		OkConsecutiveToRecover: 8,
	}
}

// NormalizePolicy fills zero fields with the stock values.
func NormalizePolicy(p Policy) Policy {
	def := DefaultPolicy()
	if p.LipWarn <= 0 {
		p.LipWarn = def.LipWarn
	}
	if p.LipFail <= 0 {
		p.LipFail = def.LipFail
	}
	if p.LipFailConsecutive <= 0 {
		p.LipFailConsecutive = def.LipFailConsecutive
	}
	if p.DriftWarnIdentity <= 0 {
		p.DriftWarnIdentity = def.DriftWarnIdentity
	}
	if p.DriftFailIdentity <= 0 {
		p.DriftFailIdentity = def.DriftFailIdentity
	}
	if p.AvOffsetWarnMs <= 0 {
		p.AvOffsetWarnMs = def.AvOffsetWarnMs
	}
	if p.AvOffsetFailMs <= 0 {
		p.AvOffsetFailMs = def.AvOffsetFailMs
	}
	if p.CooldownMsHeavyAction <= 0 {
		p.CooldownMsHeavyAction = def.CooldownMsHeavyAction
	}
	if p.OkConsecutiveToRecover <= 0 {
		p.OkConsecutiveToRecover = def.OkConsecutiveToRecover
	}
	return p
}

// State is the controller's per-session memory. Created once by [NewState]
// and mutated only through [Decide].
type State struct {
	LipFailStreak     int
	LipOkStreak       int
	DriftFailStreak   int
	OverallOkStreak   int
	DegradeLevel      int
	LastHeavyActionMs int64
}

// NewState returns the initial controller state.
func NewState() State {
	return State{}
}

// LipsyncInput is the lip-sync signal for one tick. Score nil means the
// scorer produced nothing usable; Confidence nil defaults to full trust.
type LipsyncInput struct {
	Score      *float64
	Confidence *float64
	OffsetMs   *float64
	IsSilence  bool
	Occluded   bool
}

// DriftInput is the identity drift signal for one tick.
type DriftInput struct {
	IdentitySimilarity float64
}

// PlaybackInput is the playback health signal for one tick.
type PlaybackInput struct {
	AvOffsetMs float64
}

// SystemInput is the renderer load signal for one tick.
type SystemInput struct {
	RenderFPS float64
}

// Inputs bundles the per-tick signals. Nil members are absent and classify
// as ignore.
type Inputs struct {
	Lipsync  *LipsyncInput
	Drift    *DriftInput
	Playback *PlaybackInput
	System   *SystemInput
}

// Options tune the action payloads without changing the thresholds.
type Options struct {
	// FailoverBackendID names the standby backend; FAILOVER_BACKEND is
	// only emitted when both the capability and this id are present.
	FailoverBackendID string

	// DegradeFPSTargets and DegradeShortSideTargets are the ladder steps,
	// indexed by degrade level (saturating at the last element).
	DegradeFPSTargets       []int
	DegradeShortSideTargets []int
}

// Default degrade ladders, indexed by degrade level.
var (
	defaultDegradeFPSTargets       = []int{30, 24, 20, 15}
	defaultDegradeShortSideTargets = []int{720, 640, 512, 384}
)

// Bands is the per-axis classification for one tick.
type Bands struct {
	Lip      Band
	Drift    Band
	Playback Band
	System   Band
}

// Debug exposes the controller's working state for dashboards and tests.
type Debug struct {
	Bands               Bands
	LipIgnoreReason     string
	PlaybackAbsOffsetMs float64
	StateAfter          State
	SustainedLipFail    bool
	SustainedDriftFail  bool
	CanDoHeavy          bool

	// Inputs echoes the signals this tick consumed.
	Inputs Inputs
}

// Decision is the outcome of one controller tick.
type Decision struct {
	Actions []Action
	State   State
	Debug   Debug
}

// Decide runs one controller tick. It is pure: the successor state is
// returned, the input state is not modified, and no clock is read — nowMs
// must come from the caller so ticks stay linearly ordered.
func Decide(caps types.BackendCapabilities, in Inputs, ctx *types.TurnContext, policy Policy, state State, nowMs int64, options Options) Decision {
	p := NormalizePolicy(policy)
	debug := Debug{}

	// ── Band classification ───────────────────────────────────────────────

	lipBand := BandIgnore
	switch {
	case in.Lipsync == nil:
		debug.LipIgnoreReason = "missing_score"
	case in.Lipsync.IsSilence || in.Lipsync.Score == nil:
		debug.LipIgnoreReason = "silence"
	case in.Lipsync.Occluded:
		debug.LipIgnoreReason = "occluded"
	default:
		confidence := 1.0
		if in.Lipsync.Confidence != nil {
			confidence = *in.Lipsync.Confidence
		}
		switch {
		case confidence < lipConfidenceFloor:
			debug.LipIgnoreReason = "low_confidence"
		case *in.Lipsync.Score < p.LipFail:
			lipBand = BandFail
		case *in.Lipsync.Score < p.LipWarn:
			lipBand = BandWarn
		default:
			lipBand = BandOK
		}
	}

	driftBand := BandIgnore
	if in.Drift != nil {
		switch {
		case in.Drift.IdentitySimilarity < p.DriftFailIdentity:
			driftBand = BandFail
		case in.Drift.IdentitySimilarity < p.DriftWarnIdentity:
			driftBand = BandWarn
		default:
			driftBand = BandOK
		}
	}

	playbackBand := BandIgnore
	if in.Playback != nil {
		absOffset := math.Abs(in.Playback.AvOffsetMs)
		debug.PlaybackAbsOffsetMs = absOffset
		switch {
		case absOffset >= p.AvOffsetFailMs:
			playbackBand = BandFail
		case absOffset >= p.AvOffsetWarnMs:
			playbackBand = BandWarn
		default:
			playbackBand = BandOK
		}
	}

	systemBand := BandIgnore
	if in.System != nil {
		switch {
		case in.System.RenderFPS < renderFPSWarn:
			systemBand = BandFail
		case in.System.RenderFPS < renderFPSOk:
			systemBand = BandWarn
		default:
			systemBand = BandOK
		}
	}

	debug.Bands = Bands{Lip: lipBand, Drift: driftBand, Playback: playbackBand, System: systemBand}

	// ── Streak updates ────────────────────────────────────────────────────

	next := state
	switch lipBand {
	case BandFail:
		next.LipFailStreak++
		next.LipOkStreak = 0
	case BandOK:
		next.LipOkStreak++
		next.LipFailStreak = 0
	default:
		next.LipOkStreak = 0
	}

	switch driftBand {
	case BandFail:
		next.DriftFailStreak++
	case BandOK:
		next.DriftFailStreak = 0
	}

	anyFail := lipBand == BandFail || driftBand == BandFail || playbackBand == BandFail || systemBand == BandFail
	allOk := true
	for _, band := range []Band{lipBand, driftBand, playbackBand, systemBand} {
		if band != BandOK && band != BandIgnore {
			allOk = false
		}
	}
	if allOk {
		next.OverallOkStreak++
	} else {
		next.OverallOkStreak = 0
	}

	// ── Action selection ──────────────────────────────────────────────────

	sustainedLipFail := lipBand == BandFail && next.LipFailStreak >= p.LipFailConsecutive
	sustainedDriftFail := driftBand == BandFail && next.DriftFailStreak >= 2
	canDoHeavy := nowMs-next.LastHeavyActionMs >= p.CooldownMsHeavyAction

	var actions []Action

	if playbackBand == BandFail && canDoHeavy {
		switch {
		case caps.SupportsRestartStream:
			actions = append(actions, Action{Type: ActionRestartProviderStream})
		case caps.SupportsFailover && options.FailoverBackendID != "":
			actions = append(actions, Action{Type: ActionFailoverBackend, BackendID: options.FailoverBackendID})
		default:
			remaining := 6.0
			if ctx != nil {
				remaining = math.Min(6, ctx.RemainingTurnSec)
			}
			actions = append(actions,
				Action{Type: ActionReduceFPS, TargetFPS: 24},
				Action{Type: ActionShortenRemainingTurn, TargetSec: remaining},
			)
		}
	}

	if sustainedLipFail {
		switch {
		case caps.SupportsMouthCorrector:
			actions = append(actions, Action{Type: ActionApplyMouthCorrector, Window: "last_block"})
		case caps.SupportsRerenderBlock && canDoHeavy:
			actions = append(actions, Action{Type: ActionRerenderBlock, StrengthenAnchor: true})
		case caps.SupportsRestartStream && canDoHeavy:
			actions = append(actions, Action{Type: ActionRestartProviderStream})
		case caps.SupportsFailover && options.FailoverBackendID != "" && canDoHeavy:
			actions = append(actions, Action{Type: ActionFailoverBackend, BackendID: options.FailoverBackendID})
		}
	}

	if sustainedDriftFail && canDoHeavy {
		switch {
		case caps.SupportsAnchorReset:
			actions = append(actions, Action{Type: ActionForceAnchorReset})
		case caps.SupportsRestartStream:
			actions = append(actions, Action{Type: ActionRestartProviderStream})
		case caps.SupportsFailover && options.FailoverBackendID != "":
			actions = append(actions, Action{Type: ActionFailoverBackend, BackendID: options.FailoverBackendID})
		}
	}

	// ── Degrade ladder ────────────────────────────────────────────────────

	fpsTargets := options.DegradeFPSTargets
	if len(fpsTargets) == 0 {
		fpsTargets = defaultDegradeFPSTargets
	}
	shortTargets := options.DegradeShortSideTargets
	if len(shortTargets) == 0 {
		shortTargets = defaultDegradeShortSideTargets
	}

	if anyFail || (systemBand == BandWarn && next.DegradeLevel < maxDegradeLevel) {
		next.DegradeLevel = min(maxDegradeLevel, next.DegradeLevel+1)
	}

	if next.DegradeLevel > 0 && !containsHeavy(actions) {
		actions = append(actions,
			Action{Type: ActionReduceFPS, TargetFPS: fpsTargets[min(next.DegradeLevel, len(fpsTargets)-1)]},
			Action{Type: ActionReduceResolution, TargetShortSide: shortTargets[min(next.DegradeLevel, len(shortTargets)-1)]},
		)
	}

	if next.DegradeLevel > 0 && next.OverallOkStreak >= p.OkConsecutiveToRecover {
		next.DegradeLevel--
		next.OverallOkStreak = 0
	}

	// ── Heavy-action bookkeeping ──────────────────────────────────────────

	if containsHeavy(actions) {
		next.LastHeavyActionMs = nowMs
	}

	debug.StateAfter = next
	debug.SustainedLipFail = sustainedLipFail
	debug.SustainedDriftFail = sustainedDriftFail
	debug.CanDoHeavy = canDoHeavy
	debug.Inputs = in

	return Decision{Actions: actions, State: next, Debug: debug}
}
