// Package types defines the shared types used across all FaceStream packages.
//
// These types form the lingua franca between the planner, the sync engines,
// the quality controller, and the provider adapters. They are intentionally
// minimal — each package defines its own domain types, but cross-cutting data
// structures live here to avoid circular imports.
package types

// CameraMode identifies the framing preset a turn is rendered with. Anchor
// sets in a persona pack are keyed by camera mode.
type CameraMode string

const (
	// CameraSelfie is the default handheld selfie framing.
	CameraSelfie CameraMode = "A_SELFIE"

	// CameraMirror is the mirror-shot framing.
	CameraMirror CameraMode = "B_MIRROR"

	// CameraCutaway is the wide cutaway framing.
	CameraCutaway CameraMode = "C_CUTAWAY"
)

// CameraModes lists all valid camera modes in preference order.
var CameraModes = []CameraMode{CameraSelfie, CameraMirror, CameraCutaway}

// IsValid reports whether m is one of the known camera modes.
func (m CameraMode) IsValid() bool {
	switch m {
	case CameraSelfie, CameraMirror, CameraCutaway:
		return true
	}
	return false
}

// SyncLabel classifies a lip-sync measurement window.
type SyncLabel string

const (
	// SyncOK means the window correlates well.
	SyncOK SyncLabel = "ok"

	// SyncWarn means correlation is below the warning threshold.
	SyncWarn SyncLabel = "warn"

	// SyncFail means correlation is below the failure threshold.
	SyncFail SyncLabel = "fail"

	// SyncSilence means the audio window carried no usable energy.
	SyncSilence SyncLabel = "silence"

	// SyncOccluded means the mouth region was not observable.
	SyncOccluded SyncLabel = "occluded"

	// SyncUnknown means the correlation peak was not distinctive enough
	// to trust.
	SyncUnknown SyncLabel = "unknown"
)

// LipSyncScore is the result of scoring one measurement window.
//
// Score and OffsetMs are nil when the window could not be scored (silence);
// Label records why. A window labeled unknown (indistinct correlation peak)
// still carries both values.
type LipSyncScore struct {
	// WindowID identifies the scored window.
	WindowID string

	// Score is the normalised correlation in [0, 1], or nil when the
	// window is silence.
	Score *float64

	// OffsetMs is the audio-to-mouth lag at the best correlation, a
	// multiple of the window's step size. Nil whenever Score is nil.
	OffsetMs *float64

	// Confidence in [0, 1] reflects how distinct the best correlation
	// peak is from the runner-up.
	Confidence float64

	// Label classifies the window.
	Label SyncLabel

	// Debug carries scorer internals for dashboards and logs.
	Debug map[string]any
}

// DriftSignal aggregates the per-frame identity and stability measurements
// produced by the drift monitor.
type DriftSignal struct {
	// IdentitySimilarity is the best cosine similarity between the frame's
	// face embedding and the persona's reference embeddings, in [0, 1].
	IdentitySimilarity float64

	// BgSimilarity is the equivalent measurement for the background.
	BgSimilarity float64

	// FlickerScore is the mean absolute luma difference between
	// consecutive frames.
	FlickerScore float64

	// PoseJitterDegPerS is optional pose instability; nil when the face
	// tracker does not report pose.
	PoseJitterDegPerS *float64
}

// PlaybackHealth carries transport-side playback measurements.
type PlaybackHealth struct {
	// AvOffsetMs is the signed video-minus-audio presentation-time
	// difference. Positive means video is ahead.
	AvOffsetMs float64

	// LateVideoFramesPerS counts frames that missed their send deadline
	// (including queue-overflow drops) per second.
	LateVideoFramesPerS float64

	// JitterBufferMs is the current receive-side jitter buffer depth.
	// Nil when the transport does not report it.
	JitterBufferMs *float64
}

// SystemHealth carries renderer-side load measurements.
type SystemHealth struct {
	// RenderFPS is the achieved render frame rate.
	RenderFPS float64

	// GPUUtil is optional GPU utilisation in [0, 1].
	GPUUtil *float64

	// QueueDepth is the optional render queue depth.
	QueueDepth *int

	// P99BlockLatencyMs is the optional p99 render block latency.
	P99BlockLatencyMs *float64
}

// TurnContext identifies the turn a quality decision applies to.
type TurnContext struct {
	// SessionID is the owning session.
	SessionID string

	// PersonaID is the active persona.
	PersonaID string

	// Mode is the camera mode the turn renders with.
	Mode CameraMode

	// RemainingTurnSec is how much of the planned turn is still unplayed.
	RemainingTurnSec float64

	// HardcapTurnSec is the absolute turn duration ceiling.
	HardcapTurnSec float64
}

// BackendCapabilities declares which recovery actions a render backend
// supports. The quality controller consults these flags before emitting an
// action so that unsupported recoveries are never requested.
type BackendCapabilities struct {
	BackendID                  string
	SupportsRerenderBlock      bool
	SupportsAnchorReset        bool
	SupportsMouthCorrector     bool
	SupportsVisemeConditioning bool
	SupportsRestartStream      bool
	SupportsParamUpdate        bool
	SupportsFailover           bool
	ProvidesWebRTCStream       bool
}

// VisemeEvent is one mouth-shape interval on a viseme timeline.
type VisemeEvent struct {
	// StartMs and EndMs bound the interval; StartMs <= EndMs.
	StartMs int64
	EndMs   int64

	// VisemeID is one of the normalised viseme symbols (see the viseme
	// package for the full set).
	VisemeID string

	// Confidence in [0, 1].
	Confidence float64
}

// TimelineSource records how a viseme timeline was produced.
type TimelineSource string

const (
	// SourceTTSAlignment means the timeline came from TTS-reported
	// phoneme timings.
	SourceTTSAlignment TimelineSource = "tts_alignment"

	// SourceForcedAligner means a forced aligner produced the timings.
	SourceForcedAligner TimelineSource = "forced_aligner"

	// SourceHeuristic means the timeline was evenly subdivided from an
	// unaligned viseme sequence.
	SourceHeuristic TimelineSource = "heuristic"

	// SourceASRAlignment means ASR word timings produced the timeline.
	SourceASRAlignment TimelineSource = "asr_alignment"
)

// VisemeTimeline is a merged, sorted sequence of viseme events for one
// utterance.
type VisemeTimeline struct {
	UtteranceID string
	Language    string
	Source      TimelineSource
	Visemes     []VisemeEvent
}
