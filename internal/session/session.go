// Package session runs the per-session real-time loop: it owns the master
// clock, the controller state, and the current turn, and drives one
// plan → synthesise → pace-and-stream cycle per turn.
//
// The model is cooperative and single-threaded per session: one executor
// goroutine runs the turn loop, yielding only at pacing sleeps, provider
// calls, and queue operations. Observers (face tracker, transport) feed
// measurements in through Submit* methods; the loop folds them into the
// next quality-controller tick. Cross-session state does not exist — every
// Session carries its own clock, queues, and provider handles.
package session

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/Volpestyle/facestream/internal/anchor"
	"github.com/Volpestyle/facestream/internal/avsync"
	"github.com/Volpestyle/facestream/internal/planner"
	"github.com/Volpestyle/facestream/internal/quality"
	"github.com/Volpestyle/facestream/internal/render"
	"github.com/Volpestyle/facestream/internal/viseme"
	"github.com/Volpestyle/facestream/pkg/audio"
	"github.com/Volpestyle/facestream/pkg/persona"
	"github.com/Volpestyle/facestream/pkg/provider"
	"github.com/Volpestyle/facestream/pkg/types"
)

// ErrCancelled is returned when a turn is aborted at a pacing suspension
// point. Queued frames of the turn are drained; controller state is kept.
var ErrCancelled = errors.New("session: turn cancelled")

// Default media geometry.
const (
	defaultFPS    = 15
	defaultWidth  = 720
	defaultHeight = 1280

	// defaultWorkerLimit bounds concurrent blocking provider calls.
	defaultWorkerLimit = 2

	// actionBuffer sizes the published action stream.
	actionBuffer = 64
)

// Config wires a session together. Zero fields get defaults.
type Config struct {
	// SessionID identifies the session; empty generates a UUID.
	SessionID string

	// Persona is the active persona pack. Required.
	Persona *persona.Pack

	// Speech synthesises turn audio. Nil falls back to paced silence,
	// which keeps the loop alive when no provider is configured.
	Speech provider.SpeechGenerator

	// Capabilities describe the render backend for the controller.
	Capabilities types.BackendCapabilities

	Budget         planner.Budget
	AVSync         avsync.Policy
	QualityPolicy  quality.Policy
	QualityOptions quality.Options
	AnchorPolicy   anchor.RefreshPolicy

	// FPS, Width, Height shape the video track.
	FPS    int
	Width  int
	Height int

	// WorkerLimit bounds concurrent provider calls. Default 2.
	WorkerLimit int64

	// Clock overrides wall time in tests.
	Clock Clock

	// Stats receives latency samples; nil creates a private instance.
	Stats *Stats

	// OutputDir, when set, persists each turn under it: the provider video
	// when there is one, else the static render (audio WAV, plus a still
	// video when ffmpeg is available), which writes nothing when the
	// anchor image file is missing.
	OutputDir string

	// VideoPipeline routes turn rendering through hosted I2V and
	// lip-sync providers. Nil keeps the local placeholder and
	// static-render paths only.
	VideoPipeline *VideoPipeline
}

// VideoPipeline names the providers and models used to render a turn's
// video from its anchor image and audio.
type VideoPipeline struct {
	// Generator produces the image-to-video block. Required.
	Generator provider.VideoGenerator

	// Provider and Model select the I2V service and model.
	Provider string
	Model    string

	// Prompt conditions the generation; AspectRatio defaults to 9:16.
	Prompt      string
	AspectRatio string

	// Lipsync optionally re-times the block to the turn audio.
	Lipsync         provider.LipSyncer
	LipsyncProvider string
	LipsyncModel    string
	SyncMode        string
}

// TurnOptions carry optional per-turn inputs.
type TurnOptions struct {
	// CameraMode overrides the plan's camera mode suggestion.
	CameraMode types.CameraMode

	// DesiredEmotion biases anchor selection.
	DesiredEmotion string

	// Phonemes, when provided by the TTS aligner, produce the turn's
	// viseme timeline.
	Phonemes []viseme.TimedPhoneme

	// Language for speech estimation and the viseme timeline.
	Language string
}

// TurnResult summarises one executed turn.
type TurnResult struct {
	TurnID       string
	ResponseText string
	Plan         planner.TurnPlan
	Warnings     []string

	AnchorRef    string
	AnchorReason string

	Timeline *types.VisemeTimeline

	// Video is the provider-rendered (and possibly lip-synced) block for
	// the turn; nil when no video pipeline is configured or rendering
	// degraded. Excluded from JSON summaries by size.
	Video []byte `json:"-"`

	// VideoError is the provider reason token when video rendering
	// degraded ("i2v_empty_output", "missing_api_key", ...).
	VideoError string

	AudioDurationMs float64
	FrameCount      int
	Actions         []quality.Action
}

// Session owns the real-time loop state for one conversation.
type Session struct {
	cfg   Config
	clock Clock
	sem   *semaphore.Weighted
	stats *Stats

	master    *avsync.MasterClock
	ctrlState quality.State

	audioQ  *AudioQueue
	videoQ  *VideoQueue
	actions chan quality.Action

	turnIndex     int
	lastAnchorRef string

	// pending measurements from observers, drained once per tick.
	pendingMu     sync.Mutex
	pendingLip    *quality.LipsyncInput
	pendingDrift  *quality.DriftInput
	pendingSystem *quality.SystemInput
	lastDriftSig  *types.DriftSignal
}

// New creates a session. Persona is required; everything else defaults.
func New(cfg Config) (*Session, error) {
	if cfg.Persona == nil {
		return nil, fmt.Errorf("session: persona is required")
	}
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	if cfg.FPS <= 0 {
		cfg.FPS = defaultFPS
	}
	if cfg.Width <= 0 {
		cfg.Width = defaultWidth
	}
	if cfg.Height <= 0 {
		cfg.Height = defaultHeight
	}
	if cfg.WorkerLimit <= 0 {
		cfg.WorkerLimit = defaultWorkerLimit
	}
	if cfg.Clock == nil {
		cfg.Clock = WallClock{}
	}
	if cfg.Stats == nil {
		cfg.Stats = NewStats(100)
	}
	cfg.AVSync = avsync.NormalizePolicy(cfg.AVSync)
	cfg.Budget = planner.NormalizeBudget(cfg.Budget)

	return &Session{
		cfg:     cfg,
		clock:   cfg.Clock,
		sem:     semaphore.NewWeighted(cfg.WorkerLimit),
		stats:   cfg.Stats,
		master:  avsync.NewMasterClock(cfg.AVSync),
		audioQ:  NewAudioQueue(cfg.AVSync.AudioSampleRateHz),
		videoQ:  NewVideoQueue(cfg.Width, cfg.Height),
		actions: make(chan quality.Action, actionBuffer),
	}, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.cfg.SessionID }

// Actions exposes the stream of recovery actions emitted by the quality
// controller for collaborators to apply.
func (s *Session) Actions() <-chan quality.Action { return s.actions }

// AudioTrack and VideoTrack expose the delivery queues to the transport.
func (s *Session) AudioTrack() *AudioQueue { return s.audioQ }
func (s *Session) VideoTrack() *VideoQueue { return s.videoQ }

// Stats returns the session statistics collector.
func (s *Session) Stats() *Stats { return s.stats }

// ControllerState returns a copy of the current controller state.
func (s *Session) ControllerState() quality.State { return s.ctrlState }

// MasterClock returns the session's audio master clock.
func (s *Session) MasterClock() *avsync.MasterClock { return s.master }

// SubmitLipSync feeds a lip-sync measurement into the next controller tick.
func (s *Session) SubmitLipSync(score types.LipSyncScore) {
	in := &quality.LipsyncInput{
		Score:     score.Score,
		OffsetMs:  score.OffsetMs,
		IsSilence: score.Label == types.SyncSilence,
		Occluded:  score.Label == types.SyncOccluded,
	}
	confidence := score.Confidence
	in.Confidence = &confidence

	s.pendingMu.Lock()
	s.pendingLip = in
	s.pendingMu.Unlock()
}

// SubmitDrift feeds a drift measurement into the next controller tick and
// anchor selection.
func (s *Session) SubmitDrift(sig types.DriftSignal) {
	s.pendingMu.Lock()
	s.pendingDrift = &quality.DriftInput{IdentitySimilarity: sig.IdentitySimilarity}
	s.lastDriftSig = &sig
	s.pendingMu.Unlock()
}

// SubmitSystem feeds a renderer load measurement into the next tick.
func (s *Session) SubmitSystem(health types.SystemHealth) {
	s.pendingMu.Lock()
	s.pendingSystem = &quality.SystemInput{RenderFPS: health.RenderFPS}
	s.pendingMu.Unlock()
}

// ExecuteTurn runs one full turn: plan the response text, pick the anchor,
// synthesise speech, and pace the audio and video onto the track queues
// while ticking the quality controller. Cancellation via ctx aborts at the
// next pacing point, drains this turn's queued frames, and preserves the
// controller state.
func (s *Session) ExecuteTurn(ctx context.Context, responseText string, opts TurnOptions) (*TurnResult, error) {
	turnID := uuid.NewString()
	result := &TurnResult{TurnID: turnID}

	// ── Plan ──────────────────────────────────────────────────────────────
	planStart := s.clock.Now()
	candidate := planner.HeuristicPlan(responseText, opts.CameraMode, s.cfg.Budget)
	planned := planner.ClampPlan(candidate, s.cfg.Budget)
	planned.Plan.ActorTimeline = planner.ClampActorTimeline(planned.Plan.ActorTimeline, s.cfg.Persona.BehaviorPolicy)
	s.stats.RecordPlan(s.clock.Now().Sub(planStart))

	result.Plan = planned.Plan
	result.ResponseText = planned.ResponseText
	result.Warnings = planned.Warnings

	// ── Anchor ────────────────────────────────────────────────────────────
	s.pendingMu.Lock()
	driftSig := s.lastDriftSig
	s.pendingMu.Unlock()

	selection := anchor.Select(anchor.Request{
		Pack:           s.cfg.Persona,
		Mode:           planned.Plan.CameraMode,
		DesiredEmotion: opts.DesiredEmotion,
		LastAnchorRef:  s.lastAnchorRef,
		Drift:          driftSig,
		TurnIndex:      s.turnIndex,
		Policy:         s.cfg.AnchorPolicy,
	})
	if selection.Anchor == nil {
		return nil, fmt.Errorf("session: no anchor available for mode %s", planned.Plan.CameraMode)
	}
	s.lastAnchorRef = selection.Anchor.ImageRef
	result.AnchorRef = selection.Anchor.ImageRef
	result.AnchorReason = selection.Reason

	// ── Speech ────────────────────────────────────────────────────────────
	chunks, err := s.synthesise(ctx, planned)
	if err != nil {
		s.stats.IncrErrors()
		return nil, err
	}
	chunks = audio.TrimChunks(chunks, s.cfg.Budget.HardcapSec*1000)

	// ── Viseme timeline ───────────────────────────────────────────────────
	if len(opts.Phonemes) > 0 {
		language := opts.Language
		if language == "" {
			language = "en"
		}
		timeline, err := viseme.TimelineFromTimedPhonemes(turnID, opts.Phonemes, language, types.SourceTTSAlignment)
		if err != nil {
			return nil, fmt.Errorf("session: viseme timeline: %w", err)
		}
		result.Timeline = &timeline
	}

	// ── Provider video ────────────────────────────────────────────────────
	if s.cfg.VideoPipeline != nil && s.cfg.VideoPipeline.Generator != nil && len(chunks) > 0 {
		video, reason := s.renderTurnVideo(ctx, selection.Anchor.ImageRef, chunks)
		result.Video = video
		result.VideoError = reason
		if reason != "" {
			s.stats.IncrErrors()
			slog.Warn("session: provider video degraded",
				"session_id", s.cfg.SessionID,
				"turn_id", turnID,
				"reason", reason,
			)
		}
	}

	// ── Stream ────────────────────────────────────────────────────────────
	streamStart := s.clock.Now()
	frameCount, actions, err := s.stream(ctx, chunks)
	result.FrameCount = frameCount
	result.Actions = actions
	if err != nil {
		return result, err
	}
	s.stats.RecordStream(s.clock.Now().Sub(streamStart))

	if len(chunks) > 0 {
		result.AudioDurationMs = chunks[len(chunks)-1].T1Ms
	}

	if s.cfg.OutputDir != "" && len(result.Video) > 0 {
		videoPath := filepath.Join(s.cfg.OutputDir, "turns", turnID+".mp4")
		if err := os.MkdirAll(filepath.Dir(videoPath), 0o755); err == nil {
			if err := os.WriteFile(videoPath, result.Video, 0o644); err != nil {
				slog.Warn("session: persist turn video failed", "turn_id", turnID, "err", err)
			}
		}
	}

	if s.cfg.OutputDir != "" && len(chunks) > 0 && len(result.Video) == 0 {
		rendered := render.Static(ctx, render.StaticOptions{
			TurnID:     turnID,
			Chunks:     chunks,
			DurationMs: result.AudioDurationMs,
			ImagePath:  result.AnchorRef,
			OutputRoot: s.cfg.OutputDir,
			FPS:        s.cfg.FPS,
			Width:      s.cfg.Width,
			Height:     s.cfg.Height,
		})
		if rendered.RenderError != "" {
			slog.Debug("session: turn artifact degraded",
				"session_id", s.cfg.SessionID,
				"turn_id", turnID,
				"reason", rendered.RenderError,
			)
		}
	}

	s.stats.IncrTurns()
	s.turnIndex++
	return result, nil
}

// synthesise produces the turn's audio through the provider worker pool,
// falling back to paced silence when no speech generator is configured.
func (s *Session) synthesise(ctx context.Context, planned planner.PlanResult) ([]audio.PcmChunk, error) {
	if s.cfg.Speech == nil || planned.ResponseText == "" {
		return audio.GenerateSilence(planned.Plan.TargetSec, s.cfg.AVSync.AudioSampleRateHz, audio.DefaultChunkMs), nil
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, ErrCancelled
	}
	defer s.sem.Release(1)

	start := s.clock.Now()
	req := provider.SpeechDefaultsFromEnv(provider.SpeechRequest{Text: planned.ResponseText})
	resultAudio, err := s.cfg.Speech.GenerateSpeech(ctx, req)
	s.stats.RecordSpeech(s.clock.Now().Sub(start))
	if err != nil {
		return nil, fmt.Errorf("session: speech synthesis: %w", err)
	}
	chunks, err := provider.DecodeSpeech(resultAudio, req.Parameters, audio.DefaultChunkMs)
	if err != nil {
		return nil, fmt.Errorf("session: speech decode: %w", err)
	}
	return chunks, nil
}

// renderTurnVideo runs the provider video pipeline for one turn: the
// anchor image and turn audio go to the I2V service, and the block is
// optionally lip-synced. Failures degrade to placeholder streaming and
// return the provider reason token.
func (s *Session) renderTurnVideo(ctx context.Context, anchorRef string, chunks []audio.PcmChunk) ([]byte, string) {
	pipeline := s.cfg.VideoPipeline

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, "cancelled"
	}
	defer s.sem.Release(1)

	audioWAV, err := audio.EncodeWAV(chunks, s.cfg.AVSync.AudioSampleRateHz)
	if err != nil {
		return nil, "audio_encode_failed"
	}

	// A readable anchor file is inlined as a data URL; otherwise the ref
	// is passed through for the provider to resolve.
	startImage := anchorRef
	if data, err := os.ReadFile(anchorRef); err == nil {
		startImage = "data:image/png;base64," + base64.StdEncoding.EncodeToString(data)
	}

	durationMs := chunks[len(chunks)-1].T1Ms
	aspect := pipeline.AspectRatio
	if aspect == "" {
		aspect = "9:16"
	}

	video, err := pipeline.Generator.GenerateVideoI2V(ctx, provider.VideoRequest{
		Provider:          pipeline.Provider,
		Model:             pipeline.Model,
		Prompt:            pipeline.Prompt,
		StartImageDataURL: startImage,
		AudioBase64:       base64.StdEncoding.EncodeToString(audioWAV),
		DurationSec:       int(math.Ceil(durationMs / 1000)),
		AspectRatio:       aspect,
	})
	if err != nil {
		return nil, reasonToken(err)
	}

	if pipeline.Lipsync != nil {
		synced, err := pipeline.Lipsync.ApplyLipsync(ctx, provider.LipsyncRequest{
			Provider: pipeline.LipsyncProvider,
			Model:    pipeline.LipsyncModel,
			Video:    video,
			Audio:    audioWAV,
			SyncMode: pipeline.SyncMode,
		})
		if err != nil {
			// The unsynced block still plays; report the degradation.
			return video, reasonToken(err)
		}
		video = synced
	}
	return video, ""
}

// reasonToken extracts a provider reason token, falling back to a generic
// one for non-provider errors.
func reasonToken(err error) string {
	if reason := provider.ReasonOf(err); reason != "" {
		return reason
	}
	return "provider_error"
}

// stream paces chunks onto the track queues, deriving video frames from the
// audio timeline and ticking the quality controller once per chunk.
func (s *Session) stream(ctx context.Context, chunks []audio.PcmChunk) (int, []quality.Action, error) {
	fps := s.cfg.FPS
	epoch := s.clock.Now()
	frameCount := 0
	var emitted []quality.Action
	var lastFrame *VideoFrame
	maxDurationMs := math.Inf(1)

	for i := 0; i < len(chunks); i++ {
		chunk := chunks[i]
		if err := ctx.Err(); err != nil {
			s.cancelTurn()
			return frameCount, emitted, ErrCancelled
		}
		if chunk.T0Ms >= maxDurationMs {
			break
		}

		// Audio first: the master clock only advances with audio.
		s.audioQ.Enqueue(chunk)
		if _, err := s.master.PushAudioSamples(int64(len(chunk.Samples))); err != nil {
			return frameCount, emitted, err
		}

		// Derive video frames for the elapsed audio time.
		energy := audio.Envelope([]audio.PcmChunk{chunk})[0]
		frameIntervalMs := 1000.0 / float64(fps)
		targetFrames := int(math.Floor(chunk.T1Ms / frameIntervalMs))
		nowMs := float64(s.clock.Now().Sub(epoch).Milliseconds())
		for frameCount < targetFrames {
			ptsMs := float64(frameCount) * frameIntervalMs
			frame := VideoFrame{
				PtsMs:     ptsMs,
				Width:     s.cfg.Width,
				Height:    s.cfg.Height,
				Luma:      lumaFromEnergy(energy),
				AnchorRef: s.lastAnchorRef,
			}
			late := avsync.DecideLateFrame(nowMs, ptsMs, s.cfg.AVSync, nil)
			switch late.Decision {
			case avsync.DecisionSend:
				if !s.videoQ.Enqueue(frame) {
					s.stats.AddLateFrames(1)
				}
				lastFrame = &frame
			case avsync.FrameDecision(avsync.PolicyRepeatLast):
				s.stats.AddLateFrames(1)
				if lastFrame != nil {
					repeat := *lastFrame
					repeat.PtsMs = ptsMs
					s.videoQ.Enqueue(repeat)
				}
			default:
				// DROP, DEGRADE_FPS, TIME_STRETCH_AUDIO: the frame is
				// skipped and counted as late in the session stats; the
				// controller's inputs carry no late-frame signal.
				s.stats.AddLateFrames(1)
			}
			frameCount++
		}

		// Controller tick.
		actions := s.tick(chunk.T1Ms, float64(frameCount)*frameIntervalMs)
		for _, action := range actions {
			emitted = append(emitted, action)
			s.publish(action)
			switch action.Type {
			case quality.ActionReduceFPS:
				if action.TargetFPS > 0 && action.TargetFPS < fps {
					fps = action.TargetFPS
				}
			case quality.ActionShortenRemainingTurn:
				limit := chunk.T1Ms + action.TargetSec*1000
				if limit < maxDurationMs {
					maxDurationMs = limit
					slog.Info("session: shortening turn",
						"session_id", s.cfg.SessionID,
						"remaining_sec", action.TargetSec,
					)
				}
			}
		}

		// Pace: sleep to the chunk's wall-clock deadline.
		deadline := epoch.Add(time.Duration(chunk.T1Ms * float64(time.Millisecond)))
		if err := s.clock.SleepUntil(ctx, deadline); err != nil {
			s.cancelTurn()
			return frameCount, emitted, ErrCancelled
		}
	}
	return frameCount, emitted, nil
}

// tick runs one quality-controller pass, draining pending observer
// measurements and folding in playback health from the stream position.
func (s *Session) tick(audioMs, videoMs float64) []quality.Action {
	s.pendingMu.Lock()
	lip := s.pendingLip
	drift := s.pendingDrift
	system := s.pendingSystem
	s.pendingLip, s.pendingDrift, s.pendingSystem = nil, nil, nil
	s.pendingMu.Unlock()

	inputs := quality.Inputs{
		Lipsync: lip,
		Drift:   drift,
		System:  system,
		Playback: &quality.PlaybackInput{
			AvOffsetMs: avsync.EstimateAVOffsetMs(audioMs, videoMs),
		},
	}
	turnCtx := &types.TurnContext{
		SessionID:        s.cfg.SessionID,
		PersonaID:        s.cfg.Persona.PersonaID,
		RemainingTurnSec: math.Max(0, s.cfg.Budget.HardcapSec-audioMs/1000),
		HardcapTurnSec:   s.cfg.Budget.HardcapSec,
	}

	start := s.clock.Now()
	decision := quality.Decide(
		s.cfg.Capabilities,
		inputs,
		turnCtx,
		s.cfg.QualityPolicy,
		s.ctrlState,
		s.clock.Now().UnixMilli(),
		s.cfg.QualityOptions,
	)
	s.stats.RecordTick(s.clock.Now().Sub(start))
	s.ctrlState = decision.State
	return decision.Actions
}

// publish puts an action on the stream without ever blocking the loop;
// a full stream drops the action and logs it.
func (s *Session) publish(action quality.Action) {
	select {
	case s.actions <- action:
	default:
		slog.Warn("session: action stream full, dropping action",
			"session_id", s.cfg.SessionID,
			"type", string(action.Type),
		)
	}
}

// cancelTurn drains the queued frames of the aborted turn. Controller state
// is deliberately left untouched.
func (s *Session) cancelTurn() {
	drainedAudio := s.audioQ.Drain()
	drainedVideo := s.videoQ.Drain()
	slog.Info("session: turn cancelled",
		"session_id", s.cfg.SessionID,
		"drained_audio", drainedAudio,
		"drained_video", drainedVideo,
	)
}

// lumaFromEnergy maps chunk energy into the studio-swing luma range.
func lumaFromEnergy(energy float64) uint8 {
	scaled := 16 + int(math.Min(1, math.Max(0, energy))*180)
	if scaled < 16 {
		scaled = 16
	}
	if scaled > 235 {
		scaled = 235
	}
	return uint8(scaled)
}
