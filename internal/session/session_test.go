package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Volpestyle/facestream/internal/planner"
	"github.com/Volpestyle/facestream/internal/viseme"
	"github.com/Volpestyle/facestream/pkg/persona"
	"github.com/Volpestyle/facestream/pkg/provider/mock"
	"github.com/Volpestyle/facestream/pkg/types"
)

func testPersona() *persona.Pack {
	return &persona.Pack{
		PersonaID: "ava",
		Version:   "v1",
		AnchorSets: map[types.CameraMode][]persona.Anchor{
			types.CameraSelfie: {
				{ImageRef: "ava.png", Metadata: persona.AnchorMetadata{BestFor: []string{"canonical"}}},
			},
		},
	}
}

func newTestSession(t *testing.T, cfg Config) *Session {
	t.Helper()
	if cfg.Persona == nil {
		cfg.Persona = testPersona()
	}
	if cfg.Clock == nil {
		cfg.Clock = &FakeClock{Current: time.Unix(1_700_000_000, 0)}
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	return s
}

func TestNew_RequiresPersona(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("expected error without persona")
	}
}

func TestExecuteTurn_SilenceFallback(t *testing.T) {
	// No speech generator configured: the turn paces silence.
	s := newTestSession(t, Config{Budget: planner.Budget{HardcapSec: 3, MinTargetSec: 1, DefaultTargetMinSec: 1, DefaultTargetMaxSec: 2, TailBufferSec: 0.5}})

	result, err := s.ExecuteTurn(context.Background(), "Hello there.", TurnOptions{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.AudioDurationMs <= 0 {
		t.Errorf("audio duration = %v, want positive", result.AudioDurationMs)
	}
	if result.FrameCount <= 0 {
		t.Errorf("frame count = %d, want positive", result.FrameCount)
	}
	if result.AnchorRef != "ava.png" {
		t.Errorf("anchor = %q, want ava.png", result.AnchorRef)
	}
	if s.MasterClock().AudioSamplesSent() == 0 {
		t.Error("master clock did not advance")
	}
}

func TestExecuteTurn_WithMockSpeech(t *testing.T) {
	gen := &mock.SpeechGenerator{}
	s := newTestSession(t, Config{Speech: gen, Budget: planner.Budget{HardcapSec: 3, MinTargetSec: 1, DefaultTargetMinSec: 1, DefaultTargetMaxSec: 2, TailBufferSec: 0.5}})

	result, err := s.ExecuteTurn(context.Background(), "Hello there, nice to see you.", TurnOptions{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(gen.Requests()) != 1 {
		t.Fatalf("provider requests = %d, want 1", len(gen.Requests()))
	}
	if gen.Requests()[0].Text != result.ResponseText {
		t.Errorf("synthesised %q, want %q", gen.Requests()[0].Text, result.ResponseText)
	}
	// One second of mock audio.
	if result.AudioDurationMs < 900 || result.AudioDurationMs > 1100 {
		t.Errorf("audio duration = %v, want ~1000", result.AudioDurationMs)
	}
}

func TestExecuteTurn_SpeechError(t *testing.T) {
	gen := &mock.SpeechGenerator{Err: errors.New("upstream down")}
	s := newTestSession(t, Config{Speech: gen})

	if _, err := s.ExecuteTurn(context.Background(), "Hi.", TurnOptions{}); err == nil {
		t.Fatal("expected synthesis error")
	}
	if s.Stats().Snapshot().Errors != 1 {
		t.Errorf("error count = %d, want 1", s.Stats().Snapshot().Errors)
	}
}

func TestExecuteTurn_NoAnchors(t *testing.T) {
	pack := &persona.Pack{PersonaID: "p", Version: "v1", AnchorSets: map[types.CameraMode][]persona.Anchor{}}
	s := newTestSession(t, Config{Persona: pack})
	if _, err := s.ExecuteTurn(context.Background(), "Hi.", TurnOptions{}); err == nil {
		t.Fatal("expected error for empty anchor sets")
	}
}

func TestExecuteTurn_Cancellation(t *testing.T) {
	s := newTestSession(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	stateBefore := s.ControllerState()
	_, err := s.ExecuteTurn(ctx, "This turn is cancelled before it starts pacing.", TurnOptions{})
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
	// Queues are drained and controller state untouched.
	if n := s.AudioTrack().Drain(); n != 0 {
		t.Errorf("audio queue still holds %d chunks", n)
	}
	if n := s.VideoTrack().Drain(); n != 0 {
		t.Errorf("video queue still holds %d frames", n)
	}
	if s.ControllerState() != stateBefore {
		t.Errorf("controller state changed on cancellation")
	}
}

func TestExecuteTurn_VisemeTimeline(t *testing.T) {
	s := newTestSession(t, Config{})
	phonemes := []viseme.TimedPhoneme{
		{Phoneme: "HH", StartMs: 0, EndMs: 100},
		{Phoneme: "AY", StartMs: 100, EndMs: 250},
	}
	result, err := s.ExecuteTurn(context.Background(), "Hi.", TurnOptions{Phonemes: phonemes})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Timeline == nil {
		t.Fatal("no viseme timeline")
	}
	if result.Timeline.Source != types.SourceTTSAlignment {
		t.Errorf("source = %q", result.Timeline.Source)
	}
	if len(result.Timeline.Visemes) == 0 {
		t.Error("timeline has no events")
	}
}

func TestExecuteTurn_TurnIndexAdvancesAnchorRefresh(t *testing.T) {
	pack := testPersona()
	pack.AnchorSets[types.CameraSelfie] = append(pack.AnchorSets[types.CameraSelfie],
		persona.Anchor{ImageRef: "alt.png", Metadata: persona.AnchorMetadata{ExpressionTag: "friendly"}})

	s := newTestSession(t, Config{Persona: pack, Budget: planner.Budget{HardcapSec: 1, MinTargetSec: 1, DefaultTargetMinSec: 1, DefaultTargetMaxSec: 1, TailBufferSec: 0.2}})

	var reasons []string
	for i := 0; i < 9; i++ {
		result, err := s.ExecuteTurn(context.Background(), "Hi.", TurnOptions{})
		if err != nil {
			t.Fatalf("turn %d: %v", i, err)
		}
		reasons = append(reasons, result.AnchorReason)
	}
	// Turn 0 picks best match, turns 1-7 reuse, turn 8 refreshes.
	if reasons[0] != "best_match" {
		t.Errorf("first turn reason = %q", reasons[0])
	}
	for i := 1; i < 8; i++ {
		if reasons[i] != "reuse_last_anchor" {
			t.Errorf("turn %d reason = %q, want reuse_last_anchor", i, reasons[i])
		}
	}
	if reasons[8] != "refresh:periodic_refresh" {
		t.Errorf("turn 8 reason = %q, want refresh:periodic_refresh", reasons[8])
	}
}

func TestSubmitMeasurements_ReachController(t *testing.T) {
	score := 0.3
	confidence := 0.9
	s := newTestSession(t, Config{
		Capabilities: types.BackendCapabilities{SupportsMouthCorrector: true},
		Budget:       planner.Budget{HardcapSec: 1, MinTargetSec: 1, DefaultTargetMinSec: 1, DefaultTargetMaxSec: 1, TailBufferSec: 0.2},
	})

	// Five turns, each fed one hard lip failure: the streak crosses the
	// threshold of three and the corrector action appears on the stream.
	var sawCorrector bool
	for i := 0; i < 5; i++ {
		s.SubmitLipSync(types.LipSyncScore{
			WindowID:   "w",
			Score:      &score,
			Confidence: confidence,
			Label:      types.SyncFail,
		})
		result, err := s.ExecuteTurn(context.Background(), "Hi.", TurnOptions{})
		if err != nil {
			t.Fatalf("turn %d: %v", i, err)
		}
		for _, a := range result.Actions {
			if a.Type == "APPLY_MOUTH_CORRECTOR" {
				sawCorrector = true
			}
		}
	}
	if !sawCorrector {
		t.Error("mouth corrector never requested despite sustained lip failure")
	}
	if s.ControllerState().LipFailStreak == 0 {
		t.Error("lip failure streak not tracked")
	}
}

func TestExecuteTurn_VideoPipeline(t *testing.T) {
	videoGen := &mock.VideoGenerator{Output: []byte("rendered block")}
	lipSyncer := &mock.LipSyncer{}
	s := newTestSession(t, Config{
		Budget: planner.Budget{HardcapSec: 1, MinTargetSec: 1, DefaultTargetMinSec: 1, DefaultTargetMaxSec: 1, TailBufferSec: 0.2},
		VideoPipeline: &VideoPipeline{
			Generator:       videoGen,
			Provider:        "fal",
			Model:           "vendor/i2v",
			Lipsync:         lipSyncer,
			LipsyncProvider: "fal",
			LipsyncModel:    "vendor/lipsync",
			SyncMode:        "cut_off",
		},
	})

	result, err := s.ExecuteTurn(context.Background(), "Hi there.", TurnOptions{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.VideoError != "" {
		t.Fatalf("video error = %q, want none", result.VideoError)
	}
	// The lip-syncer echoes its input, which is the generated block.
	if string(result.Video) != "rendered block" {
		t.Errorf("video = %q", result.Video)
	}

	genReqs := videoGen.Requests()
	if len(genReqs) != 1 {
		t.Fatalf("i2v requests = %d, want 1", len(genReqs))
	}
	if genReqs[0].Provider != "fal" || genReqs[0].Model != "vendor/i2v" {
		t.Errorf("i2v request routing = %s/%s", genReqs[0].Provider, genReqs[0].Model)
	}
	if genReqs[0].DurationSec < 1 {
		t.Errorf("duration = %d, want >= 1", genReqs[0].DurationSec)
	}
	if genReqs[0].StartImageDataURL == "" {
		t.Error("start image not populated")
	}
	if genReqs[0].AudioBase64 == "" {
		t.Error("driving audio not populated")
	}

	syncReqs := lipSyncer.Requests()
	if len(syncReqs) != 1 {
		t.Fatalf("lipsync requests = %d, want 1", len(syncReqs))
	}
	if syncReqs[0].Provider != "fal" || syncReqs[0].Model != "vendor/lipsync" || syncReqs[0].SyncMode != "cut_off" {
		t.Errorf("lipsync request routing = %+v", syncReqs[0])
	}
	if len(syncReqs[0].Audio) == 0 {
		t.Error("lipsync request missing turn audio")
	}
}

func TestExecuteTurn_VideoPipelineDegrades(t *testing.T) {
	// An empty mock output reports i2v_empty_output; the turn still
	// completes on the placeholder path.
	videoGen := &mock.VideoGenerator{}
	s := newTestSession(t, Config{
		Budget:        planner.Budget{HardcapSec: 1, MinTargetSec: 1, DefaultTargetMinSec: 1, DefaultTargetMaxSec: 1, TailBufferSec: 0.2},
		VideoPipeline: &VideoPipeline{Generator: videoGen, Provider: "fal", Model: "vendor/i2v"},
	})

	result, err := s.ExecuteTurn(context.Background(), "Hi there.", TurnOptions{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.VideoError != "i2v_empty_output" {
		t.Errorf("video error = %q, want i2v_empty_output", result.VideoError)
	}
	if result.Video != nil {
		t.Errorf("video = %q, want nil", result.Video)
	}
	if result.FrameCount == 0 {
		t.Error("placeholder streaming did not run")
	}
	if s.Stats().Snapshot().Errors != 1 {
		t.Errorf("error count = %d, want 1", s.Stats().Snapshot().Errors)
	}
}

func TestQueues_OverflowDropsNewest(t *testing.T) {
	q := NewVideoQueue(720, 1280)
	for i := 0; i < videoQueueMax+5; i++ {
		q.Enqueue(VideoFrame{PtsMs: float64(i)})
	}
	if q.Dropped() != 5 {
		t.Errorf("dropped = %d, want 5", q.Dropped())
	}
	// The oldest frames survive; the newest were dropped.
	frame, ok := q.Dequeue(context.Background())
	if !ok || frame.PtsMs != 0 {
		t.Errorf("head frame = %+v, want pts 0", frame)
	}
}

func TestQueues_IdlePlaceholder(t *testing.T) {
	q := NewAudioQueue(16000)
	start := time.Now()
	chunk, ok := q.Dequeue(context.Background())
	if ok {
		t.Error("placeholder reported as real chunk")
	}
	if len(chunk.Samples) == 0 {
		t.Error("placeholder has no samples")
	}
	if elapsed := time.Since(start); elapsed < audioIdleTimeout {
		t.Errorf("placeholder arrived after %v, want >= %v", elapsed, audioIdleTimeout)
	}

	vq := NewVideoQueue(720, 1280)
	frame, ok := vq.Dequeue(context.Background())
	if ok {
		t.Error("placeholder reported as real frame")
	}
	if frame.Width != 720 || frame.Luma != 16 {
		t.Errorf("placeholder = %+v", frame)
	}
}

func TestStats_Percentiles(t *testing.T) {
	stats := NewStats(10)
	for i := 1; i <= 10; i++ {
		stats.RecordPlan(time.Duration(i) * time.Millisecond)
	}
	snap := stats.Snapshot()
	if snap.Plan.P50 < 4*time.Millisecond || snap.Plan.P50 > 6*time.Millisecond {
		t.Errorf("p50 = %v", snap.Plan.P50)
	}
	if snap.Plan.P95 < 9*time.Millisecond {
		t.Errorf("p95 = %v", snap.Plan.P95)
	}

	// Ring buffer keeps only the window.
	for i := 0; i < 20; i++ {
		stats.RecordPlan(time.Second)
	}
	snap = stats.Snapshot()
	if snap.Plan.P50 != time.Second {
		t.Errorf("post-wrap p50 = %v, want 1s", snap.Plan.P50)
	}
}
