// Package avsync keeps audio and video presentation time aligned.
//
// The audio path is the single source of truth: [MasterClock] counts audio
// samples as they are sent, and every video RTP timestamp is derived from the
// audio elapsed time. Video never advances the clock on its own, which keeps
// AV correlation drift-free at the transport layer.
package avsync

import (
	"fmt"
	"math"
)

// Mode selects how media leaves the session.
type Mode string

const (
	// ModeLocalEncode means the session encodes and paces media itself.
	ModeLocalEncode Mode = "local_encode"

	// ModeProviderBridge means a provider stream is bridged through and
	// the session only supervises timing.
	ModeProviderBridge Mode = "provider_bridge"
)

// LateFramePolicy is what to do with a video frame that missed its deadline.
type LateFramePolicy string

const (
	PolicyDrop             LateFramePolicy = "DROP"
	PolicyRepeatLast       LateFramePolicy = "REPEAT_LAST"
	PolicyDegradeFPS       LateFramePolicy = "DEGRADE_FPS"
	PolicyTimeStretchAudio LateFramePolicy = "TIME_STRETCH_AUDIO"
)

// FrameDecision is the verdict for one frame.
type FrameDecision string

// DecisionSend means the frame is on time and should go out.
const DecisionSend FrameDecision = "SEND"

// Policy is the full AV-sync configuration. Zero-value fields are filled by
// [NormalizePolicy].
type Policy struct {
	Mode                 Mode            `yaml:"mode"`
	AudioSampleRateHz    int             `yaml:"audio_sample_rate_hz"`
	VideoRTPClockHz      int             `yaml:"video_rtp_clock_hz"`
	TargetJitterBufferMs int             `yaml:"target_jitter_buffer_ms"`
	MaxJitterBufferMs    int             `yaml:"max_jitter_buffer_ms"`
	LateFramePolicy      LateFramePolicy `yaml:"late_frame_policy"`
	ResyncThresholdMs    int             `yaml:"resync_threshold_ms"`
}

// DefaultPolicy returns the stock AV-sync policy.
func DefaultPolicy() Policy {
	return Policy{
		Mode:                 ModeLocalEncode,
		AudioSampleRateHz:    48000,
		VideoRTPClockHz:      90000,
		TargetJitterBufferMs: 90,
		MaxJitterBufferMs:    250,
		LateFramePolicy:      PolicyDrop,
		ResyncThresholdMs:    120,
	}
}

// NormalizePolicy fills every zero field of p with its default. The full
// field enumeration lives here so partial overrides stay forward-compatible.
func NormalizePolicy(p Policy) Policy {
	def := DefaultPolicy()
	if p.Mode == "" {
		p.Mode = def.Mode
	}
	if p.AudioSampleRateHz <= 0 {
		p.AudioSampleRateHz = def.AudioSampleRateHz
	}
	if p.VideoRTPClockHz <= 0 {
		p.VideoRTPClockHz = def.VideoRTPClockHz
	}
	if p.TargetJitterBufferMs <= 0 {
		p.TargetJitterBufferMs = def.TargetJitterBufferMs
	}
	if p.MaxJitterBufferMs <= 0 {
		p.MaxJitterBufferMs = def.MaxJitterBufferMs
	}
	if p.LateFramePolicy == "" {
		p.LateFramePolicy = def.LateFramePolicy
	}
	if p.ResyncThresholdMs <= 0 {
		p.ResyncThresholdMs = def.ResyncThresholdMs
	}
	return p
}

// Timestamps is the result of pushing audio into the master clock.
type Timestamps struct {
	// AudioRTPTs is the audio RTP timestamp, equal to the cumulative
	// sample count.
	AudioRTPTs int64

	// VideoRTPTs is the video RTP timestamp derived from audio time.
	VideoRTPTs int64

	// ElapsedAudioSec is the audio time elapsed since session start.
	ElapsedAudioSec float64
}

// MasterClock derives all media timestamps from the count of audio samples
// sent. It is owned exclusively by one session and is not safe for
// concurrent use; the session's single-threaded executor is the only writer.
type MasterClock struct {
	policy           Policy
	audioSamplesSent int64
}

// NewMasterClock creates a clock with the normalized policy.
func NewMasterClock(policy Policy) *MasterClock {
	return &MasterClock{policy: NormalizePolicy(policy)}
}

// AudioSamplesSent returns the cumulative sample count.
func (c *MasterClock) AudioSamplesSent() int64 {
	return c.audioSamplesSent
}

// PushAudioSamples records sampleCount sent samples and returns the resulting
// timestamps. sampleCount must be non-negative.
func (c *MasterClock) PushAudioSamples(sampleCount int64) (Timestamps, error) {
	if sampleCount < 0 {
		return Timestamps{}, fmt.Errorf("avsync: sample count must be non-negative; got %d", sampleCount)
	}
	c.audioSamplesSent += sampleCount
	elapsed := float64(c.audioSamplesSent) / float64(c.policy.AudioSampleRateHz)
	return Timestamps{
		AudioRTPTs:      c.audioSamplesSent,
		VideoRTPTs:      int64(math.Round(elapsed * float64(c.policy.VideoRTPClockHz))),
		ElapsedAudioSec: elapsed,
	}, nil
}

// VideoRTPTimestamp returns the video RTP timestamp for the current audio
// position without advancing the clock.
func (c *MasterClock) VideoRTPTimestamp() int64 {
	elapsed := float64(c.audioSamplesSent) / float64(c.policy.AudioSampleRateHz)
	return int64(math.Round(elapsed * float64(c.policy.VideoRTPClockHz)))
}

// EstimateAVOffsetMs returns video minus audio presentation time. Positive
// means video is ahead.
func EstimateAVOffsetMs(audioPtsMs, videoPtsMs float64) float64 {
	return videoPtsMs - audioPtsMs
}

// ShouldResync reports whether the absolute AV offset has reached the
// policy's resync threshold.
func ShouldResync(avOffsetMs float64, policy Policy) bool {
	p := NormalizePolicy(policy)
	return math.Abs(avOffsetMs) >= float64(p.ResyncThresholdMs)
}

// LateFrameResult is the outcome of a late-frame check.
type LateFrameResult struct {
	// LateByMs is how far past its deadline the frame is. Negative means
	// the frame is early.
	LateByMs float64

	// Decision is SEND when the frame is within the threshold, otherwise
	// the policy's configured late-frame handling.
	Decision FrameDecision
}

// DecideLateFrame checks a frame against its send deadline. A frame exactly
// at the threshold is still sent. lateThresholdMs overrides the policy's
// target jitter buffer when non-nil.
func DecideLateFrame(nowMs, expectedSendMs float64, policy Policy, lateThresholdMs *float64) LateFrameResult {
	p := NormalizePolicy(policy)
	lateBy := nowMs - expectedSendMs
	threshold := float64(p.TargetJitterBufferMs)
	if lateThresholdMs != nil {
		threshold = *lateThresholdMs
	}
	if lateBy <= threshold {
		return LateFrameResult{LateByMs: lateBy, Decision: DecisionSend}
	}
	switch p.LateFramePolicy {
	case PolicyDrop, PolicyRepeatLast, PolicyDegradeFPS, PolicyTimeStretchAudio:
		return LateFrameResult{LateByMs: lateBy, Decision: FrameDecision(p.LateFramePolicy)}
	}
	return LateFrameResult{LateByMs: lateBy, Decision: FrameDecision(PolicyDrop)}
}
