// Package mock provides in-memory provider implementations for tests.
package mock

import (
	"context"
	"sync"

	"github.com/Volpestyle/facestream/pkg/audio"
	"github.com/Volpestyle/facestream/pkg/provider"
)

// SpeechGenerator returns canned PCM16 audio. The zero value produces one
// second of silence at the default raw-PCM sample rate per request.
type SpeechGenerator struct {
	// Result overrides the canned output when non-nil.
	Result *provider.SpeechResult

	// Err is returned instead of a result when non-nil.
	Err error

	mu       sync.Mutex
	requests []provider.SpeechRequest
}

var _ provider.SpeechGenerator = (*SpeechGenerator)(nil)

// GenerateSpeech records the request and returns the canned output.
func (m *SpeechGenerator) GenerateSpeech(_ context.Context, req provider.SpeechRequest) (provider.SpeechResult, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()

	if m.Err != nil {
		return provider.SpeechResult{}, m.Err
	}
	if m.Result != nil {
		return *m.Result, nil
	}
	silence := audio.GenerateSilence(1.0, audio.DefaultPCMSampleRateHz, audio.DefaultChunkMs)
	var samples []float64
	for _, chunk := range silence {
		samples = append(samples, chunk.Samples...)
	}
	return provider.SpeechResult{
		Mime: "audio/pcm",
		Data: audio.FloatsToS16Bytes(samples),
	}, nil
}

// Requests returns the recorded requests.
func (m *SpeechGenerator) Requests() []provider.SpeechRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]provider.SpeechRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// VideoGenerator returns canned video bytes.
type VideoGenerator struct {
	Output []byte
	Err    error

	mu       sync.Mutex
	requests []provider.VideoRequest
}

var _ provider.VideoGenerator = (*VideoGenerator)(nil)

// GenerateVideoI2V records the request and returns the canned bytes. An
// empty Output with no Err mimics a provider returning nothing.
func (m *VideoGenerator) GenerateVideoI2V(_ context.Context, req provider.VideoRequest) ([]byte, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()

	if m.Err != nil {
		return nil, m.Err
	}
	if len(m.Output) == 0 {
		return nil, provider.Errorf("i2v_empty_output", nil)
	}
	return m.Output, nil
}

// Requests returns the recorded requests.
func (m *VideoGenerator) Requests() []provider.VideoRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]provider.VideoRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// LipSyncer echoes the input video back, optionally failing.
type LipSyncer struct {
	Err error

	mu       sync.Mutex
	requests []provider.LipsyncRequest
}

var _ provider.LipSyncer = (*LipSyncer)(nil)

// ApplyLipsync records the request and echoes the video bytes.
func (m *LipSyncer) ApplyLipsync(_ context.Context, req provider.LipsyncRequest) ([]byte, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()

	if m.Err != nil {
		return nil, m.Err
	}
	return req.Video, nil
}

// Requests returns the recorded requests.
func (m *LipSyncer) Requests() []provider.LipsyncRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]provider.LipsyncRequest, len(m.requests))
	copy(out, m.requests)
	return out
}
