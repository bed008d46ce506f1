// Package provider defines the abstractions over the black-box generators
// the streaming core depends on: speech synthesis, image-to-video, and
// lip-sync post-processing.
//
// Providers return bytes; all decoding into the core's PCM model happens in
// [DecodeSpeech]. Upstream failures surface as [*Error] values carrying a
// stable machine-readable reason token, so the quality controller can react
// without parsing prose.
package provider

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/Volpestyle/facestream/pkg/audio"
)

// Error is a provider failure with a stable reason token (kebab/snake case,
// e.g. "missing_api_key", "i2v_empty_output").
type Error struct {
	// Reason is the machine-readable token.
	Reason string

	// Err optionally wraps the underlying cause.
	Err error
}

// Errorf creates an [*Error] with the given reason token.
func Errorf(reason string, err error) *Error {
	return &Error{Reason: reason, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provider: %s: %v", e.Reason, e.Err)
	}
	return "provider: " + e.Reason
}

func (e *Error) Unwrap() error { return e.Err }

// ReasonOf extracts the reason token from err, or "" when err is not a
// provider error.
func ReasonOf(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Reason
	}
	return ""
}

// ResponseFormat is the audio container requested from speech synthesis.
type ResponseFormat string

const (
	FormatWAV  ResponseFormat = "wav"
	FormatPCM  ResponseFormat = "pcm"
	FormatPCMU ResponseFormat = "pcmu"
	FormatPCMA ResponseFormat = "pcma"
)

// SpeechRequest asks a provider to speak text.
type SpeechRequest struct {
	// Text is the content to synthesise.
	Text string

	// Voice is the provider-specific voice id; empty selects the
	// provider default.
	Voice string

	// ResponseFormat is the requested container; empty means wav.
	ResponseFormat ResponseFormat

	// Speed scales the speaking rate; 0 means the provider default.
	Speed float64

	// Parameters carries provider-specific extras (sampleRate,
	// instructions, ...).
	Parameters map[string]any
}

// SpeechResult is the raw synthesis output before decoding.
type SpeechResult struct {
	// Mime identifies the container ("audio/wav", "audio/pcm", ...).
	Mime string

	// Data is the audio payload.
	Data []byte
}

// SpeechGenerator synthesises speech from text.
type SpeechGenerator interface {
	// GenerateSpeech synthesises req.Text. Implementations must be safe
	// for concurrent use.
	GenerateSpeech(ctx context.Context, req SpeechRequest) (SpeechResult, error)
}

// VideoRequest asks a provider to animate a start image.
type VideoRequest struct {
	// Provider selects the upstream service ("fal", "replicate").
	Provider string

	// Model is the provider-specific model identifier.
	Model string

	Prompt string

	// StartImageDataURL carries the conditioning image as a data: URL.
	StartImageDataURL string

	// AudioBase64 optionally carries driving audio.
	AudioBase64 string

	DurationSec    int
	AspectRatio    string
	NegativePrompt string
	Parameters     map[string]any
}

// VideoGenerator produces image-to-video output.
type VideoGenerator interface {
	// GenerateVideoI2V animates req.StartImageDataURL and returns the encoded
	// video bytes.
	GenerateVideoI2V(ctx context.Context, req VideoRequest) ([]byte, error)
}

// LipsyncRequest asks a provider to re-time a video's mouth to audio.
type LipsyncRequest struct {
	// Provider selects the upstream service ("fal", "replicate");
	// "none" means lip-sync is disabled.
	Provider string

	// Model is the provider-specific model identifier.
	Model string

	Video      []byte
	Audio      []byte
	SyncMode   string
	Parameters map[string]any
}

// LipSyncer applies lip-sync post-processing.
type LipSyncer interface {
	// ApplyLipsync returns the re-timed video bytes.
	ApplyLipsync(ctx context.Context, req LipsyncRequest) ([]byte, error)
}

// DecodeSpeech converts a synthesis result into PCM chunks. WAV payloads
// carry their own sample rate; raw PCM payloads use parameters["sampleRate"]
// when it is a positive number, else the 24 kHz default. Unknown containers
// return an error with reason "unsupported_audio_mime".
func DecodeSpeech(result SpeechResult, parameters map[string]any, chunkMs int) ([]audio.PcmChunk, error) {
	mime := strings.ToLower(result.Mime)
	switch {
	case strings.Contains(mime, "wav"), strings.Contains(mime, "wave"):
		chunks, err := audio.DecodeWAV(result.Data, chunkMs)
		if err != nil {
			return nil, Errorf("undecodable_wav_output", err)
		}
		return chunks, nil
	case strings.Contains(mime, "pcm"):
		sampleRate := audio.DefaultPCMSampleRateHz
		if raw, ok := parameters["sampleRate"]; ok {
			if rate := asPositiveInt(raw); rate > 0 {
				sampleRate = rate
			}
		}
		return audio.DecodePCM16(result.Data, sampleRate, chunkMs), nil
	}
	return nil, Errorf("unsupported_audio_mime", fmt.Errorf("mime %q", result.Mime))
}

// Environment variables recognised by [SpeechDefaultsFromEnv].
const (
	EnvTTSResponseFormat = "TTS_RESPONSE_FORMAT"
	EnvTTSSampleRate     = "TTS_SAMPLE_RATE"
	EnvTTSVoice          = "TTS_VOICE"
)

// SpeechDefaultsFromEnv fills unset request fields from the environment:
// the response format, a sampleRate parameter, and the voice.
func SpeechDefaultsFromEnv(req SpeechRequest) SpeechRequest {
	if req.ResponseFormat == "" {
		format := strings.ToLower(strings.TrimSpace(os.Getenv(EnvTTSResponseFormat)))
		if format == "" {
			format = string(FormatWAV)
		}
		req.ResponseFormat = ResponseFormat(format)
	}
	if req.Voice == "" {
		req.Voice = os.Getenv(EnvTTSVoice)
	}
	if raw := strings.TrimSpace(os.Getenv(EnvTTSSampleRate)); raw != "" {
		if rate, err := strconv.Atoi(raw); err == nil && rate > 0 {
			if req.Parameters == nil {
				req.Parameters = map[string]any{}
			}
			if _, exists := req.Parameters["sampleRate"]; !exists {
				req.Parameters["sampleRate"] = rate
			}
		}
	}
	return req
}

func asPositiveInt(v any) int {
	switch n := v.(type) {
	case int:
		if n > 0 {
			return n
		}
	case int64:
		if n > 0 {
			return int(n)
		}
	case float64:
		if n > 0 {
			return int(n)
		}
	}
	return 0
}
