// Package openai provides a speech synthesis adapter backed by the OpenAI
// audio API.
package openai

import (
	"context"
	"fmt"
	"io"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/Volpestyle/facestream/pkg/provider"
)

// Generator implements provider.SpeechGenerator using the OpenAI API.
type Generator struct {
	client oai.Client
	model  string
	voice  string
}

// Compile-time interface check.
var _ provider.SpeechGenerator = (*Generator)(nil)

// config holds optional configuration for the generator.
type config struct {
	baseURL string
	timeout time.Duration
}

// Option is a functional option for Generator.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// New constructs a speech generator. model selects the synthesis model
// (e.g. "gpt-4o-mini-tts"); voice is the default voice when a request does
// not name one.
func New(apiKey, model, voice string, opts ...Option) (*Generator, error) {
	if apiKey == "" {
		return nil, provider.Errorf("missing_api_key", nil)
	}
	if model == "" {
		return nil, fmt.Errorf("openai: model must not be empty")
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithRequestTimeout(cfg.timeout))
	}

	return &Generator{
		client: oai.NewClient(reqOpts...),
		model:  model,
		voice:  voice,
	}, nil
}

// GenerateSpeech synthesises req.Text and returns the raw audio payload with
// its container mime.
func (g *Generator) GenerateSpeech(ctx context.Context, req provider.SpeechRequest) (provider.SpeechResult, error) {
	voice := req.Voice
	if voice == "" {
		voice = g.voice
	}
	format := req.ResponseFormat
	if format == "" {
		format = provider.FormatWAV
	}

	params := oai.AudioSpeechNewParams{
		Model:          oai.SpeechModel(g.model),
		Input:          req.Text,
		Voice:          oai.AudioSpeechNewParamsVoice(voice),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormat(format),
	}
	if req.Speed > 0 {
		params.Speed = param.NewOpt(req.Speed)
	}
	if instructions, ok := req.Parameters["instructions"].(string); ok && instructions != "" {
		params.Instructions = param.NewOpt(instructions)
	}

	resp, err := g.client.Audio.Speech.New(ctx, params)
	if err != nil {
		return provider.SpeechResult{}, provider.Errorf("speech_generation_failed", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return provider.SpeechResult{}, provider.Errorf("speech_read_failed", err)
	}
	if len(data) == 0 {
		return provider.SpeechResult{}, provider.Errorf("speech_empty_output", nil)
	}

	mime := resp.Header.Get("Content-Type")
	if mime == "" {
		mime = "audio/" + string(format)
	}
	return provider.SpeechResult{Mime: mime, Data: data}, nil
}
