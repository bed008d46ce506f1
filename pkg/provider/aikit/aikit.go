// Package aikit provides image-to-video and lip-sync generation dispatched
// across the hosted providers the runtime supports: "fal" and "replicate".
//
// Requests name the provider and model; unknown providers are rejected with
// the stable tokens unsupported_i2v_provider:<p> and
// unsupported_lipsync_provider:<p>, and every failure mode maps to a
// machine-readable reason (missing_api_key, ai_kit_unavailable,
// i2v_empty_output, fal_i2v_missing_url, lipsync_provider_disabled, ...)
// so the quality controller can react without parsing prose.
package aikit

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Volpestyle/facestream/pkg/provider"
)

// Default endpoints and limits.
const (
	defaultFalBaseURL       = "https://fal.run"
	defaultReplicateBaseURL = "https://api.replicate.com"
	defaultTimeout          = 120 * time.Second

	// maxOutputBytes bounds a downloaded generation.
	maxOutputBytes = 256 << 20
)

// Client dispatches generation requests to the configured providers. API
// keys are checked per call so a client with only one provider configured
// still serves that provider.
type Client struct {
	httpClient       *http.Client
	falAPIKey        string
	replicateAPIKey  string
	falBaseURL       string
	replicateBaseURL string
}

// Compile-time interface checks.
var (
	_ provider.VideoGenerator = (*Client)(nil)
	_ provider.LipSyncer      = (*Client)(nil)
)

// Option is a functional option for Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client (used in tests).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithFalBaseURL overrides the fal endpoint.
func WithFalBaseURL(url string) Option {
	return func(c *Client) { c.falBaseURL = strings.TrimRight(url, "/") }
}

// WithReplicateBaseURL overrides the replicate endpoint.
func WithReplicateBaseURL(url string) Option {
	return func(c *Client) { c.replicateBaseURL = strings.TrimRight(url, "/") }
}

// New creates a dispatching client. Either key may be empty; calls routed
// to a keyless provider fail with missing_api_key.
func New(falAPIKey, replicateAPIKey string, opts ...Option) *Client {
	c := &Client{
		httpClient:       &http.Client{Timeout: defaultTimeout},
		falAPIKey:        falAPIKey,
		replicateAPIKey:  replicateAPIKey,
		falBaseURL:       defaultFalBaseURL,
		replicateBaseURL: defaultReplicateBaseURL,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// GenerateVideoI2V animates the start image through the named provider.
func (c *Client) GenerateVideoI2V(ctx context.Context, req provider.VideoRequest) ([]byte, error) {
	if req.Model == "" {
		return nil, fmt.Errorf("aikit: model must not be empty")
	}
	switch req.Provider {
	case "fal":
		return c.falI2V(ctx, req)
	case "replicate":
		return c.replicateI2V(ctx, req)
	}
	return nil, provider.Errorf("unsupported_i2v_provider:"+req.Provider, nil)
}

func (c *Client) falI2V(ctx context.Context, req provider.VideoRequest) ([]byte, error) {
	if c.falAPIKey == "" {
		return nil, provider.Errorf("missing_api_key", nil)
	}
	duration := "5"
	if req.DurationSec > 5 {
		duration = "10"
	}
	payload := map[string]any{
		"prompt":    req.Prompt,
		"image_url": req.StartImageDataURL,
		"duration":  duration,
	}
	if req.NegativePrompt != "" {
		payload["negative_prompt"] = req.NegativePrompt
	}
	for k, v := range req.Parameters {
		payload[k] = v
	}
	if _, ok := payload["generate_audio"]; !ok {
		payload["generate_audio"] = false
	}

	result, err := c.postJSON(ctx, c.falBaseURL+"/"+req.Model, "Key "+c.falAPIKey, payload)
	if err != nil {
		return nil, err
	}
	outURL := nestedURL(result, "video")
	if outURL == "" {
		return nil, provider.Errorf("fal_i2v_missing_url", nil)
	}
	data, err := c.fetch(ctx, outURL)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, provider.Errorf("i2v_empty_output", nil)
	}
	return data, nil
}

func (c *Client) replicateI2V(ctx context.Context, req provider.VideoRequest) ([]byte, error) {
	if c.replicateAPIKey == "" {
		return nil, provider.Errorf("missing_api_key", nil)
	}
	input := map[string]any{
		"prompt":       req.Prompt,
		"start_image":  req.StartImageDataURL,
		"duration":     req.DurationSec,
		"aspect_ratio": req.AspectRatio,
	}
	if req.NegativePrompt != "" {
		input["negative_prompt"] = req.NegativePrompt
	}
	for k, v := range req.Parameters {
		input[k] = v
	}

	result, err := c.postJSON(ctx,
		c.replicateBaseURL+"/v1/models/"+req.Model+"/predictions",
		"Bearer "+c.replicateAPIKey,
		map[string]any{"input": input})
	if err != nil {
		return nil, err
	}
	data, err := c.coerceOutput(ctx, result["output"])
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, provider.Errorf("i2v_empty_output", nil)
	}
	return data, nil
}

// ApplyLipsync re-times the video's mouth to the audio through the named
// provider. An empty or "none" provider, or a missing model, means lip-sync
// is disabled for the session.
func (c *Client) ApplyLipsync(ctx context.Context, req provider.LipsyncRequest) ([]byte, error) {
	if req.Provider == "" || req.Provider == "none" || req.Model == "" {
		return nil, provider.Errorf("lipsync_provider_disabled", nil)
	}
	switch req.Provider {
	case "fal":
		return c.falLipsync(ctx, req)
	case "replicate":
		return c.replicateLipsync(ctx, req)
	}
	return nil, provider.Errorf("unsupported_lipsync_provider:"+req.Provider, nil)
}

func (c *Client) falLipsync(ctx context.Context, req provider.LipsyncRequest) ([]byte, error) {
	if c.falAPIKey == "" {
		return nil, provider.Errorf("missing_api_key", nil)
	}
	payload := map[string]any{
		"video_url": dataURL("video/mp4", req.Video),
		"audio_url": dataURL("audio/wav", req.Audio),
		"sync_mode": req.SyncMode,
	}
	for k, v := range req.Parameters {
		payload[k] = v
	}

	result, err := c.postJSON(ctx, c.falBaseURL+"/"+req.Model, "Key "+c.falAPIKey, payload)
	if err != nil {
		return nil, err
	}
	outURL := nestedURL(result, "video")
	if outURL == "" {
		return nil, provider.Errorf("fal_lipsync_missing_url", nil)
	}
	data, err := c.fetch(ctx, outURL)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, provider.Errorf("lipsync_empty_output", nil)
	}
	return data, nil
}

func (c *Client) replicateLipsync(ctx context.Context, req provider.LipsyncRequest) ([]byte, error) {
	if c.replicateAPIKey == "" {
		return nil, provider.Errorf("missing_api_key", nil)
	}
	// latentsync models take raw media fields; the rest take *_url fields.
	videoKey, audioKey := "video_url", "audio_file"
	if strings.Contains(req.Model, "latentsync") {
		videoKey, audioKey = "video", "audio"
	}
	input := map[string]any{
		videoKey: dataURL("video/mp4", req.Video),
		audioKey: dataURL("audio/wav", req.Audio),
	}
	for k, v := range req.Parameters {
		input[k] = v
	}

	result, err := c.postJSON(ctx,
		c.replicateBaseURL+"/v1/models/"+req.Model+"/predictions",
		"Bearer "+c.replicateAPIKey,
		map[string]any{"input": input})
	if err != nil {
		return nil, err
	}
	data, err := c.coerceOutput(ctx, result["output"])
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, provider.Errorf("lipsync_empty_output", nil)
	}
	return data, nil
}

// postJSON posts the payload and decodes a JSON object reply. Transport
// failures surface as ai_kit_unavailable; rejections carry the HTTP status.
func (c *Client) postJSON(ctx context.Context, url, authorization string, payload map[string]any) (map[string]any, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("aikit: marshal payload: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("aikit: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", authorization)
	httpReq.Header.Set("Prefer", "wait")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, provider.Errorf("ai_kit_unavailable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, provider.Errorf("provider_request_rejected", fmt.Errorf("status %d", resp.StatusCode))
	}
	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, provider.Errorf("provider_invalid_response", err)
	}
	return result, nil
}

// coerceOutput normalises a provider's output field to bytes: a direct URL,
// a data: URL, a list of either, or a {"url": ...} object.
func (c *Client) coerceOutput(ctx context.Context, output any) ([]byte, error) {
	switch v := output.(type) {
	case nil:
		return nil, provider.Errorf("i2v_empty_output", nil)
	case string:
		return c.fetch(ctx, v)
	case []any:
		if len(v) == 0 {
			return nil, provider.Errorf("i2v_empty_output", nil)
		}
		return c.coerceOutput(ctx, v[0])
	case map[string]any:
		if url, ok := v["url"].(string); ok && url != "" {
			return c.fetch(ctx, url)
		}
	}
	return nil, provider.Errorf("i2v_empty_output", fmt.Errorf("unsupported output type %T", output))
}

// fetch downloads a generation. data: URLs decode locally.
func (c *Client) fetch(ctx context.Context, url string) ([]byte, error) {
	if strings.HasPrefix(url, "data:") {
		idx := strings.Index(url, ",")
		if idx < 0 {
			return nil, provider.Errorf("provider_invalid_response", fmt.Errorf("malformed data url"))
		}
		data, err := base64.StdEncoding.DecodeString(url[idx+1:])
		if err != nil {
			return nil, provider.Errorf("provider_invalid_response", err)
		}
		return data, nil
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("aikit: build download: %w", err)
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, provider.Errorf("ai_kit_unavailable", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, provider.Errorf("provider_request_rejected", fmt.Errorf("download status %d", resp.StatusCode))
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxOutputBytes))
	if err != nil {
		return nil, provider.Errorf("ai_kit_unavailable", err)
	}
	return data, nil
}

// nestedURL extracts result[field]["url"] when present.
func nestedURL(result map[string]any, field string) string {
	obj, ok := result[field].(map[string]any)
	if !ok {
		return ""
	}
	url, _ := obj["url"].(string)
	return url
}

// dataURL renders bytes as a base64 data: URL with the given mime type.
func dataURL(mime string, data []byte) string {
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
}
