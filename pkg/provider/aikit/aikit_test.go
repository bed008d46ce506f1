package aikit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Volpestyle/facestream/pkg/provider"
)

func TestGenerateVideoI2V_UnsupportedProvider(t *testing.T) {
	c := New("fal-key", "rep-key")
	_, err := c.GenerateVideoI2V(context.Background(), provider.VideoRequest{
		Provider: "banana-farm",
		Model:    "some/model",
	})
	if got := provider.ReasonOf(err); got != "unsupported_i2v_provider:banana-farm" {
		t.Errorf("reason = %q, want unsupported_i2v_provider:banana-farm", got)
	}
}

func TestGenerateVideoI2V_MissingKey(t *testing.T) {
	c := New("", "")
	for _, p := range []string{"fal", "replicate"} {
		_, err := c.GenerateVideoI2V(context.Background(), provider.VideoRequest{Provider: p, Model: "m"})
		if got := provider.ReasonOf(err); got != "missing_api_key" {
			t.Errorf("%s reason = %q, want missing_api_key", p, got)
		}
	}
}

func TestGenerateVideoI2V_MissingModel(t *testing.T) {
	c := New("k", "k")
	if _, err := c.GenerateVideoI2V(context.Background(), provider.VideoRequest{Provider: "fal"}); err == nil {
		t.Error("expected error for empty model")
	}
}

func TestGenerateVideoI2V_Fal(t *testing.T) {
	video := []byte("fake mp4 bytes")
	var gotPayload map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/vendor/i2v-model":
			if auth := r.Header.Get("Authorization"); auth != "Key fal-key" {
				t.Errorf("authorization = %q", auth)
			}
			if err := json.NewDecoder(r.Body).Decode(&gotPayload); err != nil {
				t.Errorf("decode payload: %v", err)
			}
			fmt.Fprintf(w, `{"video": {"url": %q}}`, "http://"+r.Host+"/files/out.mp4")
		case "/files/out.mp4":
			w.Write(video)
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	c := New("fal-key", "", WithFalBaseURL(server.URL))
	data, err := c.GenerateVideoI2V(context.Background(), provider.VideoRequest{
		Provider:          "fal",
		Model:             "vendor/i2v-model",
		Prompt:            "a friendly wave",
		StartImageDataURL: "data:image/png;base64,AAAA",
		DurationSec:       8,
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !bytes.Equal(data, video) {
		t.Errorf("video bytes = %q", data)
	}
	// Durations above 5s round up to the 10s tier.
	if gotPayload["duration"] != "10" {
		t.Errorf("duration = %v, want 10", gotPayload["duration"])
	}
	if gotPayload["generate_audio"] != false {
		t.Errorf("generate_audio = %v, want false default", gotPayload["generate_audio"])
	}
}

func TestGenerateVideoI2V_FalMissingURL(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"status": "done"}`)
	}))
	defer server.Close()

	c := New("fal-key", "", WithFalBaseURL(server.URL))
	_, err := c.GenerateVideoI2V(context.Background(), provider.VideoRequest{Provider: "fal", Model: "m"})
	if got := provider.ReasonOf(err); got != "fal_i2v_missing_url" {
		t.Errorf("reason = %q, want fal_i2v_missing_url", got)
	}
}

func TestGenerateVideoI2V_Replicate(t *testing.T) {
	video := []byte("replicate output")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/models/vendor/i2v/predictions" {
			if auth := r.Header.Get("Authorization"); auth != "Bearer rep-key" {
				t.Errorf("authorization = %q", auth)
			}
			// Output as a data URL exercises local decoding.
			fmt.Fprintf(w, `{"output": %q}`, dataURL("video/mp4", video))
			return
		}
		http.NotFound(w, r)
	}))
	defer server.Close()

	c := New("", "rep-key", WithReplicateBaseURL(server.URL))
	data, err := c.GenerateVideoI2V(context.Background(), provider.VideoRequest{
		Provider:    "replicate",
		Model:       "vendor/i2v",
		Prompt:      "wave",
		DurationSec: 4,
		AspectRatio: "9:16",
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !bytes.Equal(data, video) {
		t.Errorf("video bytes = %q", data)
	}
}

func TestGenerateVideoI2V_ReplicateEmptyOutput(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"output": []}`)
	}))
	defer server.Close()

	c := New("", "rep-key", WithReplicateBaseURL(server.URL))
	_, err := c.GenerateVideoI2V(context.Background(), provider.VideoRequest{Provider: "replicate", Model: "m"})
	if got := provider.ReasonOf(err); got != "i2v_empty_output" {
		t.Errorf("reason = %q, want i2v_empty_output", got)
	}
}

func TestGenerateVideoI2V_Unreachable(t *testing.T) {
	c := New("fal-key", "", WithFalBaseURL("http://127.0.0.1:1"))
	_, err := c.GenerateVideoI2V(context.Background(), provider.VideoRequest{Provider: "fal", Model: "m"})
	if got := provider.ReasonOf(err); got != "ai_kit_unavailable" {
		t.Errorf("reason = %q, want ai_kit_unavailable", got)
	}
}

func TestApplyLipsync_Disabled(t *testing.T) {
	c := New("k", "k")
	for _, req := range []provider.LipsyncRequest{
		{Provider: "none", Model: "m"},
		{Provider: "", Model: "m"},
		{Provider: "fal", Model: ""},
	} {
		_, err := c.ApplyLipsync(context.Background(), req)
		if got := provider.ReasonOf(err); got != "lipsync_provider_disabled" {
			t.Errorf("req %+v reason = %q, want lipsync_provider_disabled", req, got)
		}
	}
}

func TestApplyLipsync_UnsupportedProvider(t *testing.T) {
	c := New("k", "k")
	_, err := c.ApplyLipsync(context.Background(), provider.LipsyncRequest{Provider: "acme", Model: "m"})
	if got := provider.ReasonOf(err); got != "unsupported_lipsync_provider:acme" {
		t.Errorf("reason = %q, want unsupported_lipsync_provider:acme", got)
	}
}

func TestApplyLipsync_Fal(t *testing.T) {
	synced := []byte("synced video")
	var gotPayload map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/vendor/lipsync":
			if err := json.NewDecoder(r.Body).Decode(&gotPayload); err != nil {
				t.Errorf("decode payload: %v", err)
			}
			fmt.Fprintf(w, `{"video": {"url": %q}}`, "http://"+r.Host+"/files/synced.mp4")
		case "/files/synced.mp4":
			w.Write(synced)
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	c := New("fal-key", "", WithFalBaseURL(server.URL))
	data, err := c.ApplyLipsync(context.Background(), provider.LipsyncRequest{
		Provider: "fal",
		Model:    "vendor/lipsync",
		Video:    []byte("input video"),
		Audio:    []byte("input audio"),
		SyncMode: "cut_off",
	})
	if err != nil {
		t.Fatalf("lipsync: %v", err)
	}
	if !bytes.Equal(data, synced) {
		t.Errorf("synced bytes = %q", data)
	}
	if gotPayload["sync_mode"] != "cut_off" {
		t.Errorf("sync_mode = %v", gotPayload["sync_mode"])
	}
}

func TestApplyLipsync_FalMissingURL(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{}`)
	}))
	defer server.Close()

	c := New("fal-key", "", WithFalBaseURL(server.URL))
	_, err := c.ApplyLipsync(context.Background(), provider.LipsyncRequest{Provider: "fal", Model: "m"})
	if got := provider.ReasonOf(err); got != "fal_lipsync_missing_url" {
		t.Errorf("reason = %q, want fal_lipsync_missing_url", got)
	}
}

func TestApplyLipsync_ReplicateFieldNames(t *testing.T) {
	tests := []struct {
		model    string
		videoKey string
		audioKey string
	}{
		{"vendor/latentsync-hd", "video", "audio"},
		{"vendor/other-sync", "video_url", "audio_file"},
	}
	for _, tt := range tests {
		var gotInput map[string]any
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var body map[string]any
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Errorf("decode: %v", err)
			}
			gotInput, _ = body["input"].(map[string]any)
			fmt.Fprintf(w, `{"output": %q}`, dataURL("video/mp4", []byte("out")))
		}))

		c := New("", "rep-key", WithReplicateBaseURL(server.URL))
		_, err := c.ApplyLipsync(context.Background(), provider.LipsyncRequest{
			Provider: "replicate",
			Model:    tt.model,
			Video:    []byte("v"),
			Audio:    []byte("a"),
		})
		server.Close()
		if err != nil {
			t.Fatalf("%s: %v", tt.model, err)
		}
		if _, ok := gotInput[tt.videoKey]; !ok {
			t.Errorf("%s: input missing %q: %v", tt.model, tt.videoKey, gotInput)
		}
		if _, ok := gotInput[tt.audioKey]; !ok {
			t.Errorf("%s: input missing %q: %v", tt.model, tt.audioKey, gotInput)
		}
	}
}
