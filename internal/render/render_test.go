package render

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/Volpestyle/facestream/pkg/audio"
)

func TestFrameCount(t *testing.T) {
	tests := []struct {
		durationMs float64
		fps        int
		want       int
	}{
		{1000, 30, 30},
		{500, 30, 15},
		{1000, 0, 0},
		{0, 30, 0},
		{2500, 15, 37},
	}
	for _, tt := range tests {
		if got := FrameCount(tt.durationMs, tt.fps); got != tt.want {
			t.Errorf("FrameCount(%v, %d) = %d, want %d", tt.durationMs, tt.fps, got, tt.want)
		}
	}
}

func TestNoop(t *testing.T) {
	result := Noop(2000, 30)
	if result.FrameCount != 60 {
		t.Errorf("frames = %d, want 60", result.FrameCount)
	}
	if result.Capabilities.BackendID != "noop" {
		t.Errorf("backend = %q, want noop", result.Capabilities.BackendID)
	}
	if result.RenderError != "" {
		t.Errorf("render error = %q, want none", result.RenderError)
	}
}

func TestStatic_MissingImageFallsBackToNoop(t *testing.T) {
	result := Static(context.Background(), StaticOptions{
		TurnID:     "t1",
		Chunks:     audio.GenerateSilence(0.5, 16000, 40),
		DurationMs: 500,
		ImagePath:  filepath.Join(t.TempDir(), "missing.png"),
		OutputRoot: t.TempDir(),
		FPS:        30,
		Width:      720,
		Height:     1280,
	})
	if result.Capabilities.BackendID != "noop" {
		t.Errorf("backend = %q, want noop fallback", result.Capabilities.BackendID)
	}
	if result.FrameCount != 15 {
		t.Errorf("frames = %d, want 15", result.FrameCount)
	}
}

func TestStatic_WritesAudio(t *testing.T) {
	dir := t.TempDir()
	imagePath := filepath.Join(dir, "anchor.png")
	writeFile(t, imagePath)

	result := Static(context.Background(), StaticOptions{
		TurnID:     "t2",
		Chunks:     audio.GenerateSilence(0.5, 16000, 40),
		DurationMs: 500,
		ImagePath:  imagePath,
		OutputRoot: dir,
		FPS:        30,
		Width:      720,
		Height:     1280,
	})
	// The WAV must land regardless of ffmpeg availability; with a fake
	// image the mux step either fails or ffmpeg is absent.
	if result.AudioPath == "" {
		t.Fatalf("no audio written, render error %q", result.RenderError)
	}
	data, err := os.ReadFile(result.AudioPath)
	if err != nil {
		t.Fatalf("read back audio: %v", err)
	}
	chunks, err := audio.DecodeWAV(data, 40)
	if err != nil {
		t.Fatalf("decode written audio: %v", err)
	}
	if len(chunks) == 0 {
		t.Error("audio file decodes to no chunks")
	}
}

func writeFile(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("not a real png"), 0o644); err != nil {
		t.Fatal(err)
	}
}
