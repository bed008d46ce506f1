// Package render provides the local fallback rendering paths: a no-op
// renderer that only accounts frames, and a static-image renderer that
// muxes the turn audio under the anchor image with ffmpeg when it is
// available.
//
// A missing ffmpeg is a degradation, not a failure: the result carries the
// reason and the caller keeps streaming without a file artifact.
package render

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Volpestyle/facestream/pkg/audio"
	"github.com/Volpestyle/facestream/pkg/types"
)

// Result summarises one render.
type Result struct {
	FrameCount   int
	Capabilities types.BackendCapabilities

	VideoPath string
	AudioPath string

	// RenderError is a degradation token ("ffmpeg_not_found",
	// "audio_write_failed", "ffmpeg_failed") or empty on success.
	RenderError string
}

// FrameCount returns how many frames a duration spans at the given rate.
func FrameCount(durationMs float64, fps int) int {
	if fps <= 0 || durationMs <= 0 {
		return 0
	}
	return int(durationMs / 1000 * float64(fps))
}

// Noop accounts frames without producing any artifact.
func Noop(durationMs float64, fps int) Result {
	return Result{
		FrameCount:   FrameCount(durationMs, fps),
		Capabilities: types.BackendCapabilities{BackendID: "noop"},
	}
}

// FFmpegStatus reports whether ffmpeg is on the path. Probed once per
// process.
type FFmpegStatus struct {
	Available bool
	Path      string
	Version   string
}

var (
	ffmpegOnce   sync.Once
	ffmpegStatus FFmpegStatus
)

// ProbeFFmpeg locates ffmpeg and caches the result.
func ProbeFFmpeg() FFmpegStatus {
	ffmpegOnce.Do(func() {
		path, err := exec.LookPath("ffmpeg")
		if err != nil {
			return
		}
		ffmpegStatus = FFmpegStatus{Available: true, Path: path}
		out, err := exec.Command(path, "-version").Output()
		if err == nil {
			if lines := strings.SplitN(string(out), "\n", 2); len(lines) > 0 {
				ffmpegStatus.Version = strings.TrimSpace(lines[0])
			}
		}
	})
	return ffmpegStatus
}

// StaticOptions configure [Static].
type StaticOptions struct {
	TurnID     string
	Chunks     []audio.PcmChunk
	DurationMs float64
	ImagePath  string
	OutputRoot string
	FPS        int
	Width      int
	Height     int
}

// Static writes the turn audio as WAV and, when ffmpeg is available, muxes a
// still-image video next to it. Without the anchor image (empty path or
// missing file) it writes nothing and returns the no-op result. Degradations
// are reported in the result, never as errors.
func Static(ctx context.Context, opts StaticOptions) Result {
	caps := types.BackendCapabilities{BackendID: "static-image"}
	result := Result{FrameCount: FrameCount(opts.DurationMs, opts.FPS), Capabilities: caps}

	if opts.ImagePath == "" || !fileExists(opts.ImagePath) {
		noop := Noop(opts.DurationMs, opts.FPS)
		return noop
	}

	audioPath := filepath.Join(opts.OutputRoot, "audio", opts.TurnID+".wav")
	if err := audio.WriteWAV(audioPath, opts.Chunks, 0); err != nil {
		result.RenderError = "audio_write_failed"
		return result
	}
	result.AudioPath = audioPath

	status := ProbeFFmpeg()
	if !status.Available {
		result.RenderError = "ffmpeg_not_found"
		return result
	}

	videoPath := filepath.Join(opts.OutputRoot, "turns", opts.TurnID+".mp4")
	if err := os.MkdirAll(filepath.Dir(videoPath), 0o755); err != nil {
		result.RenderError = "ffmpeg_failed"
		return result
	}
	cmd := exec.CommandContext(ctx, status.Path,
		"-y",
		"-loop", "1",
		"-i", opts.ImagePath,
		"-i", audioPath,
		"-shortest",
		"-r", fmt.Sprintf("%d", opts.FPS),
		"-vf", fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=increase,crop=%d:%d,format=yuv420p",
			opts.Width, opts.Height, opts.Width, opts.Height),
		"-c:v", "libx264",
		"-tune", "stillimage",
		"-c:a", "aac",
		"-b:a", "128k",
		videoPath,
	)
	_ = cmd.Run()
	if fileExists(videoPath) {
		result.VideoPath = videoPath
	} else {
		result.RenderError = "ffmpeg_failed"
	}
	return result
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
