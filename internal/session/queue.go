package session

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/Volpestyle/facestream/pkg/audio"
)

// Track queue capacities and idle timeouts. When a consumer outruns the
// producers, the queues emit placeholder frames after the idle timeout so
// the transport never starves.
const (
	audioQueueMax    = 120
	videoQueueMax    = 120
	audioIdleTimeout = 500 * time.Millisecond
	videoIdleTimeout = 200 * time.Millisecond

	// placeholderSamples is the silence length emitted on audio idle.
	placeholderSamples = 640
)

// VideoFrame is one placeholder-or-anchor video frame on the delivery
// queue. The core does not render pixels; it carries the conditioning data
// the encoder sink needs.
type VideoFrame struct {
	// PtsMs is the presentation time on the turn timeline.
	PtsMs float64

	// Width and Height are the frame dimensions.
	Width  int
	Height int

	// Luma is the solid-fill luminance used when no anchor is set,
	// derived from audio energy.
	Luma uint8

	// AnchorRef conditions the frame on an anchor image when non-empty.
	AnchorRef string
}

// AudioQueue is the bounded audio track queue. Enqueue on a full queue
// drops the newest chunk and counts the drop.
type AudioQueue struct {
	ch      chan audio.PcmChunk
	dropped atomic.Int64
	rate    int
}

// NewAudioQueue creates the audio track queue. sampleRateHz shapes the
// placeholder silence emitted on idle timeout.
func NewAudioQueue(sampleRateHz int) *AudioQueue {
	return &AudioQueue{
		ch:   make(chan audio.PcmChunk, audioQueueMax),
		rate: sampleRateHz,
	}
}

// Enqueue adds a chunk, dropping it when the queue is full.
func (q *AudioQueue) Enqueue(chunk audio.PcmChunk) bool {
	select {
	case q.ch <- chunk:
		return true
	default:
		q.dropped.Add(1)
		return false
	}
}

// Dequeue returns the next chunk, or placeholder silence after the idle
// timeout. The second return is false for placeholders.
func (q *AudioQueue) Dequeue(ctx context.Context) (audio.PcmChunk, bool) {
	select {
	case chunk := <-q.ch:
		return chunk, true
	case <-ctx.Done():
		return q.silence(), false
	case <-time.After(audioIdleTimeout):
		return q.silence(), false
	}
}

func (q *AudioQueue) silence() audio.PcmChunk {
	return audio.PcmChunk{
		Samples:      make([]float64, placeholderSamples),
		SampleRateHz: q.rate,
		T1Ms:         float64(placeholderSamples) / float64(q.rate) * 1000,
	}
}

// Dropped returns the cumulative overflow-drop count.
func (q *AudioQueue) Dropped() int64 {
	return q.dropped.Load()
}

// Drain discards all queued chunks, returning how many were removed.
func (q *AudioQueue) Drain() int {
	n := 0
	for {
		select {
		case <-q.ch:
			n++
		default:
			return n
		}
	}
}

// VideoQueue is the bounded video track queue with the same overflow and
// idle semantics as the audio queue.
type VideoQueue struct {
	ch      chan VideoFrame
	dropped atomic.Int64
	width   int
	height  int
}

// NewVideoQueue creates the video track queue; width and height shape the
// placeholder frame emitted on idle timeout.
func NewVideoQueue(width, height int) *VideoQueue {
	return &VideoQueue{
		ch:     make(chan VideoFrame, videoQueueMax),
		width:  width,
		height: height,
	}
}

// Enqueue adds a frame, dropping it when the queue is full. The drop is
// reported through the return value; the quality controller receives no
// late-frame signal for it.
func (q *VideoQueue) Enqueue(frame VideoFrame) bool {
	select {
	case q.ch <- frame:
		return true
	default:
		q.dropped.Add(1)
		return false
	}
}

// Dequeue returns the next frame, or a neutral placeholder after the idle
// timeout. The second return is false for placeholders.
func (q *VideoQueue) Dequeue(ctx context.Context) (VideoFrame, bool) {
	select {
	case frame := <-q.ch:
		return frame, true
	case <-ctx.Done():
		return q.placeholder(), false
	case <-time.After(videoIdleTimeout):
		return q.placeholder(), false
	}
}

func (q *VideoQueue) placeholder() VideoFrame {
	return VideoFrame{Width: q.width, Height: q.height, Luma: 16}
}

// Dropped returns the cumulative overflow-drop count.
func (q *VideoQueue) Dropped() int64 {
	return q.dropped.Load()
}

// Drain discards all queued frames, returning how many were removed.
func (q *VideoQueue) Drain() int {
	n := 0
	for {
		select {
		case <-q.ch:
			n++
		default:
			return n
		}
	}
}
