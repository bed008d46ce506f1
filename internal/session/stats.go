package session

import (
	"sort"
	"sync"
	"time"
)

// Stats collects turn pipeline latency samples and counter values for
// dashboards. It maintains a bounded ring buffer of recent latency
// observations from which percentiles are computed on demand.
//
// Thread-safe for concurrent use.
type Stats struct {
	mu sync.Mutex

	plan   latencyBuffer
	speech latencyBuffer
	stream latencyBuffer
	tick   latencyBuffer

	turns      int64
	lateFrames int64
	errors     int64
}

// NewStats creates a Stats with the given window size (maximum number of
// latency samples retained per stage).
func NewStats(windowSize int) *Stats {
	if windowSize <= 0 {
		windowSize = 100
	}
	return &Stats{
		plan:   newLatencyBuffer(windowSize),
		speech: newLatencyBuffer(windowSize),
		stream: newLatencyBuffer(windowSize),
		tick:   newLatencyBuffer(windowSize),
	}
}

// RecordPlan records a turn-planning latency sample.
func (s *Stats) RecordPlan(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plan.add(d)
}

// RecordSpeech records a speech synthesis latency sample.
func (s *Stats) RecordSpeech(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.speech.add(d)
}

// RecordStream records an end-to-end streaming latency sample.
func (s *Stats) RecordStream(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stream.add(d)
}

// RecordTick records a quality-controller tick latency sample.
func (s *Stats) RecordTick(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tick.add(d)
}

// IncrTurns increments the completed-turn counter.
func (s *Stats) IncrTurns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns++
}

// AddLateFrames adds to the late/dropped frame counter.
func (s *Stats) AddLateFrames(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lateFrames += n
}

// IncrErrors increments the error counter.
func (s *Stats) IncrErrors() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors++
}

// LatencyPercentiles holds p50 and p95 values for a latency stage.
type LatencyPercentiles struct {
	P50 time.Duration
	P95 time.Duration
}

// Snapshot captures a point-in-time view of all session statistics.
type Snapshot struct {
	Plan   LatencyPercentiles
	Speech LatencyPercentiles
	Stream LatencyPercentiles
	Tick   LatencyPercentiles

	Turns      int64
	LateFrames int64
	Errors     int64
}

// Snapshot returns the current statistics.
func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Plan:       s.plan.percentiles(),
		Speech:     s.speech.percentiles(),
		Stream:     s.stream.percentiles(),
		Tick:       s.tick.percentiles(),
		Turns:      s.turns,
		LateFrames: s.lateFrames,
		Errors:     s.errors,
	}
}

// latencyBuffer is a bounded ring buffer of duration samples.
type latencyBuffer struct {
	samples []time.Duration
	next    int
	full    bool
}

func newLatencyBuffer(size int) latencyBuffer {
	return latencyBuffer{samples: make([]time.Duration, size)}
}

func (b *latencyBuffer) add(d time.Duration) {
	b.samples[b.next] = d
	b.next++
	if b.next == len(b.samples) {
		b.next = 0
		b.full = true
	}
}

func (b *latencyBuffer) percentiles() LatencyPercentiles {
	n := b.next
	if b.full {
		n = len(b.samples)
	}
	if n == 0 {
		return LatencyPercentiles{}
	}
	sorted := make([]time.Duration, n)
	copy(sorted, b.samples[:n])
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return LatencyPercentiles{
		P50: sorted[(n-1)*50/100],
		P95: sorted[(n-1)*95/100],
	}
}
