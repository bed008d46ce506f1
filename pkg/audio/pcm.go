// Package audio provides the PCM data model shared by the whole pipeline:
// sequenced float chunks with exact timing, envelope feature extraction, and
// WAV / raw-PCM16 codecs.
//
// Chunks are the atomic unit of audio transport — produced by the speech
// provider adapter, consumed by the master clock, the lip-sync scorer, and
// the delivery sink. Samples are mono floats in [-1, 1].
package audio

import (
	"fmt"
	"math"
)

// DefaultChunkMs is the chunk granularity used when splitting decoded audio.
const DefaultChunkMs = 40

// PcmChunk is a sequenced run of mono float samples with an exact
// [T0Ms, T1Ms) interval.
type PcmChunk struct {
	// Samples are mono floats in [-1, 1].
	Samples []float64

	// SampleRateHz is the sample rate of Samples.
	SampleRateHz int

	// Seq is the position of this chunk within its utterance.
	Seq int

	// T0Ms and T1Ms bound the chunk on the utterance timeline.
	// T1Ms - T0Ms always equals len(Samples)/SampleRateHz*1000.
	T0Ms float64
	T1Ms float64
}

// DurationMs returns the chunk duration on the timeline.
func (c PcmChunk) DurationMs() float64 {
	return c.T1Ms - c.T0Ms
}

// timingToleranceMs is the permitted mismatch between the declared interval
// and the sample count, 1 microsecond.
const timingToleranceMs = 1e-3

// Validate checks the chunk timing invariant.
func (c PcmChunk) Validate() error {
	if c.SampleRateHz <= 0 {
		return fmt.Errorf("audio: chunk %d: sample rate %d must be positive", c.Seq, c.SampleRateHz)
	}
	want := float64(len(c.Samples)) / float64(c.SampleRateHz) * 1000
	if math.Abs(c.DurationMs()-want) > timingToleranceMs {
		return fmt.Errorf("audio: chunk %d: interval %.6fms does not match %d samples at %dHz (want %.6fms)",
			c.Seq, c.DurationMs(), len(c.Samples), c.SampleRateHz, want)
	}
	return nil
}

// ChunksFromSamples splits a sample buffer into sequenced chunks of at most
// chunkMs milliseconds. The final chunk may be shorter.
func ChunksFromSamples(samples []float64, sampleRateHz, chunkMs int) []PcmChunk {
	if sampleRateHz <= 0 || len(samples) == 0 {
		return nil
	}
	if chunkMs <= 0 {
		chunkMs = DefaultChunkMs
	}
	chunkSamples := sampleRateHz * chunkMs / 1000
	if chunkSamples < 1 {
		chunkSamples = 1
	}
	var chunks []PcmChunk
	seq := 0
	for start := 0; start < len(samples); start += chunkSamples {
		end := min(len(samples), start+chunkSamples)
		chunks = append(chunks, PcmChunk{
			Samples:      samples[start:end],
			SampleRateHz: sampleRateHz,
			Seq:          seq,
			T0Ms:         float64(start) / float64(sampleRateHz) * 1000,
			T1Ms:         float64(end) / float64(sampleRateHz) * 1000,
		})
		seq++
	}
	return chunks
}

// GenerateSilence produces zero-sample chunks covering durationSec.
func GenerateSilence(durationSec float64, sampleRateHz, chunkMs int) []PcmChunk {
	if durationSec <= 0 || sampleRateHz <= 0 {
		return nil
	}
	total := int(durationSec * float64(sampleRateHz))
	return ChunksFromSamples(make([]float64, total), sampleRateHz, chunkMs)
}

// TrimChunks truncates a chunk sequence to at most maxDurationMs. A chunk
// straddling the limit is cut at the sample boundary; maxDurationMs <= 0
// returns the input unchanged.
func TrimChunks(chunks []PcmChunk, maxDurationMs float64) []PcmChunk {
	if maxDurationMs <= 0 {
		return chunks
	}
	var trimmed []PcmChunk
	for _, chunk := range chunks {
		if chunk.T0Ms >= maxDurationMs {
			break
		}
		if chunk.T1Ms <= maxDurationMs {
			trimmed = append(trimmed, chunk)
			continue
		}
		remainingMs := maxDurationMs - chunk.T0Ms
		keep := int(remainingMs / 1000 * float64(chunk.SampleRateHz))
		if keep <= 0 {
			break
		}
		cut := chunk
		cut.Samples = chunk.Samples[:keep]
		cut.T1Ms = chunk.T0Ms + float64(keep)/float64(chunk.SampleRateHz)*1000
		trimmed = append(trimmed, cut)
		break
	}
	return trimmed
}

// FloatsToS16Bytes converts float samples to little-endian signed 16-bit PCM,
// clamping to [-1, 1] first.
func FloatsToS16Bytes(samples []float64) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := int16(math.Round(clampUnit(s) * 32767))
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

func clampUnit(s float64) float64 {
	if s > 1 {
		return 1
	}
	if s < -1 {
		return -1
	}
	return s
}
