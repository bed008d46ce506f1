package audio

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	gaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// DefaultPCMSampleRateHz is assumed for raw PCM16 payloads whose sample rate
// is not stated by the provider.
const DefaultPCMSampleRateHz = 24000

// DecodeWAV decodes a WAV payload into sequenced chunks. Mono and stereo
// streams with 16-bit or 32-bit signed samples are accepted; stereo is
// down-mixed by stride (first channel). Unsupported sample widths return an
// error.
func DecodeWAV(data []byte, chunkMs int) ([]PcmChunk, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("audio: decode wav: %w", err)
	}
	if buf == nil || buf.Format == nil || len(buf.Data) == 0 {
		return nil, fmt.Errorf("audio: decode wav: empty pcm payload")
	}

	// Symmetric 32767 scaling keeps write→read→write byte-stable; the
	// full-scale negative sample clamps to -1.
	var scale float64
	switch dec.BitDepth {
	case 16:
		scale = 32767
	case 32:
		scale = 2147483647
	default:
		return nil, fmt.Errorf("audio: decode wav: unsupported bit depth %d", dec.BitDepth)
	}

	channels := buf.Format.NumChannels
	if channels < 1 {
		channels = 1
	}
	samples := make([]float64, 0, len(buf.Data)/channels)
	for i := 0; i < len(buf.Data); i += channels {
		samples = append(samples, clampUnit(float64(buf.Data[i])/scale))
	}
	return ChunksFromSamples(samples, buf.Format.SampleRate, chunkMs), nil
}

// DecodePCM16 decodes raw little-endian signed 16-bit mono PCM at the stated
// sample rate. A trailing odd byte is dropped. sampleRateHz <= 0 selects
// [DefaultPCMSampleRateHz].
func DecodePCM16(data []byte, sampleRateHz, chunkMs int) []PcmChunk {
	if len(data) == 0 {
		return nil
	}
	if sampleRateHz <= 0 {
		sampleRateHz = DefaultPCMSampleRateHz
	}
	if len(data)%2 != 0 {
		data = data[:len(data)-1]
	}
	samples := make([]float64, len(data)/2)
	for i := range samples {
		v := int16(data[i*2]) | int16(data[i*2+1])<<8
		samples[i] = clampUnit(float64(v) / 32767)
	}
	return ChunksFromSamples(samples, sampleRateHz, chunkMs)
}

// WriteWAV persists chunks as a mono 16-bit WAV file. The sample rate is
// taken from the first chunk, falling back to fallbackRateHz when the chunk
// does not state one. Samples are clamped to [-1, 1] and scaled by 32767.
// Returns an error when chunks is empty.
func WriteWAV(path string, chunks []PcmChunk, fallbackRateHz int) error {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("audio: write wav %q: %w", path, err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("audio: write wav %q: %w", path, err)
	}
	defer f.Close()

	if err := encodeWAV(f, chunks, fallbackRateHz); err != nil {
		return fmt.Errorf("audio: write wav %q: %w", path, err)
	}
	return nil
}

// EncodeWAV renders chunks as an in-memory mono 16-bit WAV payload with the
// same scaling as [WriteWAV]. Used when the audio is handed to a provider
// rather than persisted.
func EncodeWAV(chunks []PcmChunk, fallbackRateHz int) ([]byte, error) {
	var buf seekBuffer
	if err := encodeWAV(&buf, chunks, fallbackRateHz); err != nil {
		return nil, fmt.Errorf("audio: encode wav: %w", err)
	}
	return buf.data, nil
}

func encodeWAV(w io.WriteSeeker, chunks []PcmChunk, fallbackRateHz int) error {
	if len(chunks) == 0 {
		return fmt.Errorf("no chunks")
	}
	sampleRate := chunks[0].SampleRateHz
	if sampleRate <= 0 {
		sampleRate = fallbackRateHz
	}
	if sampleRate <= 0 {
		return fmt.Errorf("no usable sample rate")
	}

	enc := wav.NewEncoder(w, sampleRate, 16, 1, 1)
	for _, chunk := range chunks {
		data := make([]int, len(chunk.Samples))
		for i, s := range chunk.Samples {
			data[i] = int(math.Round(clampUnit(s) * 32767))
		}
		buf := &gaudio.IntBuffer{
			Format:         &gaudio.Format{NumChannels: 1, SampleRate: sampleRate},
			Data:           data,
			SourceBitDepth: 16,
		}
		if err := enc.Write(buf); err != nil {
			return err
		}
	}
	return enc.Close()
}

// seekBuffer is a minimal in-memory io.WriteSeeker for the WAV encoder,
// which rewinds to patch the RIFF header on close.
type seekBuffer struct {
	data []byte
	pos  int
}

func (b *seekBuffer) Write(p []byte) (int, error) {
	if need := b.pos + len(p); need > len(b.data) {
		grown := make([]byte, need)
		copy(grown, b.data)
		b.data = grown
	}
	copy(b.data[b.pos:], p)
	b.pos += len(p)
	return len(p), nil
}

func (b *seekBuffer) Seek(offset int64, whence int) (int64, error) {
	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = int64(b.pos) + offset
	case io.SeekEnd:
		next = int64(len(b.data)) + offset
	default:
		return 0, fmt.Errorf("audio: seek: invalid whence %d", whence)
	}
	if next < 0 {
		return 0, fmt.Errorf("audio: seek: negative position")
	}
	b.pos = int(next)
	return next, nil
}
