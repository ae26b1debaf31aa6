// Package wavio handles WAV encode/decode for reference audio and
// generated artifacts.
package wavio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

var ErrNotWav = errors.New("payload is not decodable WAV audio")

// Info describes a decodable WAV payload.
type Info struct {
	SampleRate int
	Channels   int
	BitDepth   int
	Duration   time.Duration
}

// Probe validates that data is a decodable WAV payload and reports its
// format. Used to reject undecodable reference audio at registration.
func Probe(data []byte) (Info, error) {
	if len(data) == 0 {
		return Info{}, ErrNotWav
	}
	decoder := wav.NewDecoder(bytes.NewReader(data))
	if !decoder.IsValidFile() {
		return Info{}, ErrNotWav
	}

	decoder = wav.NewDecoder(bytes.NewReader(data))
	if err := decoder.FwdToPCM(); err != nil {
		return Info{}, fmt.Errorf("%w: %v", ErrNotWav, err)
	}

	// Duration comes from the data chunk length, not the RIFF size,
	// which also counts header bytes.
	var duration time.Duration
	bytesPerFrame := int64(decoder.BitDepth/8) * int64(decoder.NumChans)
	if bytesPerFrame > 0 && decoder.SampleRate > 0 {
		frames := decoder.PCMLen() / bytesPerFrame
		duration = time.Duration(frames) * time.Second / time.Duration(decoder.SampleRate)
	}
	return Info{
		SampleRate: int(decoder.SampleRate),
		Channels:   int(decoder.NumChans),
		BitDepth:   int(decoder.BitDepth),
		Duration:   duration,
	}, nil
}

// EncodePCM16 wraps little-endian 16-bit PCM samples in a WAV container.
func EncodePCM16(pcm []byte, sampleRate, channels int) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("pcm payload not aligned")
	}
	samples := make([]int, len(pcm)/2)
	for i := 0; i < len(samples); i++ {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer := &audio.IntBuffer{
		Format: &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:   samples,
	}

	var out seekBuffer
	enc := wav.NewEncoder(&out, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return nil, fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("close wav encoder: %w", err)
	}
	return out.data, nil
}

// PCMDuration reports the play time of raw 16-bit PCM.
func PCMDuration(pcmLen, sampleRate, channels int) time.Duration {
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	frames := pcmLen / (2 * channels)
	return time.Duration(frames) * time.Second / time.Duration(sampleRate)
}

// seekBuffer adapts an in-memory buffer to the io.WriteSeeker the wav
// encoder needs to backfill chunk sizes.
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
		return 0, fmt.Errorf("invalid whence %d", whence)
	}
	if next < 0 {
		return 0, fmt.Errorf("negative seek position")
	}
	b.pos = int(next)
	return next, nil
}
