package synth

import (
	"context"
	"time"
)

type mockSynth struct {
	sampleRate   int
	channels     int
	unitDuration time.Duration
}

// NewMockSynthesizer produces a fixed duration of deterministic PCM per
// unit, byte-patterned from the unit text so outputs are tellable apart.
func NewMockSynthesizer(sampleRate, channels int, unitDuration time.Duration) Synthesizer {
	return &mockSynth{sampleRate: sampleRate, channels: channels, unitDuration: unitDuration}
}

func (m *mockSynth) Synthesize(ctx context.Context, req Request) (<-chan Chunk, <-chan error) {
	chunks := make(chan Chunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)

		frames := int(m.unitDuration.Seconds() * float64(m.sampleRate))
		pcm := make([]byte, frames*2*m.channels)
		var seed byte
		for i := 0; i < len(req.Text); i++ {
			seed += req.Text[i]
		}
		for i := range pcm {
			pcm[i] = seed
		}

		select {
		case chunks <- Chunk{
			Sequence:   0,
			SampleRate: m.sampleRate,
			Channels:   m.channels,
			PCM:        pcm,
			Final:      true,
		}:
		case <-ctx.Done():
			errs <- ctx.Err()
		}
	}()
	return chunks, errs
}
