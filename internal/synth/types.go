package synth

import "context"

// Request contains one text unit plus the voice conditioning reused
// across all units of an orchestration call. Empty PromptAudio means
// the model free-runs without conditioning.
type Request struct {
	Text        string
	PromptAudio []byte
	PromptText  string
}

// Chunk contains raw 16-bit little-endian PCM.
type Chunk struct {
	Sequence   int
	SampleRate int
	Channels   int
	PCM        []byte
	Final      bool
}

// Synthesizer is the contract for the underlying model capability.
// Implementations stream chunks for a single unit and close both
// channels when done. Sends must abort when ctx is cancelled so a
// stalled consumer never leaks the invocation goroutine.
type Synthesizer interface {
	Synthesize(ctx context.Context, req Request) (<-chan Chunk, <-chan error)
}
