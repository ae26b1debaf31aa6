package transcribe

import (
	"context"
	"fmt"
	"time"
)

type mockTranscriber struct{}

// NewMockTranscriber returns a recognizer that fabricates a transcript
// from the payload size. Useful for development and tests.
func NewMockTranscriber() Transcriber {
	return &mockTranscriber{}
}

func (m *mockTranscriber) Transcribe(ctx context.Context, audio []byte) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(10 * time.Millisecond):
	}
	return fmt.Sprintf("[mock transcript of %d bytes]", len(audio)), nil
}
