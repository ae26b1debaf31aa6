// Package transcribe backfills a reference transcript from reference
// audio when a voice profile was registered without one.
package transcribe

import "context"

// Transcriber abstracts the speech recognition capability. The audio
// argument is an encoded WAV payload.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (string, error)
}
