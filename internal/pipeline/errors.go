package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRequest covers malformed input: empty text, text over
	// the configured cap, conflicting voice selectors, unknown format.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrSynthesisFailed marks a model invocation error or timeout.
	ErrSynthesisFailed = errors.New("synthesis failed")
	// ErrTranscription marks a failed lazy transcription of reference audio.
	ErrTranscription = errors.New("transcription failed")
)

// UnitError reports which unit a synthesis failure happened at.
type UnitError struct {
	Unit int
	Err  error
}

func (e *UnitError) Error() string {
	return fmt.Sprintf("synthesis failed at unit %d: %v", e.Unit, e.Err)
}

func (e *UnitError) Unwrap() error { return e.Err }

func (e *UnitError) Is(target error) bool { return target == ErrSynthesisFailed }
