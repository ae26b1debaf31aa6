package pipeline

import "fmt"

// TempVoice is a request-scoped conditioning profile. It never touches
// the registry and is discarded with the request.
type TempVoice struct {
	Audio      []byte
	Transcript string
}

// Selector picks the voice conditioning for a request. Exactly one of
// the three cases may hold: a registered identifier, an inline
// temporary voice, or neither (the model free-runs).
type Selector struct {
	VoiceID string
	Temp    *TempVoice
}

func (s Selector) validate() error {
	if s.VoiceID != "" && s.Temp != nil {
		return fmt.Errorf("%w: voice_id and temporary voice are mutually exclusive", ErrInvalidRequest)
	}
	if s.Temp != nil && len(s.Temp.Audio) == 0 {
		return fmt.Errorf("%w: temporary voice has no audio", ErrInvalidRequest)
	}
	return nil
}
