// Package protocol defines the bus subjects and message shapes binding
// the synthesis operations to NATS.
package protocol

import "time"

const (
	SubjectVoiceRegister  = "tts.voice.register"
	SubjectVoiceList      = "tts.voice.list"
	SubjectVoiceGet       = "tts.voice.get"
	SubjectVoiceDelete    = "tts.voice.delete"
	SubjectGenerate       = "tts.generate"
	SubjectGenerateStream = "tts.generate.stream"
	SubjectArtifactGet    = "tts.artifact.get"

	SubjectNodeAnnounce        = "ctrl.node.announce"
	SubjectNodeHeartbeatPrefix = "ctrl.node.heartbeat"
)

// Error codes carried in ErrorInfo.Code.
const (
	CodeInvalidRequest     = "invalid_request"
	CodeInvalidAudio       = "invalid_audio"
	CodeNotFound           = "not_found"
	CodeConflict           = "conflict"
	CodeSynthesisFailed    = "synthesis_failed"
	CodeTranscriptionError = "transcription_error"
	CodeIOFailure          = "io_failure"
)

// ErrorInfo is the wire form of a failure. Unit is set for synthesis
// failures to name the failing unit index.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Unit    *int   `json:"unit,omitempty"`
}

// VoiceInfo is the payload-free profile view.
type VoiceInfo struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	Transcript        string    `json:"transcript,omitempty"`
	TranscriptPending bool      `json:"transcript_pending"`
	CreatedAt         time.Time `json:"created_at"`
}

type RegisterVoiceRequest struct {
	VoiceID    string `json:"voice_id,omitempty"`
	Name       string `json:"name"`
	Audio      []byte `json:"audio"`
	Transcript string `json:"transcript,omitempty"`
}

type RegisterVoiceReply struct {
	Voice *VoiceInfo `json:"voice,omitempty"`
	Error *ErrorInfo `json:"error,omitempty"`
}

type ListVoicesReply struct {
	Voices []VoiceInfo `json:"voices"`
	Error  *ErrorInfo  `json:"error,omitempty"`
}

type GetVoiceRequest struct {
	VoiceID      string `json:"voice_id"`
	IncludeAudio bool   `json:"include_audio,omitempty"`
}

type GetVoiceReply struct {
	Voice *VoiceInfo `json:"voice,omitempty"`
	Audio []byte     `json:"audio,omitempty"`
	Error *ErrorInfo `json:"error,omitempty"`
}

type DeleteVoiceRequest struct {
	VoiceID string `json:"voice_id"`
}

type DeleteVoiceReply struct {
	OK    bool       `json:"ok"`
	Error *ErrorInfo `json:"error,omitempty"`
}

// GenerateRequest drives both batch and streaming generation. The
// voice selector cases are voice_id, temp_audio, or neither.
type GenerateRequest struct {
	Text           string `json:"text"`
	VoiceID        string `json:"voice_id,omitempty"`
	TempAudio      []byte `json:"temp_audio,omitempty"`
	TempTranscript string `json:"temp_transcript,omitempty"`
	Format         string `json:"format,omitempty"`
}

type GenerateReply struct {
	ArtifactID string     `json:"artifact_id,omitempty"`
	Units      int        `json:"units,omitempty"`
	SampleRate int        `json:"sample_rate,omitempty"`
	DurationMS int64      `json:"duration_ms,omitempty"`
	Error      *ErrorInfo `json:"error,omitempty"`
}

// StreamChunk is published to the caller's reply inbox, one message per
// unit, in index order. A terminal failure arrives as a chunk whose
// Error is set.
type StreamChunk struct {
	UnitIndex  int        `json:"unit_index"`
	PCM        []byte     `json:"pcm,omitempty"`
	SampleRate int        `json:"sample_rate,omitempty"`
	Channels   int        `json:"channels,omitempty"`
	Final      bool       `json:"final"`
	Error      *ErrorInfo `json:"error,omitempty"`
}

type GetArtifactRequest struct {
	ArtifactID string `json:"artifact_id"`
}

type GetArtifactReply struct {
	Audio      []byte     `json:"audio,omitempty"`
	Format     string     `json:"format,omitempty"`
	SampleRate int        `json:"sample_rate,omitempty"`
	DurationMS int64      `json:"duration_ms,omitempty"`
	CreatedAt  time.Time  `json:"created_at,omitempty"`
	ExpiresAt  time.Time  `json:"expires_at,omitempty"`
	Error      *ErrorInfo `json:"error,omitempty"`
}
