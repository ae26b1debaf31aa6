// Package service binds the synthesis operations to the bus. Every
// operation is request/reply; streaming generation publishes one chunk
// per unit to the caller's reply inbox instead of a single reply.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/lutaSci/VoxCPM/internal/artifact"
	"github.com/lutaSci/VoxCPM/internal/bus"
	"github.com/lutaSci/VoxCPM/internal/pipeline"
	"github.com/lutaSci/VoxCPM/internal/protocol"
	"github.com/lutaSci/VoxCPM/internal/voice"
)

type Service struct {
	bus         *bus.Client
	registry    *voice.Registry
	store       *artifact.Store
	coordinator *pipeline.Coordinator
	subs        []*nats.Subscription
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	logger      *slog.Logger
}

func NewService(parent context.Context, busClient *bus.Client, registry *voice.Registry, store *artifact.Store, coordinator *pipeline.Coordinator, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		bus:         busClient,
		registry:    registry,
		store:       store,
		coordinator: coordinator,
		ctx:         ctx,
		cancel:      cancel,
		logger:      log.With(slog.String("component", "tts-service")),
	}
}

func (s *Service) Start() error {
	handlers := map[string]nats.MsgHandler{
		protocol.SubjectVoiceRegister:  s.handleVoiceRegister,
		protocol.SubjectVoiceList:      s.handleVoiceList,
		protocol.SubjectVoiceGet:       s.handleVoiceGet,
		protocol.SubjectVoiceDelete:    s.handleVoiceDelete,
		protocol.SubjectGenerate:       s.handleGenerate,
		protocol.SubjectGenerateStream: s.handleGenerateStream,
		protocol.SubjectArtifactGet:    s.handleArtifactGet,
	}
	for subject, handler := range handlers {
		sub, err := s.bus.Conn().Subscribe(subject, handler)
		if err != nil {
			return err
		}
		s.subs = append(s.subs, sub)
	}
	return nil
}

func (s *Service) Close() {
	s.cancel()
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return len(s.subs) > 0 }

func (s *Service) handleVoiceRegister(msg *nats.Msg) {
	var req protocol.RegisterVoiceRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.respond(msg, protocol.RegisterVoiceReply{Error: decodeError(err)})
		return
	}
	profile, err := s.registry.Register(s.ctx, voice.RegisterRequest{
		ID:         req.VoiceID,
		Name:       req.Name,
		Audio:      req.Audio,
		Transcript: req.Transcript,
	})
	if err != nil {
		s.respond(msg, protocol.RegisterVoiceReply{Error: errorInfo(err)})
		return
	}
	info := profileInfo(profile)
	s.respond(msg, protocol.RegisterVoiceReply{Voice: &info})
}

func (s *Service) handleVoiceList(msg *nats.Msg) {
	summaries, err := s.registry.List(s.ctx)
	if err != nil {
		s.respond(msg, protocol.ListVoicesReply{Error: errorInfo(err)})
		return
	}
	voices := make([]protocol.VoiceInfo, 0, len(summaries))
	for _, sum := range summaries {
		voices = append(voices, protocol.VoiceInfo{
			ID:                sum.ID,
			Name:              sum.Name,
			TranscriptPending: sum.TranscriptPending,
			CreatedAt:         sum.CreatedAt,
		})
	}
	s.respond(msg, protocol.ListVoicesReply{Voices: voices})
}

func (s *Service) handleVoiceGet(msg *nats.Msg) {
	var req protocol.GetVoiceRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.respond(msg, protocol.GetVoiceReply{Error: decodeError(err)})
		return
	}
	profile, err := s.registry.Get(s.ctx, req.VoiceID)
	if err != nil {
		s.respond(msg, protocol.GetVoiceReply{Error: errorInfo(err)})
		return
	}
	reply := protocol.GetVoiceReply{}
	info := profileInfo(profile)
	reply.Voice = &info
	if req.IncludeAudio {
		reply.Audio = profile.Audio
	}
	s.respond(msg, reply)
}

func (s *Service) handleVoiceDelete(msg *nats.Msg) {
	var req protocol.DeleteVoiceRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.respond(msg, protocol.DeleteVoiceReply{Error: decodeError(err)})
		return
	}
	if err := s.registry.Delete(s.ctx, req.VoiceID); err != nil {
		s.respond(msg, protocol.DeleteVoiceReply{Error: errorInfo(err)})
		return
	}
	s.respond(msg, protocol.DeleteVoiceReply{OK: true})
}

func (s *Service) handleGenerate(msg *nats.Msg) {
	var req protocol.GenerateRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.respond(msg, protocol.GenerateReply{Error: decodeError(err)})
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		result, err := s.coordinator.GenerateBatch(s.ctx, pipelineRequest(req))
		if err != nil {
			s.respond(msg, protocol.GenerateReply{Error: errorInfo(err)})
			return
		}
		s.respond(msg, protocol.GenerateReply{
			ArtifactID: result.ArtifactID,
			Units:      result.Units,
			SampleRate: result.SampleRate,
			DurationMS: result.Duration.Milliseconds(),
		})
	}()
}

func (s *Service) handleGenerateStream(msg *nats.Msg) {
	if msg.Reply == "" {
		s.logger.Warn("stream request without reply inbox")
		return
	}
	var req protocol.GenerateRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.publishChunk(msg.Reply, protocol.StreamChunk{Final: true, Error: decodeError(err)})
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		events, errs := s.coordinator.GenerateStream(s.ctx, pipelineRequest(req))
		for {
			select {
			case event, ok := <-events:
				if !ok {
					events = nil
					continue
				}
				s.publishChunk(msg.Reply, protocol.StreamChunk{
					UnitIndex:  event.UnitIndex,
					PCM:        event.PCM,
					SampleRate: event.SampleRate,
					Channels:   event.Channels,
					Final:      event.Final,
				})
			case err, ok := <-errs:
				if ok && err != nil {
					s.publishChunk(msg.Reply, protocol.StreamChunk{Final: true, Error: errorInfo(err)})
					return
				}
				errs = nil
			case <-s.ctx.Done():
				return
			}
			if events == nil && errs == nil {
				return
			}
		}
	}()
}

func (s *Service) handleArtifactGet(msg *nats.Msg) {
	var req protocol.GetArtifactRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.respond(msg, protocol.GetArtifactReply{Error: decodeError(err)})
		return
	}
	art, err := s.store.Get(s.ctx, req.ArtifactID)
	if err != nil {
		s.respond(msg, protocol.GetArtifactReply{Error: errorInfo(err)})
		return
	}
	s.respond(msg, protocol.GetArtifactReply{
		Audio:      art.Audio,
		Format:     art.Format,
		SampleRate: art.SampleRate,
		DurationMS: art.Duration.Milliseconds(),
		CreatedAt:  art.CreatedAt,
		ExpiresAt:  art.CreatedAt.Add(s.store.MaxAge()),
	})
}

func (s *Service) respond(msg *nats.Msg, reply any) {
	data, err := json.Marshal(reply)
	if err != nil {
		s.logger.Warn("failed to marshal reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to publish reply", slogError(err))
	}
}

func (s *Service) publishChunk(subject string, chunk protocol.StreamChunk) {
	data, err := json.Marshal(chunk)
	if err != nil {
		s.logger.Warn("failed to marshal stream chunk", slogError(err))
		return
	}
	if err := s.bus.Conn().Publish(subject, data); err != nil {
		s.logger.Warn("failed to publish stream chunk", slogError(err))
	}
}

func pipelineRequest(req protocol.GenerateRequest) pipeline.Request {
	out := pipeline.Request{Text: req.Text, Format: req.Format}
	out.Voice.VoiceID = req.VoiceID
	if len(req.TempAudio) > 0 {
		out.Voice.Temp = &pipeline.TempVoice{Audio: req.TempAudio, Transcript: req.TempTranscript}
	}
	return out
}

func profileInfo(p voice.Profile) protocol.VoiceInfo {
	return protocol.VoiceInfo{
		ID:                p.ID,
		Name:              p.Name,
		Transcript:        p.Transcript,
		TranscriptPending: p.TranscriptPending,
		CreatedAt:         p.CreatedAt,
	}
}

func decodeError(err error) *protocol.ErrorInfo {
	return &protocol.ErrorInfo{Code: protocol.CodeInvalidRequest, Message: "malformed request: " + err.Error()}
}

// errorInfo maps domain errors to their wire codes.
func errorInfo(err error) *protocol.ErrorInfo {
	info := &protocol.ErrorInfo{Message: err.Error()}
	var unitErr *pipeline.UnitError
	switch {
	case errors.As(err, &unitErr):
		info.Code = protocol.CodeSynthesisFailed
		unit := unitErr.Unit
		info.Unit = &unit
	case errors.Is(err, pipeline.ErrSynthesisFailed):
		info.Code = protocol.CodeSynthesisFailed
	case errors.Is(err, pipeline.ErrTranscription):
		info.Code = protocol.CodeTranscriptionError
	case errors.Is(err, pipeline.ErrInvalidRequest):
		info.Code = protocol.CodeInvalidRequest
	case errors.Is(err, voice.ErrInvalidAudio):
		info.Code = protocol.CodeInvalidAudio
	case errors.Is(err, voice.ErrConflict):
		info.Code = protocol.CodeConflict
	case errors.Is(err, voice.ErrNotFound), errors.Is(err, artifact.ErrNotFound):
		info.Code = protocol.CodeNotFound
	default:
		info.Code = protocol.CodeIOFailure
	}
	return info
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
