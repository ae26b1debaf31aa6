// Package pipeline orchestrates synthesis: it segments input text,
// resolves voice conditioning, drives the model one unit at a time and
// assembles or streams the resulting audio.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/lutaSci/VoxCPM/internal/artifact"
	"github.com/lutaSci/VoxCPM/internal/config"
	"github.com/lutaSci/VoxCPM/internal/segment"
	"github.com/lutaSci/VoxCPM/internal/synth"
	"github.com/lutaSci/VoxCPM/internal/transcribe"
	"github.com/lutaSci/VoxCPM/internal/voice"
	"github.com/lutaSci/VoxCPM/internal/wavio"
)

// Request is one orchestration call. Format applies to batch mode only;
// empty means WAV.
type Request struct {
	Text   string
	Voice  Selector
	Format string
}

// Result reports a completed batch generation.
type Result struct {
	ArtifactID string
	Units      int
	SampleRate int
	Duration   time.Duration
}

// Event is one delivered slice of a streamed generation. Final marks
// the last chunk of the last unit.
type Event struct {
	UnitIndex  int
	PCM        []byte
	SampleRate int
	Channels   int
	Final      bool
}

// conditioning is the resolved voice reference reused for every unit of
// a request.
type conditioning struct {
	audio      []byte
	transcript string
}

// Coordinator owns no persistent state; it orchestrates the registry,
// the artifact store and the model capability for one request at a time
// per model slot.
type Coordinator struct {
	cfg         config.Config
	registry    *voice.Registry
	store       *artifact.Store
	synth       synth.Synthesizer
	transcriber transcribe.Transcriber
	gate        *gate
	log         *slog.Logger
	tracer      trace.Tracer
	unitCount   metric.Int64Counter
	synthTime   metric.Float64Histogram
}

func New(
	cfg config.Config,
	registry *voice.Registry,
	store *artifact.Store,
	synthesizer synth.Synthesizer,
	transcriber transcribe.Transcriber,
	log *slog.Logger,
) *Coordinator {
	c := &Coordinator{
		cfg:         cfg,
		registry:    registry,
		store:       store,
		synth:       synthesizer,
		transcriber: transcriber,
		gate:        &gate{},
		log:         log.With(slog.String("component", "pipeline")),
		tracer:      otel.Tracer("github.com/lutaSci/VoxCPM/pipeline"),
	}
	meter := otel.Meter("github.com/lutaSci/VoxCPM/pipeline")
	if counter, err := meter.Int64Counter("voxcpm_units_synthesized_total"); err == nil {
		c.unitCount = counter
	}
	if hist, err := meter.Float64Histogram("voxcpm_unit_synthesis_seconds"); err == nil {
		c.synthTime = hist
	}
	return c
}

// GenerateBatch synthesizes every unit in order, concatenates the audio
// and persists it, returning the artifact identifier. Nothing is
// persisted if any unit fails.
func (c *Coordinator) GenerateBatch(ctx context.Context, req Request) (Result, error) {
	ctx, span := c.tracer.Start(ctx, "pipeline.generate_batch")
	defer span.End()

	units, cond, err := c.prepare(ctx, req, true)
	if err != nil {
		return Result{}, err
	}

	var pcm []byte
	for _, unit := range units {
		unitPCM, err := c.synthesizeUnit(ctx, unit, cond)
		if err != nil {
			return Result{}, err
		}
		pcm = append(pcm, unitPCM...)
	}

	sampleRate := c.cfg.Model.SampleRate
	channels := c.cfg.Model.Channels
	duration := wavio.PCMDuration(len(pcm), sampleRate, channels)

	payload := pcm
	format := normalizeFormat(req.Format)
	if format == "wav" {
		payload, err = wavio.EncodePCM16(pcm, sampleRate, channels)
		if err != nil {
			return Result{}, fmt.Errorf("encode artifact: %w", err)
		}
	}

	art, err := c.store.Put(ctx, payload, format, sampleRate, duration)
	if err != nil {
		return Result{}, fmt.Errorf("persist artifact: %w", err)
	}

	span.SetAttributes(
		attribute.Int("units", len(units)),
		attribute.String("artifact_id", art.ID),
	)
	c.log.Info("batch generation complete",
		slog.String("artifact_id", art.ID),
		slog.Int("units", len(units)),
		slog.Duration("duration", duration))
	return Result{
		ArtifactID: art.ID,
		Units:      len(units),
		SampleRate: sampleRate,
		Duration:   duration,
	}, nil
}

// GenerateStream synthesizes units in order and delivers one event per
// unit as audio becomes available. Delivery is consumer-paced through a
// bounded buffer; cancelling ctx stops further synthesis. A failed unit
// terminates the stream through the error channel; events already
// delivered stand as a truncated result and no artifact is retained.
func (c *Coordinator) GenerateStream(ctx context.Context, req Request) (<-chan Event, <-chan error) {
	events := make(chan Event, c.cfg.Pipeline.StreamBuffer)
	errs := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errs)

		ctx, span := c.tracer.Start(ctx, "pipeline.generate_stream")
		defer span.End()

		units, cond, err := c.prepare(ctx, req, false)
		if err != nil {
			errs <- err
			return
		}

		for i, unit := range units {
			unitPCM, err := c.synthesizeUnit(ctx, unit, cond)
			if err != nil {
				errs <- err
				return
			}
			event := Event{
				UnitIndex:  unit.Index,
				PCM:        unitPCM,
				SampleRate: c.cfg.Model.SampleRate,
				Channels:   c.cfg.Model.Channels,
				Final:      i == len(units)-1,
			}
			select {
			case events <- event:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
		span.SetAttributes(attribute.Int("units", len(units)))
	}()

	return events, errs
}

// prepare runs every check that must precede the first model
/// invocation: text validation, selector validation, segmentation and
// voice resolution.
func (c *Coordinator) prepare(ctx context.Context, req Request, batch bool) ([]segment.Unit, conditioning, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, conditioning{}, fmt.Errorf("%w: text is empty", ErrInvalidRequest)
	}
	if max := c.cfg.Pipeline.MaxTextLength; len([]rune(req.Text)) > max {
		return nil, conditioning{}, fmt.Errorf("%w: text exceeds %d characters", ErrInvalidRequest, max)
	}
	if err := req.Voice.validate(); err != nil {
		return nil, conditioning{}, err
	}
	if batch {
		switch normalizeFormat(req.Format) {
		case "wav", "pcm":
		default:
			return nil, conditioning{}, fmt.Errorf("%w: unsupported format %q", ErrInvalidRequest, req.Format)
		}
	}

	cond, err := c.resolveVoice(ctx, req.Voice)
	if err != nil {
		return nil, conditioning{}, err
	}

	units := segment.Split(req.Text, c.cfg.Pipeline.MaxUnitLength)
	if len(units) == 0 {
		return nil, conditioning{}, fmt.Errorf("%w: text is empty", ErrInvalidRequest)
	}
	return units, cond, nil
}

// resolveVoice turns the selector into conditioning, triggering lazy
// transcription once per request when the reference transcript is
// missing and auto-transcription is enabled.
func (c *Coordinator) resolveVoice(ctx context.Context, sel Selector) (conditioning, error) {
	switch {
	case sel.Temp != nil:
		cond := conditioning{audio: sel.Temp.Audio, transcript: sel.Temp.Transcript}
		if cond.transcript == "" && c.cfg.Voices.AutoTranscribe {
			text, err := c.transcriber.Transcribe(ctx, cond.audio)
			if err != nil {
				return conditioning{}, fmt.Errorf("%w: %v", ErrTranscription, err)
			}
			cond.transcript = text
		}
		return cond, nil

	case sel.VoiceID != "":
		profile, err := c.registry.Get(ctx, sel.VoiceID)
		if err != nil {
			return conditioning{}, err
		}
		cond := conditioning{audio: profile.Audio, transcript: profile.Transcript}
		if profile.TranscriptPending && c.cfg.Voices.AutoTranscribe {
			text, err := c.transcriber.Transcribe(ctx, profile.Audio)
			if err != nil {
				return conditioning{}, fmt.Errorf("%w: %v", ErrTranscription, err)
			}
			if err := c.registry.ResolveTranscript(ctx, profile.ID, text); err != nil {
				return conditioning{}, err
			}
			cond.transcript = text
		}
		return cond, nil

	default:
		return conditioning{}, nil
	}
}

// synthesizeUnit runs one model invocation under the gate with the
// configured per-unit timeout and collects the unit's PCM.
func (c *Coordinator) synthesizeUnit(ctx context.Context, unit segment.Unit, cond conditioning) ([]byte, error) {
	if err := c.gate.acquire(ctx); err != nil {
		return nil, &UnitError{Unit: unit.Index, Err: err}
	}
	defer c.gate.release()

	timeout := time.Duration(c.cfg.Model.UnitTimeoutMS) * time.Millisecond
	unitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	chunks, errs := c.synth.Synthesize(unitCtx, synth.Request{
		Text:        unit.Text,
		PromptAudio: cond.audio,
		PromptText:  cond.transcript,
	})

	var pcm []byte
	var failure error
	for chunks != nil || errs != nil {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			pcm = append(pcm, chunk.PCM...)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil && failure == nil {
				failure = err
			}
		case <-unitCtx.Done():
			if failure == nil {
				failure = unitCtx.Err()
			}
			chunks = nil
			errs = nil
		}
	}
	if failure != nil {
		return nil, &UnitError{Unit: unit.Index, Err: failure}
	}

	elapsed := time.Since(started)
	if c.unitCount != nil {
		c.unitCount.Add(ctx, 1)
	}
	if c.synthTime != nil {
		c.synthTime.Record(ctx, elapsed.Seconds())
	}
	c.log.Debug("unit synthesized",
		slog.Int("unit", unit.Index),
		slog.Int("chars", len(unit.Text)),
		slog.Duration("elapsed", elapsed))
	return pcm, nil
}

// IsNotFound reports whether err names an unknown voice or artifact.
func IsNotFound(err error) bool {
	return errors.Is(err, voice.ErrNotFound) || errors.Is(err, artifact.ErrNotFound)
}

func normalizeFormat(format string) string {
	if format == "" {
		return "wav"
	}
	return strings.ToLower(format)
}
