package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lutaSci/VoxCPM/internal/artifact"
	"github.com/lutaSci/VoxCPM/internal/config"
	"github.com/lutaSci/VoxCPM/internal/segment"
	"github.com/lutaSci/VoxCPM/internal/synth"
	"github.com/lutaSci/VoxCPM/internal/voice"
	"github.com/lutaSci/VoxCPM/internal/wavio"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// unitPCM derives a deterministic even-length payload from unit text so
// tests can check ordering and concatenation byte for byte.
func unitPCM(text string) []byte {
	pcm := make([]byte, 2*len(text))
	for i, b := range []byte(text) {
		pcm[2*i] = b
		pcm[2*i+1] = b
	}
	return pcm
}

type fakeSynth struct {
	mu        sync.Mutex
	calls     []synth.Request
	active    int
	maxActive int
	failAt    int
	delay     time.Duration
	block     bool
}

func newFakeSynth() *fakeSynth {
	return &fakeSynth{failAt: -1}
}

func (f *fakeSynth) Synthesize(ctx context.Context, req synth.Request) (<-chan synth.Chunk, <-chan error) {
	chunks := make(chan synth.Chunk, 1)
	errs := make(chan error, 1)

	f.mu.Lock()
	index := len(f.calls)
	f.calls = append(f.calls, req)
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	f.mu.Unlock()

	go func() {
		defer func() {
			f.mu.Lock()
			f.active--
			f.mu.Unlock()
			close(chunks)
			close(errs)
		}()
		if f.block {
			<-ctx.Done()
			return
		}
		if f.delay > 0 {
			time.Sleep(f.delay)
		}
		if f.failAt >= 0 && index == f.failAt {
			errs <- fmt.Errorf("model exploded")
			return
		}
		select {
		case chunks <- synth.Chunk{PCM: unitPCM(req.Text), SampleRate: 16000, Channels: 1, Final: true}:
		case <-ctx.Done():
		}
	}()
	return chunks, errs
}

func (f *fakeSynth) requests() []synth.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]synth.Request(nil), f.calls...)
}

type fakeTranscriber struct {
	mu    sync.Mutex
	calls int
	text  string
	err   error
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, audio []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.text, f.err
}

func (f *fakeTranscriber) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	tmp := t.TempDir()
	cfg.Voices.Path = filepath.Join(tmp, "voices.db")
	cfg.Artifacts.Path = filepath.Join(tmp, "artifacts.db")
	cfg.Model.UnitTimeoutMS = 2000
	cfg.Pipeline.MaxUnitLength = 20
	cfg.Pipeline.StreamBuffer = 2
	return cfg
}

type fixture struct {
	cfg         config.Config
	registry    *voice.Registry
	store       *artifact.Store
	synth       *fakeSynth
	transcriber *fakeTranscriber
	coordinator *Coordinator
}

func newFixture(t *testing.T, cfg config.Config) *fixture {
	t.Helper()
	registry, err := voice.Open(context.Background(), cfg.Voices, newLogger())
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	t.Cleanup(func() { _ = registry.Close() })

	store, err := artifact.Open(context.Background(), cfg.Artifacts, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	fs := newFakeSynth()
	ft := &fakeTranscriber{text: "recognized transcript"}
	return &fixture{
		cfg:         cfg,
		registry:    registry,
		store:       store,
		synth:       fs,
		transcriber: ft,
		coordinator: New(cfg, registry, store, fs, ft, newLogger()),
	}
}

// storedArtifacts counts rows by reclaiming everything.
func (f *fixture) storedArtifacts(t *testing.T) int {
	t.Helper()
	n, err := f.store.Reclaim(context.Background(), time.Now().Add(time.Hour), 0)
	if err != nil {
		t.Fatalf("count artifacts: %v", err)
	}
	return n
}

func (f *fixture) registerVoice(t *testing.T, id, transcript string) {
	t.Helper()
	pcm := make([]byte, 3200)
	audio, err := wavio.EncodePCM16(pcm, 16000, 1)
	if err != nil {
		t.Fatalf("encode voice audio: %v", err)
	}
	if _, err := f.registry.Register(context.Background(), voice.RegisterRequest{
		ID: id, Name: id, Audio: audio, Transcript: transcript,
	}); err != nil {
		t.Fatalf("register voice: %v", err)
	}
}

func TestGenerateBatchOrdersAndConcatenates(t *testing.T) {
	cfg := testConfig(t)
	f := newFixture(t, cfg)

	text := "One sentence. Two here. Third one now. And a fourth."
	result, err := f.coordinator.GenerateBatch(context.Background(), Request{Text: text, Format: "pcm"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	expected := segment.Split(text, cfg.Pipeline.MaxUnitLength)
	if len(expected) < 2 {
		t.Fatalf("test needs multiple units, got %d", len(expected))
	}
	if result.Units != len(expected) {
		t.Fatalf("units: got %d, want %d", result.Units, len(expected))
	}

	calls := f.synth.requests()
	if len(calls) != len(expected) {
		t.Fatalf("model invocations: got %d, want %d", len(calls), len(expected))
	}
	var wantPCM []byte
	for i, unit := range expected {
		if calls[i].Text != unit.Text {
			t.Fatalf("invocation %d out of order: got %q, want %q", i, calls[i].Text, unit.Text)
		}
		wantPCM = append(wantPCM, unitPCM(unit.Text)...)
	}

	art, err := f.store.Get(context.Background(), result.ArtifactID)
	if err != nil {
		t.Fatalf("fetch artifact: %v", err)
	}
	if string(art.Audio) != string(wantPCM) {
		t.Fatalf("artifact is not the ordered concatenation of unit audio")
	}
	if art.Format != "pcm" {
		t.Fatalf("format: got %s", art.Format)
	}
	if result.Duration != wavio.PCMDuration(len(wantPCM), cfg.Model.SampleRate, cfg.Model.Channels) {
		t.Fatalf("duration mismatch: %s", result.Duration)
	}
}

func TestGenerateBatchWavArtifact(t *testing.T) {
	cfg := testConfig(t)
	f := newFixture(t, cfg)

	result, err := f.coordinator.GenerateBatch(context.Background(), Request{Text: "Short line."})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	art, err := f.store.Get(context.Background(), result.ArtifactID)
	if err != nil {
		t.Fatalf("fetch artifact: %v", err)
	}
	if art.Format != "wav" {
		t.Fatalf("default format should be wav, got %s", art.Format)
	}
	info, err := wavio.Probe(art.Audio)
	if err != nil {
		t.Fatalf("artifact is not decodable WAV: %v", err)
	}
	if info.SampleRate != cfg.Model.SampleRate {
		t.Fatalf("sample rate: got %d", info.SampleRate)
	}
}

func TestGenerateBatchRepeatedSentences(t *testing.T) {
	cfg := testConfig(t)
	cfg.Pipeline.MaxUnitLength = 300
	f := newFixture(t, cfg)
	f.coordinator = New(cfg, f.registry, f.store,
		synth.NewMockSynthesizer(cfg.Model.SampleRate, cfg.Model.Channels, time.Second),
		f.transcriber, newLogger())

	text := strings.TrimSpace(strings.Repeat("Hello. ", 50))
	result, err := f.coordinator.GenerateBatch(context.Background(), Request{Text: text, Format: "pcm"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if result.Units != 2 {
		t.Fatalf("units: got %d, want 2", result.Units)
	}
	if result.Duration != 2*time.Second {
		t.Fatalf("duration: got %s, want 2s", result.Duration)
	}
}

func TestGenerateBatchValidation(t *testing.T) {
	cfg := testConfig(t)
	f := newFixture(t, cfg)

	cases := map[string]Request{
		"empty text":     {Text: "   "},
		"text too long":  {Text: strings.Repeat("a", cfg.Pipeline.MaxTextLength+1)},
		"unknown format": {Text: "hello", Format: "mp3"},
		"conflicting selector": {
			Text:  "hello",
			Voice: Selector{VoiceID: "v1", Temp: &TempVoice{Audio: []byte{1, 2}}},
		},
		"temp voice without audio": {
			Text:  "hello",
			Voice: Selector{Temp: &TempVoice{}},
		},
	}
	for name, req := range cases {
		if _, err := f.coordinator.GenerateBatch(context.Background(), req); !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("%s: expected ErrInvalidRequest, got %v", name, err)
		}
	}
	if len(f.synth.requests()) != 0 {
		t.Fatalf("model invoked despite failed validation")
	}
	if f.storedArtifacts(t) != 0 {
		t.Fatalf("artifact persisted despite failed validation")
	}
}

func TestGenerateBatchUnknownVoice(t *testing.T) {
	f := newFixture(t, testConfig(t))

	_, err := f.coordinator.GenerateBatch(context.Background(), Request{
		Text:  "hello",
		Voice: Selector{VoiceID: "missing"},
	})
	if !IsNotFound(err) {
		t.Fatalf("expected not-found error, got %v", err)
	}
	if len(f.synth.requests()) != 0 {
		t.Fatalf("model invoked for unknown voice")
	}
}

func TestGenerateBatchUnitFailureKeepsNothing(t *testing.T) {
	cfg := testConfig(t)
	f := newFixture(t, cfg)
	f.synth.failAt = 1

	text := "One sentence. Two here. Third one now."
	_, err := f.coordinator.GenerateBatch(context.Background(), Request{Text: text})
	if !errors.Is(err, ErrSynthesisFailed) {
		t.Fatalf("expected ErrSynthesisFailed, got %v", err)
	}
	var unitErr *UnitError
	if !errors.As(err, &unitErr) {
		t.Fatalf("expected UnitError, got %T", err)
	}
	if unitErr.Unit != 1 {
		t.Fatalf("failing unit: got %d, want 1", unitErr.Unit)
	}
	if f.storedArtifacts(t) != 0 {
		t.Fatalf("partial artifact persisted after failure")
	}
}

func TestGenerateBatchUnitTimeout(t *testing.T) {
	cfg := testConfig(t)
	cfg.Model.UnitTimeoutMS = 50
	f := newFixture(t, cfg)
	f.synth.block = true

	start := time.Now()
	_, err := f.coordinator.GenerateBatch(context.Background(), Request{Text: "hello"})
	if !errors.Is(err, ErrSynthesisFailed) {
		t.Fatalf("expected ErrSynthesisFailed, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline in chain, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("timeout did not bound the unit: %s", elapsed)
	}
}

func TestGenerateStreamDeliversInOrder(t *testing.T) {
	cfg := testConfig(t)
	f := newFixture(t, cfg)

	text := "One sentence. Two here. Third one now. And a fourth."
	expected := segment.Split(text, cfg.Pipeline.MaxUnitLength)

	events, errs := f.coordinator.GenerateStream(context.Background(), Request{Text: text})
	var got []Event
	for ev := range events {
		got = append(got, ev)
	}
	if err := <-errs; err != nil {
		t.Fatalf("stream error: %v", err)
	}

	if len(got) != len(expected) {
		t.Fatalf("events: got %d, want %d", len(got), len(expected))
	}
	for i, ev := range got {
		if ev.UnitIndex != i {
			t.Fatalf("event %d has unit index %d", i, ev.UnitIndex)
		}
		if string(ev.PCM) != string(unitPCM(expected[i].Text)) {
			t.Fatalf("event %d carries wrong audio", i)
		}
		if ev.Final != (i == len(expected)-1) {
			t.Fatalf("event %d final flag wrong", i)
		}
	}
	if f.storedArtifacts(t) != 0 {
		t.Fatalf("streaming should not persist an artifact")
	}
}

func TestGenerateStreamFailureTruncates(t *testing.T) {
	cfg := testConfig(t)
	f := newFixture(t, cfg)
	f.synth.failAt = 1

	text := "One sentence. Two here. Third one now."
	events, errs := f.coordinator.GenerateStream(context.Background(), Request{Text: text})
	var got []Event
	for ev := range events {
		got = append(got, ev)
	}
	err := <-errs
	if !errors.Is(err, ErrSynthesisFailed) {
		t.Fatalf("expected ErrSynthesisFailed, got %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected the unit before the failure, got %d events", len(got))
	}
	if got[0].UnitIndex != 0 || got[0].Final {
		t.Fatalf("unexpected delivered event: %+v", got[0])
	}
	if f.storedArtifacts(t) != 0 {
		t.Fatalf("failed stream left an artifact behind")
	}
}

func TestGenerateStreamCancellation(t *testing.T) {
	cfg := testConfig(t)
	f := newFixture(t, cfg)
	f.synth.delay = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	text := "One sentence. Two here. Third one now. And a fourth."
	events, errs := f.coordinator.GenerateStream(ctx, Request{Text: text})

	<-events
	cancel()
	for range events {
	}
	if err := <-errs; err == nil {
		t.Fatalf("expected cancellation error")
	}
}

func TestModelInvocationsSerialized(t *testing.T) {
	cfg := testConfig(t)
	f := newFixture(t, cfg)
	f.synth.delay = 5 * time.Millisecond

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.coordinator.GenerateBatch(context.Background(), Request{
				Text: "One sentence. Two here. Third one now.",
			})
			if err != nil {
				t.Errorf("generate: %v", err)
			}
		}()
	}
	wg.Wait()

	f.synth.mu.Lock()
	maxActive := f.synth.maxActive
	f.synth.mu.Unlock()
	if maxActive != 1 {
		t.Fatalf("model ran %d invocations concurrently", maxActive)
	}
}

func TestRegisteredVoiceConditioning(t *testing.T) {
	cfg := testConfig(t)
	f := newFixture(t, cfg)
	f.registerVoice(t, "narrator", "the reference line")

	_, err := f.coordinator.GenerateBatch(context.Background(), Request{
		Text:  "hello there",
		Voice: Selector{VoiceID: "narrator"},
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	calls := f.synth.requests()
	if len(calls) == 0 || len(calls[0].PromptAudio) == 0 {
		t.Fatalf("model did not receive reference audio")
	}
	if calls[0].PromptText != "the reference line" {
		t.Fatalf("prompt text: got %q", calls[0].PromptText)
	}
	if f.transcriber.callCount() != 0 {
		t.Fatalf("transcriber invoked despite stored transcript")
	}
}

func TestLazyTranscriptionResolvedOnce(t *testing.T) {
	cfg := testConfig(t)
	f := newFixture(t, cfg)
	f.registerVoice(t, "pending", "")

	for i := 0; i < 2; i++ {
		_, err := f.coordinator.GenerateBatch(context.Background(), Request{
			Text:  "hello there",
			Voice: Selector{VoiceID: "pending"},
		})
		if err != nil {
			t.Fatalf("generate %d: %v", i, err)
		}
	}
	if got := f.transcriber.callCount(); got != 1 {
		t.Fatalf("transcriber calls: got %d, want 1", got)
	}

	profile, err := f.registry.Get(context.Background(), "pending")
	if err != nil {
		t.Fatalf("get voice: %v", err)
	}
	if profile.TranscriptPending || profile.Transcript != "recognized transcript" {
		t.Fatalf("transcript not cached: %+v", profile)
	}

	calls := f.synth.requests()
	if calls[len(calls)-1].PromptText != "recognized transcript" {
		t.Fatalf("later request did not reuse cached transcript")
	}
}

func TestTempVoiceNeverPersisted(t *testing.T) {
	cfg := testConfig(t)
	f := newFixture(t, cfg)

	pcm := make([]byte, 1600)
	audio, err := wavio.EncodePCM16(pcm, 16000, 1)
	if err != nil {
		t.Fatalf("encode temp audio: %v", err)
	}

	_, err = f.coordinator.GenerateBatch(context.Background(), Request{
		Text:  "hello there",
		Voice: Selector{Temp: &TempVoice{Audio: audio}},
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if f.transcriber.callCount() != 1 {
		t.Fatalf("temp voice without transcript should be transcribed")
	}

	voices, err := f.registry.List(context.Background())
	if err != nil {
		t.Fatalf("list voices: %v", err)
	}
	if len(voices) != 0 {
		t.Fatalf("temporary voice leaked into the registry")
	}
}

func TestTranscriptionFailureFailsFast(t *testing.T) {
	cfg := testConfig(t)
	f := newFixture(t, cfg)
	f.transcriber.err = fmt.Errorf("recognizer offline")
	f.registerVoice(t, "pending", "")

	_, err := f.coordinator.GenerateBatch(context.Background(), Request{
		Text:  "hello there",
		Voice: Selector{VoiceID: "pending"},
	})
	if !errors.Is(err, ErrTranscription) {
		t.Fatalf("expected ErrTranscription, got %v", err)
	}
	if len(f.synth.requests()) != 0 {
		t.Fatalf("model invoked despite transcription failure")
	}
}
