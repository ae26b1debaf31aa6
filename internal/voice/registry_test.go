package voice

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/lutaSci/VoxCPM/internal/config"
	"github.com/lutaSci/VoxCPM/internal/wavio"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testAudio(t *testing.T) []byte {
	t.Helper()
	pcm := make([]byte, 3200)
	for i := range pcm {
		pcm[i] = byte(i % 13)
	}
	data, err := wavio.EncodePCM16(pcm, 16000, 1)
	if err != nil {
		t.Fatalf("encode test audio: %v", err)
	}
	return data
}

func openRegistry(t *testing.T) *Registry {
	t.Helper()
	cfg := config.VoicesConfig{Path: filepath.Join(t.TempDir(), "voices.db")}
	r, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestRegisterAndGetRoundTrip(t *testing.T) {
	r := openRegistry(t)
	audio := testAudio(t)

	profile, err := r.Register(context.Background(), RegisterRequest{
		Name:       "narrator",
		Audio:      audio,
		Transcript: "reference line",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if profile.ID == "" {
		t.Fatalf("expected generated identifier")
	}
	if profile.TranscriptPending {
		t.Fatalf("transcript supplied, should not be pending")
	}

	got, err := r.Get(context.Background(), profile.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(got.Audio, audio) {
		t.Fatalf("audio payload changed across storage")
	}
	if got.SampleRate != 16000 || got.Channels != 1 {
		t.Fatalf("unexpected format: %d Hz, %d ch", got.SampleRate, got.Channels)
	}
	if got.Transcript != "reference line" {
		t.Fatalf("unexpected transcript: %q", got.Transcript)
	}
}

func TestRegisterRejectsInvalidAudio(t *testing.T) {
	r := openRegistry(t)

	_, err := r.Register(context.Background(), RegisterRequest{Name: "bad", Audio: []byte("not audio")})
	if !errors.Is(err, ErrInvalidAudio) {
		t.Fatalf("expected ErrInvalidAudio, got %v", err)
	}

	if _, err := r.Register(context.Background(), RegisterRequest{Name: "empty"}); !errors.Is(err, ErrInvalidAudio) {
		t.Fatalf("expected ErrInvalidAudio for empty payload, got %v", err)
	}
}

func TestRegisterConflictKeepsFirst(t *testing.T) {
	r := openRegistry(t)
	audio := testAudio(t)

	first, err := r.Register(context.Background(), RegisterRequest{ID: "v1", Name: "first", Audio: audio})
	if err != nil {
		t.Fatalf("register first: %v", err)
	}

	_, err = r.Register(context.Background(), RegisterRequest{ID: "v1", Name: "second", Audio: audio})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	got, err := r.Get(context.Background(), first.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "first" {
		t.Fatalf("conflicting register replaced the original: %q", got.Name)
	}
}

func TestDeleteThenGetNotFound(t *testing.T) {
	r := openRegistry(t)
	audio := testAudio(t)

	profile, err := r.Register(context.Background(), RegisterRequest{Name: "gone", Audio: audio})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Delete(context.Background(), profile.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := r.Get(context.Background(), profile.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := r.Delete(context.Background(), profile.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}

	// The identifier is reusable once deleted.
	if _, err := r.Register(context.Background(), RegisterRequest{ID: profile.ID, Name: "again", Audio: audio}); err != nil {
		t.Fatalf("re-register after delete: %v", err)
	}
}

func TestListOrderedByCreation(t *testing.T) {
	r := openRegistry(t)
	audio := testAudio(t)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"charlie", "alpha", "bravo"} {
		offset := time.Duration(i) * time.Minute
		r.clock = func() time.Time { return base.Add(offset) }
		if _, err := r.Register(context.Background(), RegisterRequest{ID: id, Name: id, Audio: audio}); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}

	voices, err := r.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(voices) != 3 {
		t.Fatalf("expected 3 voices, got %d", len(voices))
	}
	want := []string{"charlie", "alpha", "bravo"}
	for i, v := range voices {
		if v.ID != want[i] {
			t.Fatalf("position %d: got %s, want %s", i, v.ID, want[i])
		}
	}
}

func TestResolveTranscriptAtMostOnce(t *testing.T) {
	r := openRegistry(t)
	audio := testAudio(t)

	profile, err := r.Register(context.Background(), RegisterRequest{ID: "pending", Name: "pending", Audio: audio})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if !profile.TranscriptPending {
		t.Fatalf("profile without transcript should be pending")
	}

	if err := r.ResolveTranscript(context.Background(), "pending", "first transcript"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	// A second resolve is a no-op, not an error.
	if err := r.ResolveTranscript(context.Background(), "pending", "second transcript"); err != nil {
		t.Fatalf("second resolve: %v", err)
	}

	got, err := r.Get(context.Background(), "pending")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.TranscriptPending {
		t.Fatalf("transcript still pending after resolve")
	}
	if got.Transcript != "first transcript" {
		t.Fatalf("transcript overwritten: %q", got.Transcript)
	}

	if err := r.ResolveTranscript(context.Background(), "missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown voice, got %v", err)
	}
}
