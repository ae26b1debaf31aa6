package artifact

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
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T) *Store {
	t.Helper()
	cfg := config.ArtifactsConfig{
		Path:                   filepath.Join(t.TempDir(), "artifacts.db"),
		ExpireHours:            24,
		CleanupIntervalMinutes: 60,
	}
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutAndGet(t *testing.T) {
	s := openStore(t)
	audio := []byte("riff-payload")

	art, err := s.Put(context.Background(), audio, "wav", 16000, 1500*time.Millisecond)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if art.ID == "" {
		t.Fatalf("expected generated identifier")
	}

	got, err := s.Get(context.Background(), art.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(got.Audio, audio) {
		t.Fatalf("payload changed across storage")
	}
	if got.Format != "wav" || got.SampleRate != 16000 {
		t.Fatalf("unexpected metadata: %s %d", got.Format, got.SampleRate)
	}
	if got.Duration != 1500*time.Millisecond {
		t.Fatalf("duration: got %s", got.Duration)
	}
}

func TestGetUnknown(t *testing.T) {
	s := openStore(t)
	if _, err := s.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDelete(t *testing.T) {
	s := openStore(t)
	art, err := s.Put(context.Background(), []byte("x"), "pcm", 16000, time.Second)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Delete(context.Background(), art.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete(context.Background(), art.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestReclaimDropsOnlyExpired(t *testing.T) {
	s := openStore(t)
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	s.clock = func() time.Time { return base }
	old, err := s.Put(context.Background(), []byte("old"), "wav", 16000, time.Second)
	if err != nil {
		t.Fatalf("put old: %v", err)
	}

	s.clock = func() time.Time { return base.Add(30 * time.Hour) }
	young, err := s.Put(context.Background(), []byte("young"), "wav", 16000, time.Second)
	if err != nil {
		t.Fatalf("put young: %v", err)
	}

	now := base.Add(31 * time.Hour)
	reclaimed, err := s.Reclaim(context.Background(), now, s.MaxAge())
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if reclaimed != 1 {
		t.Fatalf("expected 1 reclaimed, got %d", reclaimed)
	}
	if _, err := s.Get(context.Background(), old.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired artifact still present: %v", err)
	}
	if _, err := s.Get(context.Background(), young.ID); err != nil {
		t.Fatalf("young artifact lost: %v", err)
	}

	// Reclaim is idempotent.
	reclaimed, err = s.Reclaim(context.Background(), now, s.MaxAge())
	if err != nil {
		t.Fatalf("second reclaim: %v", err)
	}
	if reclaimed != 0 {
		t.Fatalf("expected 0 on repeat, got %d", reclaimed)
	}
}

func TestReclaimExactSecondTimestamps(t *testing.T) {
	s := openStore(t)
	base := time.Date(2025, 6, 1, 12, 0, 5, 0, time.UTC)

	// An exact-second timestamp must sort before a sub-second neighbor
	// of the same second under the stored string comparison.
	s.clock = func() time.Time { return base }
	old, err := s.Put(context.Background(), []byte("old"), "wav", 16000, time.Second)
	if err != nil {
		t.Fatalf("put old: %v", err)
	}

	s.clock = func() time.Time { return base.Add(500 * time.Millisecond) }
	young, err := s.Put(context.Background(), []byte("young"), "wav", 16000, time.Second)
	if err != nil {
		t.Fatalf("put young: %v", err)
	}

	reclaimed, err := s.Reclaim(context.Background(), base.Add(250*time.Millisecond), 0)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if reclaimed != 1 {
		t.Fatalf("expected 1 reclaimed, got %d", reclaimed)
	}
	if _, err := s.Get(context.Background(), old.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("exact-second artifact survived the cutoff: %v", err)
	}
	if _, err := s.Get(context.Background(), young.ID); err != nil {
		t.Fatalf("younger artifact lost: %v", err)
	}
}

func TestReclaimEmptyStore(t *testing.T) {
	s := openStore(t)
	reclaimed, err := s.Reclaim(context.Background(), time.Now(), s.MaxAge())
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if reclaimed != 0 {
		t.Fatalf("expected 0, got %d", reclaimed)
	}
}
