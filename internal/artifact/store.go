// Package artifact persists completed synthesis outputs until they are
// fetched or age out.
package artifact

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/lutaSci/VoxCPM/internal/config"
)

// ErrNotFound indicates an unknown or already reclaimed artifact.
var ErrNotFound = errors.New("artifact not found")

// timeLayout pads the fraction to fixed width so the lexicographic
// created_at comparison in Reclaim matches chronological order even at
// exact-second timestamps.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Artifact is a persisted synthesis output. The payload is immutable
// after creation.
type Artifact struct {
	ID         string
	Audio      []byte
	Format     string
	SampleRate int
	Duration   time.Duration
	CreatedAt  time.Time
}

// Store wraps a SQLite-backed artifact store.
type Store struct {
	db    *sql.DB
	cfg   config.ArtifactsConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the store at the configured path.
func Open(ctx context.Context, cfg config.ArtifactsConfig, log *slog.Logger) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{
		db:    db,
		cfg:   cfg,
		log:   log.With(slog.String("component", "artifact-store")),
		clock: time.Now,
	}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS artifacts (
    id TEXT PRIMARY KEY,
    audio BLOB NOT NULL,
    format TEXT NOT NULL,
    sample_rate INTEGER NOT NULL,
    duration_ms INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_artifacts_created ON artifacts(created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// MaxAge is the configured expiry window.
func (s *Store) MaxAge() time.Duration {
	return time.Duration(s.cfg.ExpireHours) * time.Hour
}

// Put stores a payload under a fresh identifier and stamps creation time.
func (s *Store) Put(ctx context.Context, audio []byte, format string, sampleRate int, duration time.Duration) (Artifact, error) {
	art := Artifact{
		ID:         uuid.NewString(),
		Audio:      audio,
		Format:     format,
		SampleRate: sampleRate,
		Duration:   duration,
		CreatedAt:  s.clock().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO artifacts(id, audio, format, sample_rate, duration_ms, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		art.ID, art.Audio, art.Format, art.SampleRate, art.Duration.Milliseconds(), art.CreatedAt.Format(timeLayout))
	if err != nil {
		return Artifact{}, fmt.Errorf("insert artifact: %w", err)
	}
	s.log.Info("artifact stored",
		slog.String("artifact_id", art.ID),
		slog.String("format", art.Format),
		slog.Int("bytes", len(art.Audio)))
	return art, nil
}

// Get retrieves an artifact with its payload.
func (s *Store) Get(ctx context.Context, id string) (Artifact, error) {
	var (
		art        Artifact
		durationMS int64
		created    string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, audio, format, sample_rate, duration_ms, created_at FROM artifacts WHERE id = ?`, id).
		Scan(&art.ID, &art.Audio, &art.Format, &art.SampleRate, &durationMS, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Artifact{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Artifact{}, fmt.Errorf("query artifact: %w", err)
	}
	art.Duration = time.Duration(durationMS) * time.Millisecond
	if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
		art.CreatedAt = ts
	}
	return art, nil
}

// Delete removes an artifact explicitly.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM artifacts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete artifact: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Reclaim deletes every artifact older than maxAge at the given instant.
// Idempotent; safe to run concurrently with Get, which either sees the
// full payload or ErrNotFound. The caller owns the cadence.
func (s *Store) Reclaim(ctx context.Context, now time.Time, maxAge time.Duration) (int, error) {
	cutoff := now.Add(-maxAge).UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx, `DELETE FROM artifacts WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("reclaim artifacts: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if affected > 0 {
		s.log.Info("artifacts reclaimed", slog.Int64("count", affected))
	}
	return int(affected), nil
}
