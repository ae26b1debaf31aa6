// Package voice stores named voice conditioning profiles: reference
// audio plus an optional transcript used to steer synthesis.
package voice

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/lutaSci/VoxCPM/internal/config"
	"github.com/lutaSci/VoxCPM/internal/wavio"
)

var (
	// ErrNotFound indicates an unknown voice identifier.
	ErrNotFound = errors.New("voice not found")
	// ErrConflict indicates a registration under an identifier that already exists.
	ErrConflict = errors.New("voice identifier already exists")
	// ErrInvalidAudio indicates reference audio that cannot be decoded.
	ErrInvalidAudio = errors.New("invalid reference audio")
)

// Profile is a stored voice with its owned reference audio payload.
// Audio is immutable once stored; the transcript transitions from
// pending to resolved at most once.
type Profile struct {
	ID                string
	Name              string
	Audio             []byte
	SampleRate        int
	Channels          int
	Transcript        string
	TranscriptPending bool
	CreatedAt         time.Time
}

// Summary is the payload-free view returned by List.
type Summary struct {
	ID                string
	Name              string
	TranscriptPending bool
	CreatedAt         time.Time
}

// RegisterRequest carries the inputs for a new profile. ID is optional;
// when empty a fresh identifier is generated.
type RegisterRequest struct {
	ID         string
	Name       string
	Audio      []byte
	Transcript string
}

// Registry wraps a SQLite-backed voice profile store.
type Registry struct {
	db    *sql.DB
	log   *slog.Logger
	clock func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Open initializes the registry at the configured path.
func Open(ctx context.Context, cfg config.VoicesConfig, log *slog.Logger) (*Registry, error) {
	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	r := &Registry{
		db:    db,
		log:   log.With(slog.String("component", "voice-registry")),
		clock: time.Now,
		locks: make(map[string]*sync.Mutex),
	}
	if err := r.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Registry) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS voices (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    audio BLOB NOT NULL,
    sample_rate INTEGER NOT NULL,
    channels INTEGER NOT NULL,
    transcript TEXT NOT NULL DEFAULT '',
    transcript_pending INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_voices_created ON voices(created_at);
`
	_, err := r.db.ExecContext(ctx, ddl)
	return err
}

// Close releases underlying resources.
func (r *Registry) Close() error {
	return r.db.Close()
}

// lockID serializes operations touching the same identifier. Distinct
// identifiers never contend.
func (r *Registry) lockID(id string) func() {
	r.mu.Lock()
	l, ok := r.locks[id]
	if !ok {
		l = &sync.Mutex{}
		r.locks[id] = l
	}
	r.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Register validates and stores a new profile. The audio payload must
// decode as WAV. A missing transcript leaves the profile in the
// transcript-pending state for lazy transcription on first use.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (Profile, error) {
	info, err := wavio.Probe(req.Audio)
	if err != nil {
		return Profile{}, fmt.Errorf("%w: %v", ErrInvalidAudio, err)
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}

	unlock := r.lockID(id)
	defer unlock()

	var exists bool
	err = r.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM voices WHERE id = ?)`, id).Scan(&exists)
	if err != nil {
		return Profile{}, fmt.Errorf("check voice id: %w", err)
	}
	if exists {
		return Profile{}, fmt.Errorf("%w: %s", ErrConflict, id)
	}

	profile := Profile{
		ID:                id,
		Name:              req.Name,
		Audio:             req.Audio,
		SampleRate:        info.SampleRate,
		Channels:          info.Channels,
		Transcript:        req.Transcript,
		TranscriptPending: req.Transcript == "",
		CreatedAt:         r.clock().UTC(),
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO voices(id, name, audio, sample_rate, channels, transcript, transcript_pending, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		profile.ID, profile.Name, profile.Audio, profile.SampleRate, profile.Channels,
		profile.Transcript, boolToInt(profile.TranscriptPending), profile.CreatedAt)
	if err != nil {
		return Profile{}, fmt.Errorf("insert voice: %w", err)
	}

	r.log.Info("voice registered",
		slog.String("voice_id", profile.ID),
		slog.String("name", profile.Name),
		slog.Bool("transcript_pending", profile.TranscriptPending))
	return profile, nil
}

// Get retrieves a full profile including the audio payload.
func (r *Registry) Get(ctx context.Context, id string) (Profile, error) {
	unlock := r.lockID(id)
	defer unlock()
	return r.get(ctx, id)
}

func (r *Registry) get(ctx context.Context, id string) (Profile, error) {
	var (
		p       Profile
		pending int
		created string
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, audio, sample_rate, channels, transcript, transcript_pending, created_at
		 FROM voices WHERE id = ?`, id).
		Scan(&p.ID, &p.Name, &p.Audio, &p.SampleRate, &p.Channels, &p.Transcript, &pending, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Profile{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Profile{}, fmt.Errorf("query voice: %w", err)
	}
	p.TranscriptPending = pending != 0
	if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
		p.CreatedAt = ts
	}
	return p, nil
}

// List returns payload-free summaries ordered by creation time.
func (r *Registry) List(ctx context.Context) ([]Summary, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, name, transcript_pending, created_at FROM voices ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list voices: %w", err)
	}
	defer rows.Close()

	var voices []Summary
	for rows.Next() {
		var (
			s       Summary
			pending int
			created string
		)
		if err := rows.Scan(&s.ID, &s.Name, &pending, &created); err != nil {
			return nil, err
		}
		s.TranscriptPending = pending != 0
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			s.CreatedAt = ts
		}
		voices = append(voices, s)
	}
	return voices, rows.Err()
}

// Delete removes a profile and its payload. Terminal: a later Register
// under the same identifier is a new profile.
func (r *Registry) Delete(ctx context.Context, id string) error {
	unlock := r.lockID(id)
	defer unlock()

	res, err := r.db.ExecContext(ctx, `DELETE FROM voices WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete voice: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	r.log.Info("voice deleted", slog.String("voice_id", id))
	return nil
}

// ResolveTranscript caches a lazily recognized transcript onto a
// pending profile. The transition happens at most once; a profile whose
// transcript is already resolved is left untouched.
func (r *Registry) ResolveTranscript(ctx context.Context, id, transcript string) error {
	unlock := r.lockID(id)
	defer unlock()

	res, err := r.db.ExecContext(ctx,
		`UPDATE voices SET transcript = ?, transcript_pending = 0 WHERE id = ? AND transcript_pending = 1`,
		transcript, id)
	if err != nil {
		return fmt.Errorf("resolve transcript: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		// Either unknown or already resolved; only the former is an error.
		if _, err := r.get(ctx, id); err != nil {
			return err
		}
		return nil
	}
	r.log.Info("voice transcript resolved", slog.String("voice_id", id))
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
