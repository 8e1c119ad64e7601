// Package store persists live sessions and their emotion readings in
// PostgreSQL.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/andresmejia3/facemood/internal/types"
)

// ErrSessionNotFound is returned when a session id is unknown.
var ErrSessionNotFound = errors.New("session not found")

// DB is the subset of pgxpool.Pool the store needs (pgxmock implements it too).
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error)
}

// Store manages the PostgreSQL connection pool.
type Store struct {
	db   DB
	pool *pgxpool.Pool
}

// Session is one run of the live pipeline.
type Session struct {
	ID        uuid.UUID
	Source    string
	Model     string
	StartedAt time.Time
	EndedAt   *time.Time
	Readings  int
}

// Reading is one fresh classification.
type Reading struct {
	SessionID  uuid.UUID
	Seq        uint64
	TakenAt    time.Time
	Label      string
	Confidence float64
	Region     types.Box
}

// ReadingFromSnapshot converts a fresh snapshot. ok is false for snapshots
// that carry no new classification.
func ReadingFromSnapshot(session uuid.UUID, s types.Snapshot) (r Reading, ok bool) {
	if !s.Fresh || s.Selected == nil {
		return Reading{}, false
	}
	return Reading{
		SessionID:  session,
		Seq:        s.Seq,
		TakenAt:    s.At,
		Label:      s.Emotion.Label,
		Confidence: s.Emotion.Confidence,
		Region:     *s.Selected,
	}, true
}

// New establishes a connection pool and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{db: pool, pool: pool}, nil
}

// NewWithDB wraps an existing connection. The schema is assumed to exist.
func NewWithDB(db DB) *Store {
	return &Store{db: db}
}

func initSchema(ctx context.Context, db DB) error {
	query := `
		CREATE TABLE IF NOT EXISTS sessions (
			id UUID PRIMARY KEY,
			source TEXT NOT NULL,
			model TEXT NOT NULL,
			started_at TIMESTAMPTZ DEFAULT NOW(),
			ended_at TIMESTAMPTZ
		);
		CREATE TABLE IF NOT EXISTS readings (
			id BIGSERIAL PRIMARY KEY,
			session_id UUID NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			seq BIGINT NOT NULL,
			taken_at TIMESTAMPTZ NOT NULL,
			label TEXT NOT NULL,
			confidence DOUBLE PRECISION NOT NULL,
			x INT NOT NULL,
			y INT NOT NULL,
			w INT NOT NULL,
			h INT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS readings_session_id_idx ON readings (session_id, seq);
	`
	_, err := db.Exec(ctx, query)
	return err
}

// Close terminates the pool, if the store owns one.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateSession registers a new run.
func (s *Store) CreateSession(ctx context.Context, id uuid.UUID, source, model string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO sessions (id, source, model, started_at)
		VALUES ($1, $2, $3, NOW())
	`, id, source, model)
	return err
}

// EndSession stamps the end time of a run.
func (s *Store) EndSession(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx, "UPDATE sessions SET ended_at = NOW() WHERE id = $1", id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", id, ErrSessionNotFound)
	}
	return nil
}

// InsertReading saves one classification.
func (s *Store) InsertReading(ctx context.Context, r Reading) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO readings (session_id, seq, taken_at, label, confidence, x, y, w, h)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, r.SessionID, int64(r.Seq), r.TakenAt, r.Label, r.Confidence,
		r.Region.X, r.Region.Y, r.Region.Width, r.Region.Height)
	return err
}

// ListSessions returns every session, newest first, with its reading count.
func (s *Store) ListSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.Query(ctx, `
		SELECT s.id, s.source, s.model, s.started_at, s.ended_at, COUNT(r.id)
		FROM sessions s
		LEFT JOIN readings r ON r.session_id = s.id
		GROUP BY s.id
		ORDER BY s.started_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.Source, &sess.Model, &sess.StartedAt, &sess.EndedAt, &sess.Readings); err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// ListReadings returns up to limit readings of a session in order. A limit
// of zero or less returns all of them.
func (s *Store) ListReadings(ctx context.Context, session uuid.UUID, limit int) ([]Reading, error) {
	query := `
		SELECT seq, taken_at, label, confidence, x, y, w, h
		FROM readings
		WHERE session_id = $1
		ORDER BY seq ASC
	`
	args := []interface{}{session}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var readings []Reading
	for rows.Next() {
		r := Reading{SessionID: session}
		var seq int64
		if err := rows.Scan(&seq, &r.TakenAt, &r.Label, &r.Confidence,
			&r.Region.X, &r.Region.Y, &r.Region.Width, &r.Region.Height); err != nil {
			return nil, err
		}
		r.Seq = uint64(seq)
		readings = append(readings, r)
	}
	return readings, rows.Err()
}

// LatestSession returns the most recently started session.
func (s *Store) LatestSession(ctx context.Context) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.db.QueryRow(ctx, "SELECT id FROM sessions ORDER BY started_at DESC LIMIT 1").Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, ErrSessionNotFound
	}
	return id, err
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		DROP TABLE IF EXISTS readings CASCADE;
		DROP TABLE IF EXISTS sessions CASCADE;
	`)
	return err
}
