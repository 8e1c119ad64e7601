package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/andresmejia3/facemood/internal/types"
)

func TestReadingFromSnapshot(t *testing.T) {
	session := uuid.New()
	box := types.Box{X: 1, Y: 2, Width: 3, Height: 4}
	at := time.Unix(1700000000, 0)

	tests := []struct {
		name   string
		snap   types.Snapshot
		wantOK bool
	}{
		{"Fresh", types.Snapshot{Seq: 7, At: at, Fresh: true, Selected: &box, Emotion: types.EmotionState{Label: "happy", Confidence: 0.9}}, true},
		{"Stale", types.Snapshot{Seq: 8, Selected: &box}, false},
		{"Status only", types.Snapshot{Status: "loading ONNX model...", Fresh: true}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, ok := ReadingFromSnapshot(session, tt.snap)
			require.Equal(t, tt.wantOK, ok)
			if ok {
				assert.Equal(t, Reading{SessionID: session, Seq: 7, TakenAt: at, Label: "happy", Confidence: 0.9, Region: box}, r)
			}
		})
	}
}

func TestStore_CreateAndEndSession(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s := NewWithDB(mock)
	ctx := context.Background()
	id := uuid.New()

	mock.ExpectExec("INSERT INTO sessions").
		WithArgs(id, "camera:0", "emotion.onnx").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE sessions SET ended_at").
		WithArgs(id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE sessions SET ended_at").
		WithArgs(id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.NoError(t, s.CreateSession(ctx, id, "camera:0", "emotion.onnx"))
	require.NoError(t, s.EndSession(ctx, id))
	assert.ErrorIs(t, s.EndSession(ctx, id), ErrSessionNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_InsertReading(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s := NewWithDB(mock)
	r := Reading{
		SessionID:  uuid.New(),
		Seq:        42,
		TakenAt:    time.Now(),
		Label:      "surprise",
		Confidence: 0.75,
		Region:     types.Box{X: 10, Y: 20, Width: 30, Height: 40},
	}

	mock.ExpectExec("INSERT INTO readings").
		WithArgs(r.SessionID, int64(42), pgxmock.AnyArg(), "surprise", 0.75, 10, 20, 30, 40).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.InsertReading(context.Background(), r))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_ListReadings(t *testing.T) {
	tests := []struct {
		name  string
		limit int
		query string
	}{
		{"All", 0, "ORDER BY seq ASC"},
		{"Limited", 2, `ORDER BY seq ASC\s+LIMIT \$2`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock, err := pgxmock.NewPool()
			require.NoError(t, err)
			defer mock.Close()

			session := uuid.New()
			at := time.Unix(1700000000, 0)
			rows := pgxmock.NewRows([]string{"seq", "taken_at", "label", "confidence", "x", "y", "w", "h"}).
				AddRow(int64(1), at, "happy", 0.8, 1, 2, 3, 4).
				AddRow(int64(2), at, "sad", 0.6, 5, 6, 7, 8)

			exp := mock.ExpectQuery(tt.query)
			if tt.limit > 0 {
				exp = exp.WithArgs(session, tt.limit)
			} else {
				exp = exp.WithArgs(session)
			}
			exp.WillReturnRows(rows)

			got, err := NewWithDB(mock).ListReadings(context.Background(), session, tt.limit)
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, uint64(2), got[1].Seq)
			assert.Equal(t, "sad", got[1].Label)
			assert.Equal(t, types.Box{X: 5, Y: 6, Width: 7, Height: 8}, got[1].Region)
			assert.Equal(t, session, got[0].SessionID)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestStore_LatestSession(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s := NewWithDB(mock)
	id := uuid.New()

	mock.ExpectQuery("SELECT id FROM sessions").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(id))
	mock.ExpectQuery("SELECT id FROM sessions").
		WillReturnRows(pgxmock.NewRows([]string{"id"}))

	got, err := s.LatestSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, id, got)

	_, err = s.LatestSession(context.Background())
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestStore_ResetPropagatesErrors(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	boom := errors.New("permission denied")
	mock.ExpectExec("DROP TABLE IF EXISTS readings").WillReturnError(boom)

	assert.ErrorIs(t, NewWithDB(mock).Reset(context.Background()), boom)
}

// TestStoreIntegration runs a full integration test against a real Postgres container.
// It requires Docker to be running.
func TestStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	// We wrap this in a function to recover from panics inside testcontainers (e.g. socket not found)
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("testcontainers panicked: %v", r)
			}
		}()
		_, err = testcontainers.NewDockerClientWithOpts(ctx)
		return
	}()
	if err != nil {
		t.Skipf("Docker not available, skipping integration test: %v", err)
	}

	pgContainer, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:16-alpine"),
		postgres.WithDatabase("facemood_test"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Fatalf("Failed to start postgres container: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("Failed to terminate container: %v", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	// Initialize Store (runs migrations)
	s, err := New(ctx, connStr)
	if err != nil {
		t.Fatalf("Failed to connect to store: %v", err)
	}
	defer s.Close()

	session := uuid.New()
	if err := s.CreateSession(ctx, session, "camera:0", "emotion.onnx"); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	for i, label := range []string{"neutral", "happy", "happy"} {
		err := s.InsertReading(ctx, Reading{
			SessionID:  session,
			Seq:        uint64(i + 1),
			TakenAt:    time.Now(),
			Label:      label,
			Confidence: 0.5 + float64(i)/10,
			Region:     types.Box{X: i, Y: i, Width: 64, Height: 64},
		})
		if err != nil {
			t.Fatalf("InsertReading failed: %v", err)
		}
	}
	if err := s.EndSession(ctx, session); err != nil {
		t.Fatalf("EndSession failed: %v", err)
	}

	sessions, err := s.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != session {
		t.Fatalf("Expected the one session, got %+v", sessions)
	}
	if sessions[0].Readings != 3 {
		t.Errorf("Expected 3 readings, got %d", sessions[0].Readings)
	}
	if sessions[0].EndedAt == nil {
		t.Error("Expected ended_at to be set")
	}

	latest, err := s.LatestSession(ctx)
	if err != nil || latest != session {
		t.Errorf("LatestSession() = %v, %v; want %v", latest, err, session)
	}

	readings, err := s.ListReadings(ctx, session, 2)
	if err != nil {
		t.Fatalf("ListReadings failed: %v", err)
	}
	if len(readings) != 2 || readings[0].Label != "neutral" || readings[1].Seq != 2 {
		t.Errorf("Unexpected readings: %+v", readings)
	}

	if err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if _, err := s.ListSessions(ctx); err == nil {
		t.Error("Expected ListSessions to fail after Reset dropped the tables")
	}
}
