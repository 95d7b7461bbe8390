package sessions

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/classlive/backend/internal/models"
)

const sessionColumns = `id, class_id, host_id, room_id, title, status, capacity, participant_count, scheduled_at, started_at, ended_at, created_at, updated_at`

// Repository handles live_sessions persistence. It implements
// live.SessionRepository for the coordination core.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a live session repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create schedules a new session.
func (r *Repository) Create(ctx context.Context, s *models.LiveSession) error {
	const q = `INSERT INTO live_sessions (id, class_id, host_id, room_id, title, status, capacity, scheduled_at)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, 'scheduled', $5, $6)
		RETURNING id, status, participant_count, created_at, updated_at`
	return r.pool.QueryRow(ctx, q, s.ClassID, s.HostID, s.RoomID, s.Title, s.Capacity, s.ScheduledAt).
		Scan(&s.ID, &s.Status, &s.ParticipantCount, &s.CreatedAt, &s.UpdatedAt)
}

// Get returns a session by ID, or (nil, nil) if it does not exist.
func (r *Repository) Get(ctx context.Context, sessionID uuid.UUID) (*models.LiveSession, error) {
	const q = `SELECT ` + sessionColumns + ` FROM live_sessions WHERE id = $1`
	var s models.LiveSession
	err := r.pool.QueryRow(ctx, q, sessionID).Scan(
		&s.ID, &s.ClassID, &s.HostID, &s.RoomID, &s.Title, &s.Status, &s.Capacity,
		&s.ParticipantCount, &s.ScheduledAt, &s.StartedAt, &s.EndedAt, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

// SetStatus transitions a session's lifecycle state, stamping started_at
// or ended_at as appropriate.
func (r *Repository) SetStatus(ctx context.Context, sessionID uuid.UUID, status models.SessionStatus) error {
	const q = `UPDATE live_sessions SET status = $1,
		started_at = CASE WHEN $1 = 'live' THEN NOW() ELSE started_at END,
		ended_at = CASE WHEN $1 = 'ended' THEN NOW() ELSE ended_at END,
		updated_at = NOW()
		WHERE id = $2`
	_, err := r.pool.Exec(ctx, q, status, sessionID)
	return err
}

// IncrementParticipants adjusts the persisted participant count. The
// floor at zero guards a write-through racing a reset.
func (r *Repository) IncrementParticipants(ctx context.Context, sessionID uuid.UUID, delta int) error {
	const q = `UPDATE live_sessions SET participant_count = GREATEST(0, participant_count + $1), updated_at = NOW() WHERE id = $2`
	_, err := r.pool.Exec(ctx, q, delta, sessionID)
	return err
}

// ResetParticipants zeroes the persisted participant count on session end.
func (r *Repository) ResetParticipants(ctx context.Context, sessionID uuid.UUID) error {
	const q = `UPDATE live_sessions SET participant_count = 0, updated_at = NOW() WHERE id = $1`
	_, err := r.pool.Exec(ctx, q, sessionID)
	return err
}

// HasLiveSessionForClass reports whether a different session for the
// class is already live.
func (r *Repository) HasLiveSessionForClass(ctx context.Context, classID, exclude uuid.UUID) (bool, error) {
	const q = `SELECT EXISTS (SELECT 1 FROM live_sessions WHERE class_id = $1 AND status = 'live' AND id <> $2)`
	var exists bool
	err := r.pool.QueryRow(ctx, q, classID, exclude).Scan(&exists)
	return exists, err
}

// ListStaleLive returns live sessions started before the cutoff, for the
// stale-session reaper.
func (r *Repository) ListStaleLive(ctx context.Context, startedBefore time.Time) ([]models.LiveSession, error) {
	const q = `SELECT ` + sessionColumns + ` FROM live_sessions WHERE status = 'live' AND started_at < $1`
	rows, err := r.pool.Query(ctx, q, startedBefore)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.LiveSession
	for rows.Next() {
		var s models.LiveSession
		if err := rows.Scan(
			&s.ID, &s.ClassID, &s.HostID, &s.RoomID, &s.Title, &s.Status, &s.Capacity,
			&s.ParticipantCount, &s.ScheduledAt, &s.StartedAt, &s.EndedAt, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		list = append(list, s)
	}
	return list, rows.Err()
}

// ListByClass returns a class's sessions, newest first.
func (r *Repository) ListByClass(ctx context.Context, classID uuid.UUID) ([]models.LiveSession, error) {
	const q = `SELECT ` + sessionColumns + ` FROM live_sessions WHERE class_id = $1 ORDER BY scheduled_at DESC`
	rows, err := r.pool.Query(ctx, q, classID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.LiveSession
	for rows.Next() {
		var s models.LiveSession
		if err := rows.Scan(
			&s.ID, &s.ClassID, &s.HostID, &s.RoomID, &s.Title, &s.Status, &s.Capacity,
			&s.ParticipantCount, &s.ScheduledAt, &s.StartedAt, &s.EndedAt, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		list = append(list, s)
	}
	return list, rows.Err()
}
