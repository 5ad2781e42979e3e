package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/openclaw/multisession-server-go/internal/model"
)

// ErrStatusMismatch is returned by Transition when the stored status is not one
// of the expected source statuses. The returned session carries the current state.
var ErrStatusMismatch = errors.New("session status mismatch")

// SessionRepository is the single source of truth for session existence and
// last-known state. Find* methods return (nil, nil) when the session does not exist.
type SessionRepository interface {
	FindByID(ctx context.Context, id string) (*model.Session, error)
	List(ctx context.Context, filter model.SessionFilter) ([]model.Session, error)
	Create(ctx context.Context, params model.CreateSessionParams) (*model.Session, error)
	Update(ctx context.Context, id string, params model.UpdateSessionParams) (*model.Session, error)
	Delete(ctx context.Context, id string) (bool, error)
	// Transition atomically moves a session to t.To if its status is one of from.
	Transition(ctx context.Context, id string, from []model.SessionStatus, t model.Transition) (*model.Session, error)
	// RecordActivity applies a traffic delta, only while the session is connected.
	RecordActivity(ctx context.Context, id string, activity model.Activity) (*model.Session, error)
}

type sessionRepo struct {
	db *sqlx.DB
}

func NewSessionRepository(db *sqlx.DB) SessionRepository {
	return &sessionRepo{db: db}
}

func (r *sessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	var session model.Session
	err := r.db.GetContext(ctx, &session, `
		SELECT * FROM bot_sessions WHERE id = $1
	`, id)
	return HandleNotFound(&session, err)
}

func (r *sessionRepo) List(ctx context.Context, filter model.SessionFilter) ([]model.Session, error) {
	var status, platform *string
	if filter.Status != nil {
		s := string(*filter.Status)
		status = &s
	}
	if filter.Platform != nil {
		p := string(*filter.Platform)
		platform = &p
	}

	sessions := []model.Session{}
	err := r.db.SelectContext(ctx, &sessions, `
		SELECT * FROM bot_sessions
		WHERE ($1::text IS NULL OR status = $1)
		AND ($2::text IS NULL OR platform = $2)
		ORDER BY created_at ASC, id ASC
	`, status, platform)
	return sessions, err
}

func (r *sessionRepo) Create(ctx context.Context, params model.CreateSessionParams) (*model.Session, error) {
	cfg := params.Config
	if cfg == nil {
		cfg = model.Config{}
	}

	var session model.Session
	err := r.db.GetContext(ctx, &session, `
		INSERT INTO bot_sessions (id, name, platform, handle, status, config)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING *
	`, uuid.NewString(), params.Name, params.Platform, params.Handle, model.SessionStatusDisconnected, cfg)
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (r *sessionRepo) Update(ctx context.Context, id string, params model.UpdateSessionParams) (*model.Session, error) {
	var cfg any
	if params.Config != nil {
		cfg = params.Config
	}

	var session model.Session
	err := r.db.GetContext(ctx, &session, `
		UPDATE bot_sessions SET
			name = COALESCE($2, name),
			handle = COALESCE($3, handle),
			config = COALESCE($4::jsonb, config),
			updated_at = $5
		WHERE id = $1
		RETURNING *
	`, id, params.Name, params.Handle, cfg, time.Now())
	return HandleNotFound(&session, err)
}

func (r *sessionRepo) Delete(ctx context.Context, id string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM bot_sessions WHERE id = $1
	`, id)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

func (r *sessionRepo) Transition(ctx context.Context, id string, from []model.SessionStatus, t model.Transition) (*model.Session, error) {
	statuses := make([]string, len(from))
	for i, s := range from {
		statuses[i] = string(s)
	}

	var session model.Session
	err := r.db.GetContext(ctx, &session, `
		UPDATE bot_sessions SET
			status = $2,
			pairing_challenge = $3,
			error_kind = $4,
			updated_at = $5
		WHERE id = $1 AND status = ANY($6)
		RETURNING *
	`, id, t.To, t.PairingChallenge, t.ErrorKind, time.Now(), pq.Array(statuses))
	if err == nil {
		return &session, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	current, err := r.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, nil
	}
	return current, fmt.Errorf("%w: status is %s", ErrStatusMismatch, current.Status)
}

func (r *sessionRepo) RecordActivity(ctx context.Context, id string, activity model.Activity) (*model.Session, error) {
	var session model.Session
	err := r.db.GetContext(ctx, &session, `
		UPDATE bot_sessions SET
			total_messages = total_messages + $2,
			active_chats = COALESCE($3, active_chats),
			last_activity_at = $4,
			updated_at = $4
		WHERE id = $1 AND status = 'connected'
		RETURNING *
	`, id, activity.Messages, activity.ActiveChats, activity.At)
	if err == nil {
		return &session, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	current, err := r.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, nil
	}
	return current, fmt.Errorf("%w: status is %s", ErrStatusMismatch, current.Status)
}
