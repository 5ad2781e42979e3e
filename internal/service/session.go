package service

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/openclaw/multisession-server-go/internal/errors"
	"github.com/openclaw/multisession-server-go/internal/model"
	"github.com/openclaw/multisession-server-go/internal/repository"
	"github.com/openclaw/multisession-server-go/internal/sse"
)

const maxSessionNameLength = 100

// SessionService manages the session catalog. Status changes go through the
// SessionController; this service only creates, edits, lists and deletes.
type SessionService struct {
	repo       repository.SessionRepository
	controller *SessionController
	logs       *LogCollector
	broker     *sse.Broker
}

func NewSessionService(
	repo repository.SessionRepository,
	controller *SessionController,
	logs *LogCollector,
	broker *sse.Broker,
) *SessionService {
	return &SessionService{
		repo:       repo,
		controller: controller,
		logs:       logs,
		broker:     broker,
	}
}

func validateName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", apperrors.MissingRequired("name")
	}
	if len(name) > maxSessionNameLength {
		return "", apperrors.InvalidInput("name", "must be at most 100 characters")
	}
	return name, nil
}

func (s *SessionService) Create(ctx context.Context, params model.CreateSessionParams) (*model.Session, error) {
	name, err := validateName(params.Name)
	if err != nil {
		return nil, err
	}
	if _, err := model.ParsePlatform(string(params.Platform)); err != nil {
		return nil, apperrors.InvalidInput("platform", err.Error())
	}
	params.Name = name

	session, err := s.repo.Create(ctx, params)
	if err != nil {
		return nil, apperrors.Database(err)
	}

	s.logs.Append(model.LogEntry{
		SessionID: session.ID,
		Timestamp: time.Now(),
		Direction: model.DirectionSent,
		Type:      model.LogTypeSessionCreated,
		Message:   "session created",
	})

	log.Info().
		Str("sessionId", session.ID).
		Str("platform", string(session.Platform)).
		Msg("session created")

	s.publish(ctx, sse.EventSessionCreated, session)
	return session, nil
}

func (s *SessionService) Get(ctx context.Context, id string) (*model.Session, error) {
	session, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if session == nil {
		return nil, apperrors.NotFound("session")
	}
	return session, nil
}

func (s *SessionService) List(ctx context.Context, filter model.SessionFilter) ([]model.Session, error) {
	sessions, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	return sessions, nil
}

func (s *SessionService) Update(ctx context.Context, id string, params model.UpdateSessionParams) (*model.Session, error) {
	if params.Name != nil {
		name, err := validateName(*params.Name)
		if err != nil {
			return nil, err
		}
		params.Name = &name
	}

	session, err := s.repo.Update(ctx, id, params)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if session == nil {
		return nil, apperrors.NotFound("session")
	}

	s.publish(ctx, sse.EventSessionUpdated, session)
	return session, nil
}

func (s *SessionService) Delete(ctx context.Context, id string) error {
	return s.controller.Delete(ctx, id)
}

func (s *SessionService) publish(ctx context.Context, eventType string, session *model.Session) {
	if s.broker == nil {
		return
	}
	if err := s.broker.Publish(ctx, eventType, session.ID, session); err != nil {
		log.Warn().Err(err).Str("sessionId", session.ID).Msg("failed to publish session event")
	}
}
