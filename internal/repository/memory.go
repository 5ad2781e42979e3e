package repository

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openclaw/multisession-server-go/internal/model"
)

type memorySessionRepo struct {
	mu       sync.RWMutex
	sessions map[string]model.Session
	now      func() time.Time
}

// NewMemorySessionRepository returns a process-local SessionRepository. Every
// method works on copies, so callers never share mutable state with the store.
func NewMemorySessionRepository() SessionRepository {
	return &memorySessionRepo{
		sessions: make(map[string]model.Session),
		now:      time.Now,
	}
}

func (r *memorySessionRepo) FindByID(_ context.Context, id string) (*model.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, nil
	}
	return cloneSession(s), nil
}

func (r *memorySessionRepo) List(_ context.Context, filter model.SessionFilter) ([]model.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]model.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if filter.Matches(s) {
			sessions = append(sessions, *cloneSession(s))
		}
	}
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].ID < sessions[j].ID
		}
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
	return sessions, nil
}

func (r *memorySessionRepo) Create(_ context.Context, params model.CreateSessionParams) (*model.Session, error) {
	now := r.now()
	cfg := maps.Clone(params.Config)
	if cfg == nil {
		cfg = model.Config{}
	}

	s := model.Session{
		ID:             uuid.NewString(),
		Name:           params.Name,
		Platform:       params.Platform,
		Handle:         copyString(params.Handle),
		Status:         model.SessionStatusDisconnected,
		LastActivityAt: now,
		Config:         cfg,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()

	return cloneSession(s), nil
}

func (r *memorySessionRepo) Update(_ context.Context, id string, params model.UpdateSessionParams) (*model.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, nil
	}
	if params.Name != nil {
		s.Name = *params.Name
	}
	if params.Handle != nil {
		s.Handle = copyString(params.Handle)
	}
	if params.Config != nil {
		s.Config = maps.Clone(params.Config)
	}
	s.UpdatedAt = r.now()
	r.sessions[id] = s
	return cloneSession(s), nil
}

func (r *memorySessionRepo) Delete(_ context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; !ok {
		return false, nil
	}
	delete(r.sessions, id)
	return true, nil
}

func (r *memorySessionRepo) Transition(_ context.Context, id string, from []model.SessionStatus, t model.Transition) (*model.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, nil
	}
	if !statusIn(s.Status, from) {
		return cloneSession(s), fmt.Errorf("%w: status is %s", ErrStatusMismatch, s.Status)
	}

	s.Status = t.To
	s.PairingChallenge = copyString(t.PairingChallenge)
	s.ErrorKind = nil
	if t.ErrorKind != nil {
		s.ErrorKind = model.ErrorKindPtr(*t.ErrorKind)
	}
	s.UpdatedAt = r.now()
	r.sessions[id] = s
	return cloneSession(s), nil
}

func (r *memorySessionRepo) RecordActivity(_ context.Context, id string, activity model.Activity) (*model.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, nil
	}
	if s.Status != model.SessionStatusConnected {
		return cloneSession(s), fmt.Errorf("%w: status is %s", ErrStatusMismatch, s.Status)
	}

	s.TotalMessages += activity.Messages
	if activity.ActiveChats != nil {
		s.ActiveChats = *activity.ActiveChats
	}
	s.LastActivityAt = activity.At
	s.UpdatedAt = activity.At
	r.sessions[id] = s
	return cloneSession(s), nil
}

func cloneSession(s model.Session) *model.Session {
	c := s
	c.Handle = copyString(s.Handle)
	c.PairingChallenge = copyString(s.PairingChallenge)
	if s.ErrorKind != nil {
		c.ErrorKind = model.ErrorKindPtr(*s.ErrorKind)
	}
	c.Config = maps.Clone(s.Config)
	return &c
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
