package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/openclaw/multisession-server-go/internal/errors"
	"github.com/openclaw/multisession-server-go/internal/model"
	"github.com/openclaw/multisession-server-go/internal/util"
)

const (
	DefaultPairingTTL = 60 * time.Second

	qrPayloadPrefix = "openclaw-pair"

	// expired tokens are remembered this many TTLs so late scans report expiry
	expiredTokenRetention = 10
)

// PairingHandler receives the outcome of a pairing challenge.
type PairingHandler interface {
	OnPairingSucceeded(ctx context.Context, sessionID string, credentials map[string]any) error
	CancelPairing(ctx context.Context, sessionID string) error
}

// PairingService issues QR challenges and correlates scan results back to a
// session. At most one challenge per session is live; issuing a new one
// supersedes the previous token.
type PairingService struct {
	mu        sync.Mutex
	byToken   map[string]*model.PairingChallenge
	bySession map[string]string
	// expired maps an expired token to the time it was swept
	expired map[string]time.Time

	ttl     time.Duration
	now     func() time.Time
	handler PairingHandler
}

func NewPairingService(ttl time.Duration) *PairingService {
	if ttl <= 0 {
		ttl = DefaultPairingTTL
	}
	return &PairingService{
		byToken:   make(map[string]*model.PairingChallenge),
		bySession: make(map[string]string),
		expired:   make(map[string]time.Time),
		ttl:       ttl,
		now:       time.Now,
	}
}

func (s *PairingService) setHandler(h PairingHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

func (s *PairingService) IssueChallenge(_ context.Context, sessionID string) (*model.PairingChallenge, error) {
	token, err := util.GenerateToken()
	if err != nil {
		return nil, fmt.Errorf("generate pairing token: %w", err)
	}

	now := s.now()
	challenge := &model.PairingChallenge{
		SessionID: sessionID,
		Token:     token,
		QRCode:    fmt.Sprintf("%s:%s:%s", qrPayloadPrefix, sessionID, token),
		IssuedAt:  now,
		ExpiresAt: now.Add(s.ttl),
	}

	s.mu.Lock()
	if prev, ok := s.bySession[sessionID]; ok {
		delete(s.byToken, prev)
	}
	s.byToken[token] = challenge
	s.bySession[sessionID] = token
	s.mu.Unlock()

	log.Info().
		Str("sessionId", sessionID).
		Str("token", util.MaskCode(token)).
		Time("expiresAt", challenge.ExpiresAt).
		Msg("pairing challenge issued")

	c := *challenge
	return &c, nil
}

// SetQRCode replaces the payload of a live challenge with one supplied by the connector.
func (s *PairingService) SetQRCode(sessionID, token, qrcode string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.bySession[sessionID] != token {
		return false
	}
	s.byToken[token].QRCode = qrcode
	return true
}

// Active returns the session's live challenge, or nil when none exists or it has expired.
func (s *PairingService) Active(sessionID string) *model.PairingChallenge {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.bySession[sessionID]
	if !ok {
		return nil
	}
	challenge := s.byToken[token]
	if challenge.Expired(s.now()) {
		return nil
	}
	c := *challenge
	return &c
}

// Discard drops the session's challenge without recording it as expired.
func (s *PairingService) Discard(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if token, ok := s.bySession[sessionID]; ok {
		delete(s.byToken, token)
		delete(s.bySession, sessionID)
	}
}

// Resolve accepts a scan result. When sessionID is not empty the token must
// belong to that session.
func (s *PairingService) Resolve(ctx context.Context, sessionID, token string, credentials map[string]any) (string, error) {
	if token == "" {
		return "", apperrors.MissingRequired("token")
	}

	s.mu.Lock()
	challenge, ok := s.byToken[token]
	if !ok {
		_, wasExpired := s.expired[token]
		s.mu.Unlock()
		if wasExpired {
			return "", apperrors.ChallengeExpired()
		}
		return "", apperrors.InvalidPairingToken()
	}
	if sessionID != "" && challenge.SessionID != sessionID {
		s.mu.Unlock()
		return "", apperrors.InvalidPairingToken()
	}

	owner := challenge.SessionID
	delete(s.byToken, token)
	delete(s.bySession, owner)

	if challenge.Expired(s.now()) {
		s.expired[token] = s.now()
		s.mu.Unlock()
		log.Info().Str("sessionId", owner).Msg("late pairing result rejected")
		return "", apperrors.ChallengeExpired()
	}
	handler := s.handler
	s.mu.Unlock()

	if handler == nil {
		return "", apperrors.Internal("pairing handler not configured")
	}
	return owner, handler.OnPairingSucceeded(ctx, owner, credentials)
}

// Expire sweeps challenges past their expiry and cancels pairing for their
// sessions. It returns the number of challenges expired.
func (s *PairingService) Expire(ctx context.Context) int {
	now := s.now()

	s.mu.Lock()
	var sessions []string
	for token, challenge := range s.byToken {
		if !challenge.Expired(now) {
			continue
		}
		delete(s.byToken, token)
		delete(s.bySession, challenge.SessionID)
		s.expired[token] = now
		sessions = append(sessions, challenge.SessionID)
	}
	for token, at := range s.expired {
		if now.Sub(at) > expiredTokenRetention*s.ttl {
			delete(s.expired, token)
		}
	}
	handler := s.handler
	s.mu.Unlock()

	for _, id := range sessions {
		log.Info().Str("sessionId", id).Msg("pairing challenge expired")
		if handler == nil {
			continue
		}
		if err := handler.CancelPairing(ctx, id); err != nil {
			if apperrors.HasCode(err, apperrors.ErrCodeInvalidTransition) || apperrors.HasCode(err, apperrors.ErrCodeNotFound) {
				log.Debug().Str("sessionId", id).Msg("session left pairing before expiry")
				continue
			}
			log.Error().Err(err).Str("sessionId", id).Msg("failed to cancel expired pairing")
		}
	}
	return len(sessions)
}
