package service

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/multisession-server-go/internal/connector"
	apperrors "github.com/openclaw/multisession-server-go/internal/errors"
	"github.com/openclaw/multisession-server-go/internal/model"
	"github.com/openclaw/multisession-server-go/internal/repository"
	"github.com/openclaw/multisession-server-go/internal/sse"
)

const (
	DefaultConnectorTimeout = 15 * time.Second

	credentialsConfigKey = "credentials"
)

var (
	startableFrom = []model.SessionStatus{model.SessionStatusDisconnected, model.SessionStatusError}
	stoppableFrom = []model.SessionStatus{
		model.SessionStatusPairing,
		model.SessionStatusConnected,
		model.SessionStatusError,
		model.SessionStatusStopped,
	}
	pairingOnly   = []model.SessionStatus{model.SessionStatusPairing}
	connectedOnly = []model.SessionStatus{model.SessionStatusConnected}
)

type StartResult struct {
	QRCode    string              `json:"qrcode,omitempty"`
	Status    model.SessionStatus `json:"status"`
	ExpiresAt *time.Time          `json:"expiresAt,omitempty"`
}

// sessionLocks serializes work on one session. gate admits a single command at
// a time. transition orders repository updates with their log entries.
type sessionLocks struct {
	gate       sync.Mutex
	transition sync.Mutex
}

// SessionController owns the connection state machine of every session.
// Commands (start, stop, restart, delete) are rejected with SESSION_BUSY while
// another command runs for the same session. Connector callbacks never wait on
// a command; they go through the repository compare-and-swap directly.
type SessionController struct {
	repo       repository.SessionRepository
	connectors *connector.Registry
	pairing    *PairingService
	logs       *LogCollector
	broker     *sse.Broker
	timeout    time.Duration

	locks sync.Map
	now   func() time.Time
}

var _ connector.EventSink = (*SessionController)(nil)
var _ PairingHandler = (*SessionController)(nil)

func NewSessionController(
	repo repository.SessionRepository,
	connectors *connector.Registry,
	pairing *PairingService,
	logs *LogCollector,
	broker *sse.Broker,
	timeout time.Duration,
) *SessionController {
	if timeout <= 0 {
		timeout = DefaultConnectorTimeout
	}
	c := &SessionController{
		repo:       repo,
		connectors: connectors,
		pairing:    pairing,
		logs:       logs,
		broker:     broker,
		timeout:    timeout,
		now:        time.Now,
	}
	pairing.setHandler(c)
	return c
}

func (c *SessionController) locksFor(id string) *sessionLocks {
	v, _ := c.locks.LoadOrStore(id, &sessionLocks{})
	return v.(*sessionLocks)
}

func (c *SessionController) acquire(id string) (func(), error) {
	l := c.locksFor(id)
	if !l.gate.TryLock() {
		return nil, apperrors.SessionBusy()
	}
	return l.gate.Unlock, nil
}

func (c *SessionController) load(ctx context.Context, id string) (*model.Session, error) {
	s, err := c.repo.FindByID(ctx, id)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if s == nil {
		return nil, apperrors.NotFound("session")
	}
	return s, nil
}

type logLine struct {
	direction model.Direction
	kind      string
	message   string
}

// transition applies a compare-and-swap status change, then records exactly one
// log entry and publishes the new state.
func (c *SessionController) transition(
	ctx context.Context,
	id, command string,
	from []model.SessionStatus,
	t model.Transition,
	line logLine,
) (*model.Session, error) {
	l := c.locksFor(id)
	l.transition.Lock()
	defer l.transition.Unlock()

	s, err := c.apply(ctx, id, command, from, t)
	if err != nil {
		return s, err
	}
	c.record(ctx, s, command, line)
	return s, nil
}

// apply runs the repository compare-and-swap. Callers hold the transition lock.
func (c *SessionController) apply(
	ctx context.Context,
	id, command string,
	from []model.SessionStatus,
	t model.Transition,
) (*model.Session, error) {
	s, err := c.repo.Transition(ctx, id, from, t)
	if errors.Is(err, repository.ErrStatusMismatch) {
		if s == nil {
			return nil, apperrors.NotFound("session")
		}
		return s, apperrors.InvalidTransition(command, string(s.Status))
	}
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if s == nil {
		return nil, apperrors.NotFound("session")
	}
	return s, nil
}

func (c *SessionController) record(ctx context.Context, s *model.Session, command string, line logLine) {
	c.logs.Append(model.LogEntry{
		SessionID: s.ID,
		Timestamp: c.now(),
		Direction: line.direction,
		Type:      line.kind,
		Message:   line.message,
	})

	log.Info().
		Str("sessionId", s.ID).
		Str("command", command).
		Str("status", string(s.Status)).
		Msg("session transitioned")

	c.publish(ctx, sse.EventSessionStatus, s)
}

func (c *SessionController) publish(ctx context.Context, eventType string, s *model.Session) {
	if c.broker == nil {
		return
	}
	if err := c.broker.Publish(ctx, eventType, s.ID, s); err != nil {
		log.Warn().Err(err).Str("sessionId", s.ID).Str("eventType", eventType).Msg("failed to publish session event")
	}
}

func (c *SessionController) connectorCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout)
}

func connectorError(operation string, err error) *apperrors.AppError {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, connector.ErrUnreachable) {
		return apperrors.ConnectorUnreachable(err)
	}
	return apperrors.ConnectorRejected(operation, err)
}

// Start begins pairing from disconnected or error. It returns the QR payload
// to scan, or a connected status when the connector resumed stored credentials.
func (c *SessionController) Start(ctx context.Context, id string) (*StartResult, error) {
	release, err := c.acquire(id)
	if err != nil {
		return nil, err
	}
	defer release()

	return c.start(ctx, id)
}

func (c *SessionController) start(ctx context.Context, id string) (*StartResult, error) {
	s, err := c.load(ctx, id)
	if err != nil {
		return nil, err
	}
	switch s.Status {
	case model.SessionStatusPairing:
		return nil, apperrors.AlreadyPairing()
	case model.SessionStatusConnected, model.SessionStatusStopped:
		return nil, apperrors.InvalidTransition("start", string(s.Status))
	}

	challenge, err := c.pairing.IssueChallenge(ctx, id)
	if err != nil {
		return nil, apperrors.Internal("failed to issue pairing challenge").WithCause(err)
	}

	s, err = c.transition(ctx, id, "start", startableFrom, model.Transition{
		To:               model.SessionStatusPairing,
		PairingChallenge: &challenge.QRCode,
	}, logLine{model.DirectionSent, model.LogTypePairingStarted, "pairing challenge issued"})
	if err != nil {
		c.pairing.Discard(id)
		return nil, err
	}

	pctx, cancel := c.connectorCtx(ctx)
	result, err := c.connectors.For(s.Platform).Pair(pctx, connector.PairRequest{
		Session: *s,
		Token:   challenge.Token,
		QRCode:  challenge.QRCode,
	})
	cancel()
	if err != nil {
		c.pairing.Discard(id)
		if _, terr := c.transition(ctx, id, "start", pairingOnly, model.Transition{
			To: model.SessionStatusDisconnected,
		}, logLine{model.DirectionReceived, model.LogTypePairingFailed, err.Error()}); terr != nil {
			log.Warn().Err(terr).Str("sessionId", id).Msg("failed to revert pairing")
		}
		return nil, connectorError("pair", err)
	}

	if result.Resumed {
		c.pairing.Discard(id)
		s, err = c.transition(ctx, id, "start", pairingOnly, model.Transition{
			To: model.SessionStatusConnected,
		}, logLine{model.DirectionReceived, model.LogTypeResumed, "stored credentials accepted"})
		if err != nil {
			return nil, err
		}
		if err := c.startConnector(ctx, s); err != nil {
			return nil, err
		}
		return &StartResult{Status: model.SessionStatusConnected}, nil
	}

	qrcode := challenge.QRCode
	if result.QRCode != "" && result.QRCode != qrcode {
		if updated := c.replaceQRCode(ctx, id, challenge.Token, result.QRCode); updated {
			qrcode = result.QRCode
		}
	}

	current, err := c.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status != model.SessionStatusPairing {
		return &StartResult{Status: current.Status}, nil
	}
	return &StartResult{
		QRCode:    qrcode,
		Status:    model.SessionStatusPairing,
		ExpiresAt: &challenge.ExpiresAt,
	}, nil
}

// replaceQRCode swaps in a connector-supplied payload while the session is
// still pairing on the same challenge.
func (c *SessionController) replaceQRCode(ctx context.Context, id, token, qrcode string) bool {
	l := c.locksFor(id)
	l.transition.Lock()
	defer l.transition.Unlock()

	if !c.pairing.SetQRCode(id, token, qrcode) {
		return false
	}
	s, err := c.repo.Transition(ctx, id, pairingOnly, model.Transition{
		To:               model.SessionStatusPairing,
		PairingChallenge: &qrcode,
	})
	if err != nil {
		log.Debug().Err(err).Str("sessionId", id).Msg("pairing payload not replaced")
		return false
	}
	c.publish(ctx, sse.EventSessionUpdated, s)
	return true
}

func (c *SessionController) startConnector(ctx context.Context, s *model.Session) error {
	sctx, cancel := c.connectorCtx(ctx)
	defer cancel()

	conn := c.connectors.For(s.Platform)
	err := conn.Start(sctx, *s, c)
	if err == nil {
		c.stopIfLeft(ctx, conn, s)
		return nil
	}

	cerr := connectorError("start", err)
	kind := model.ErrorKindConnectorRejected
	if cerr.Code == apperrors.ErrCodeConnectorUnreachable {
		kind = model.ErrorKindConnectorUnreachable
	}
	if _, terr := c.transition(ctx, s.ID, "start connector", connectedOnly, model.Transition{
		To:        model.SessionStatusError,
		ErrorKind: &kind,
	}, logLine{model.DirectionReceived, model.LogTypeConnectorError, err.Error()}); terr != nil {
		log.Warn().Err(terr).Str("sessionId", s.ID).Msg("failed to record connector start failure")
	}
	return cerr
}

// stopIfLeft stops a connector that finished starting after its session was
// stopped, deleted or failed. A stop that won the race has already called
// Connector.Stop, possibly before Start ran.
func (c *SessionController) stopIfLeft(ctx context.Context, conn connector.Connector, s *model.Session) {
	l := c.locksFor(s.ID)
	l.transition.Lock()
	current, err := c.repo.FindByID(ctx, s.ID)
	l.transition.Unlock()
	if err != nil {
		log.Warn().Err(err).Str("sessionId", s.ID).Msg("failed to recheck session after connector start")
		return
	}
	if current != nil && current.Status == model.SessionStatusConnected {
		return
	}

	sctx, cancel := c.connectorCtx(ctx)
	defer cancel()
	if err := conn.Stop(sctx, *s); err != nil {
		log.Warn().Err(err).Str("sessionId", s.ID).Msg("failed to stop connector left running")
		return
	}
	log.Info().Str("sessionId", s.ID).Msg("stopped connector that started after the session left connected")
}

// Stop tears the session down. The connector call is best-effort; the session
// always ends up disconnected.
func (c *SessionController) Stop(ctx context.Context, id string) (*model.Session, error) {
	release, err := c.acquire(id)
	if err != nil {
		return nil, err
	}
	defer release()

	return c.stop(ctx, id)
}

func (c *SessionController) stop(ctx context.Context, id string) (*model.Session, error) {
	s, err := c.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Status == model.SessionStatusDisconnected {
		return nil, apperrors.InvalidTransition("stop", string(s.Status))
	}

	// Token, then state, then connector. A connector start still in flight
	// observes disconnected in stopIfLeft and stops itself.
	c.pairing.Discard(id)

	l := c.locksFor(id)
	l.transition.Lock()
	stopped, err := c.apply(ctx, id, "stop", stoppableFrom, model.Transition{
		To: model.SessionStatusDisconnected,
	})
	l.transition.Unlock()
	if err != nil {
		return stopped, err
	}

	message := "session stopped"
	if err := c.stopConnector(ctx, stopped); err != nil {
		message = fmt.Sprintf("session stopped (connector: %v)", err)
	}

	// Nothing leaves disconnected without the command gate, which this call
	// holds, so the entry still follows the transition directly.
	l.transition.Lock()
	c.record(ctx, stopped, "stop", logLine{model.DirectionSent, model.LogTypeStopped, message})
	l.transition.Unlock()
	return stopped, nil
}

func (c *SessionController) stopConnector(ctx context.Context, s *model.Session) error {
	sctx, cancel := c.connectorCtx(ctx)
	defer cancel()

	err := c.connectors.For(s.Platform).Stop(sctx, *s)
	if err != nil {
		log.Warn().Err(err).Str("sessionId", s.ID).Msg("connector stop failed, continuing")
	}
	return err
}

// Restart stops and starts the session under a single command hold, so other
// commands observe only disconnected and then pairing.
func (c *SessionController) Restart(ctx context.Context, id string) (*StartResult, error) {
	release, err := c.acquire(id)
	if err != nil {
		return nil, err
	}
	defer release()

	s, err := c.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Status != model.SessionStatusDisconnected {
		if _, err := c.stop(ctx, id); err != nil {
			return nil, err
		}
	}
	return c.start(ctx, id)
}

// Delete removes the session after a best-effort connector stop.
func (c *SessionController) Delete(ctx context.Context, id string) error {
	release, err := c.acquire(id)
	if err != nil {
		return err
	}
	defer release()

	s, err := c.load(ctx, id)
	if err != nil {
		return err
	}
	c.pairing.Discard(id)

	l := c.locksFor(id)
	l.transition.Lock()
	deleted, err := c.repo.Delete(ctx, id)
	l.transition.Unlock()
	if err != nil {
		return apperrors.Database(err)
	}
	if !deleted {
		return apperrors.NotFound("session")
	}

	if s.Status != model.SessionStatusDisconnected {
		c.stopConnector(ctx, s)
	}

	c.logs.Drop(id)
	c.locks.Delete(id)
	c.publish(ctx, sse.EventSessionDeleted, s)

	log.Info().Str("sessionId", id).Msg("session deleted")
	return nil
}

// OnPairingSucceeded moves a pairing session to connected and starts message
// processing. Credentials from the scan are stored in the session config so
// the connector can resume later without a new scan.
func (c *SessionController) OnPairingSucceeded(ctx context.Context, id string, credentials map[string]any) error {
	if len(credentials) > 0 {
		if err := c.storeCredentials(ctx, id, credentials); err != nil {
			return err
		}
	}

	s, err := c.transition(ctx, id, "complete pairing", pairingOnly, model.Transition{
		To: model.SessionStatusConnected,
	}, logLine{model.DirectionReceived, model.LogTypePairingSucceeded, "pairing succeeded"})
	if err != nil {
		return err
	}
	return c.startConnector(ctx, s)
}

func (c *SessionController) storeCredentials(ctx context.Context, id string, credentials map[string]any) error {
	s, err := c.load(ctx, id)
	if err != nil {
		return err
	}
	cfg := maps.Clone(s.Config)
	if cfg == nil {
		cfg = model.Config{}
	}
	cfg[credentialsConfigKey] = credentials

	if _, err := c.repo.Update(ctx, id, model.UpdateSessionParams{Config: cfg}); err != nil {
		return apperrors.Database(err)
	}
	return nil
}

// OnConnectorError records a connector failure on a connected session.
func (c *SessionController) OnConnectorError(ctx context.Context, id string, kind model.ErrorKind) error {
	_, err := c.transition(ctx, id, "report connector error", connectedOnly, model.Transition{
		To:        model.SessionStatusError,
		ErrorKind: &kind,
	}, logLine{model.DirectionReceived, model.LogTypeConnectorError, string(kind)})
	return err
}

// ConnectorStopped records that the platform ended a connected session cleanly.
func (c *SessionController) ConnectorStopped(ctx context.Context, id string) error {
	_, err := c.transition(ctx, id, "report connector stop", connectedOnly, model.Transition{
		To: model.SessionStatusStopped,
	}, logLine{model.DirectionReceived, model.LogTypeConnectorStopped, "connector ended the session"})
	return err
}

// CancelPairing returns a pairing session to disconnected after its challenge
// expired. A session that was already given a newer challenge is left alone.
func (c *SessionController) CancelPairing(ctx context.Context, id string) error {
	if c.pairing.Active(id) != nil {
		return nil
	}
	_, err := c.transition(ctx, id, "expire pairing", pairingOnly, model.Transition{
		To: model.SessionStatusDisconnected,
	}, logLine{model.DirectionReceived, model.LogTypePairingExpired, "pairing challenge expired"})
	return err
}

// Reconcile repairs sessions whose live state belongs to a previous process.
// Pairing challenges and connector connections exist only in memory, so a
// pairing session without a challenge here goes back to disconnected and a
// connected session has its connector started again. Sessions busy with a
// command are skipped. It returns the number of sessions touched.
func (c *SessionController) Reconcile(ctx context.Context) (int, error) {
	sessions, err := c.repo.List(ctx, model.SessionFilter{})
	if err != nil {
		return 0, apperrors.Database(err)
	}

	touched := 0
	for i := range sessions {
		s := &sessions[i]
		if s.Status != model.SessionStatusPairing && s.Status != model.SessionStatusConnected {
			continue
		}
		release, err := c.acquire(s.ID)
		if err != nil {
			continue
		}
		if c.reconcile(ctx, s) {
			touched++
		}
		release()
	}

	log.Info().Int("sessions", touched).Msg("sessions reconciled")
	return touched, nil
}

func (c *SessionController) reconcile(ctx context.Context, s *model.Session) bool {
	switch s.Status {
	case model.SessionStatusPairing:
		if c.pairing.Active(s.ID) != nil {
			return false
		}
		_, err := c.transition(ctx, s.ID, "reconcile", pairingOnly, model.Transition{
			To: model.SessionStatusDisconnected,
		}, logLine{model.DirectionReceived, model.LogTypePairingExpired, "pairing challenge lost on restart"})
		if err != nil {
			log.Warn().Err(err).Str("sessionId", s.ID).Msg("failed to reset orphaned pairing session")
			return false
		}
		return true

	case model.SessionStatusConnected:
		if err := c.startConnector(ctx, s); err != nil {
			log.Warn().Err(err).Str("sessionId", s.ID).Msg("connector did not resume after restart")
		}
		return true
	}
	return false
}

// RecordEvent stores connector-observed traffic for a connected session.
func (c *SessionController) RecordEvent(ctx context.Context, id string, event connector.Event) error {
	if _, err := model.ParseDirection(string(event.Direction)); err != nil {
		return apperrors.InvalidInput("direction", err.Error())
	}
	if event.ActiveChats != nil && *event.ActiveChats < 0 {
		return apperrors.InvalidInput("activeChats", "must not be negative")
	}
	kind := event.Type
	if kind == "" {
		kind = model.LogTypeMessage
	}

	var messages int64
	if kind == model.LogTypeMessage {
		messages = 1
	}

	l := c.locksFor(id)
	l.transition.Lock()
	defer l.transition.Unlock()

	now := c.now()
	s, err := c.repo.RecordActivity(ctx, id, model.Activity{
		Messages:    messages,
		ActiveChats: event.ActiveChats,
		At:          now,
	})
	if errors.Is(err, repository.ErrStatusMismatch) {
		if s == nil {
			return apperrors.NotFound("session")
		}
		return apperrors.InvalidTransition("record event", string(s.Status))
	}
	if err != nil {
		return apperrors.Database(err)
	}
	if s == nil {
		return apperrors.NotFound("session")
	}

	c.logs.Append(model.LogEntry{
		SessionID: id,
		Timestamp: now,
		Direction: event.Direction,
		Type:      kind,
		Message:   event.Message,
	})
	return nil
}
