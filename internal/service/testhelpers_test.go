package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/multisession-server-go/internal/connector"
	"github.com/openclaw/multisession-server-go/internal/model"
	"github.com/openclaw/multisession-server-go/internal/repository"
	"github.com/openclaw/multisession-server-go/internal/sse"
)

type mockConnector struct {
	mock.Mock
}

func (m *mockConnector) Pair(ctx context.Context, req connector.PairRequest) (connector.PairResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(connector.PairResult), args.Error(1)
}

func (m *mockConnector) Start(ctx context.Context, session model.Session, sink connector.EventSink) error {
	args := m.Called(ctx, session, sink)
	return args.Error(0)
}

func (m *mockConnector) Stop(ctx context.Context, session model.Session) error {
	args := m.Called(ctx, session)
	return args.Error(0)
}

func (m *mockConnector) SendProbe(ctx context.Context, session model.Session) error {
	args := m.Called(ctx, session)
	return args.Error(0)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type controllerEnv struct {
	repo       repository.SessionRepository
	connector  *mockConnector
	pairing    *PairingService
	logs       *LogCollector
	broker     *sse.Broker
	controller *SessionController
	clock      *fakeClock
}

func newControllerEnv(t *testing.T) *controllerEnv {
	t.Helper()

	repo := repository.NewMemorySessionRepository()
	conn := &mockConnector{}
	registry := connector.NewRegistry()
	registry.Register(model.PlatformWhatsApp, conn)
	registry.Register(model.PlatformTelegram, conn)

	clock := newFakeClock()
	pairing := NewPairingService(time.Minute)
	pairing.now = clock.Now

	logs := NewLogCollector(100)
	broker := sse.NewBroker(nil)
	t.Cleanup(broker.Close)

	return &controllerEnv{
		repo:       repo,
		connector:  conn,
		pairing:    pairing,
		logs:       logs,
		broker:     broker,
		controller: NewSessionController(repo, registry, pairing, logs, broker, time.Second),
		clock:      clock,
	}
}

func (e *controllerEnv) createSession(t *testing.T, name string, platform model.Platform) *model.Session {
	t.Helper()
	s, err := e.repo.Create(context.Background(), model.CreateSessionParams{Name: name, Platform: platform})
	require.NoError(t, err)
	return s
}

func (e *controllerEnv) session(t *testing.T, id string) *model.Session {
	t.Helper()
	s, err := e.repo.FindByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, s)
	assertPairingInvariant(t, s)
	return s
}

// connect drives a session to connected through a normal scan.
func (e *controllerEnv) connect(t *testing.T, id string) {
	t.Helper()
	ctx := context.Background()
	_, err := e.controller.Start(ctx, id)
	require.NoError(t, err)
	challenge := e.pairing.Active(id)
	require.NotNil(t, challenge)
	_, err = e.pairing.Resolve(ctx, id, challenge.Token, nil)
	require.NoError(t, err)
	require.Equal(t, model.SessionStatusConnected, e.session(t, id).Status)
}

func (e *controllerEnv) expectPairing() {
	e.connector.On("Pair", mock.Anything, mock.Anything).Return(connector.PairResult{}, nil).Maybe()
	e.connector.On("Start", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	e.connector.On("Stop", mock.Anything, mock.Anything).Return(nil).Maybe()
}

func assertPairingInvariant(t *testing.T, s *model.Session) {
	t.Helper()
	if s.Status == model.SessionStatusPairing {
		assert.NotNil(t, s.PairingChallenge, "pairing session must carry a challenge")
	} else {
		assert.Nil(t, s.PairingChallenge, "non-pairing session must not carry a challenge")
	}
}

func logTypes(entries []model.LogEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Type
	}
	return out
}
