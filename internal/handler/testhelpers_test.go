package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/multisession-server-go/internal/connector"
	"github.com/openclaw/multisession-server-go/internal/model"
	"github.com/openclaw/multisession-server-go/internal/repository"
	"github.com/openclaw/multisession-server-go/internal/service"
	"github.com/openclaw/multisession-server-go/internal/sse"
)

type fakeConnector struct {
	mu      sync.Mutex
	pairErr error
	resumed bool
	pairs   int
}

func (f *fakeConnector) Pair(context.Context, connector.PairRequest) (connector.PairResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pairs++
	if f.pairErr != nil {
		return connector.PairResult{}, f.pairErr
	}
	return connector.PairResult{Resumed: f.resumed}, nil
}

func (f *fakeConnector) Start(context.Context, model.Session, connector.EventSink) error { return nil }
func (f *fakeConnector) Stop(context.Context, model.Session) error                      { return nil }
func (f *fakeConnector) SendProbe(context.Context, model.Session) error                 { return nil }

type testEnv struct {
	repo       repository.SessionRepository
	connector  *fakeConnector
	pairing    *service.PairingService
	logs       *service.LogCollector
	broker     *sse.Broker
	controller *service.SessionController
	sessions   *service.SessionService
	router     chi.Router
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	repo := repository.NewMemorySessionRepository()
	conn := &fakeConnector{}
	registry := connector.NewRegistry()
	registry.Register(model.PlatformWhatsApp, conn)
	registry.Register(model.PlatformTelegram, conn)

	pairing := service.NewPairingService(time.Minute)
	logs := service.NewLogCollector(100)
	broker := sse.NewBroker(nil)
	t.Cleanup(broker.Close)

	controller := service.NewSessionController(repo, registry, pairing, logs, broker, time.Second)
	sessions := service.NewSessionService(repo, controller, logs, broker)
	bulk := service.NewBulkActionCoordinator(controller, 4)
	analytics := service.NewAnalyticsAggregator(repo, logs, 24*time.Hour, time.Hour)

	r := chi.NewRouter()
	r.Mount("/bots", NewBotsHandler(controller, sessions, pairing, logs).Routes())
	r.Mount("/api/multisessions", NewMultiSessionHandler(sessions, bulk, NewEventsHandler(broker), NewWSHandler(broker)).Routes())
	r.Mount("/api/analytics", NewAnalyticsHandler(analytics).Routes())

	return &testEnv{
		repo:       repo,
		connector:  conn,
		pairing:    pairing,
		logs:       logs,
		broker:     broker,
		controller: controller,
		sessions:   sessions,
		router:     r,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) createSession(t *testing.T, name string, platform model.Platform) *model.Session {
	t.Helper()
	s, err := e.sessions.Create(context.Background(), model.CreateSessionParams{Name: name, Platform: platform})
	require.NoError(t, err)
	return s
}

// connect drives a session through start and a successful scan.
func (e *testEnv) connect(t *testing.T, id string) {
	t.Helper()
	ctx := context.Background()
	_, err := e.controller.Start(ctx, id)
	require.NoError(t, err)
	challenge := e.pairing.Active(id)
	require.NotNil(t, challenge)
	_, err = e.pairing.Resolve(ctx, id, challenge.Token, nil)
	require.NoError(t, err)
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func requireCode(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	require.Equal(t, status, rec.Code, rec.Body.String())
	require.Equal(t, code, decode[errorBody](t, rec).Code)
}

var _ http.Handler = (*EventsHandler)(nil)
