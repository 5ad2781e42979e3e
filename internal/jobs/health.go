package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/multisession-server-go/internal/connector"
	apperrors "github.com/openclaw/multisession-server-go/internal/errors"
	"github.com/openclaw/multisession-server-go/internal/model"
	"github.com/openclaw/multisession-server-go/internal/repository"
)

const (
	DefaultHealthInterval  = 30 * time.Second
	DefaultHealthThreshold = 3
	DefaultProbeTimeout    = 10 * time.Second
)

// ErrorReporter receives the terminal outcome of repeated probe failures.
type ErrorReporter interface {
	OnConnectorError(ctx context.Context, sessionID string, kind model.ErrorKind) error
}

// HealthMonitor probes every connected session on a fixed interval. A session
// is reported unreachable only after threshold consecutive failures; any
// success resets its counter.
type HealthMonitor struct {
	repo         repository.SessionRepository
	connectors   *connector.Registry
	reporter     ErrorReporter
	interval     time.Duration
	threshold    int
	probeTimeout time.Duration

	mu       sync.Mutex
	failures map[string]int
	inFlight map[string]bool

	ctx    context.Context
	cancel context.CancelFunc
	probes sync.WaitGroup
	done   chan struct{}
	exited chan struct{}
}

func NewHealthMonitor(
	repo repository.SessionRepository,
	connectors *connector.Registry,
	reporter ErrorReporter,
	interval time.Duration,
	threshold int,
	probeTimeout time.Duration,
) *HealthMonitor {
	if interval <= 0 {
		interval = DefaultHealthInterval
	}
	if threshold <= 0 {
		threshold = DefaultHealthThreshold
	}
	if probeTimeout <= 0 {
		probeTimeout = DefaultProbeTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &HealthMonitor{
		repo:         repo,
		connectors:   connectors,
		reporter:     reporter,
		interval:     interval,
		threshold:    threshold,
		probeTimeout: probeTimeout,
		failures:     make(map[string]int),
		inFlight:     make(map[string]bool),
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
		exited:       make(chan struct{}),
	}
}

func (m *HealthMonitor) Start() {
	go m.run()
	log.Info().
		Dur("interval", m.interval).
		Int("threshold", m.threshold).
		Msg("health monitor started")
}

func (m *HealthMonitor) Stop() {
	close(m.done)
	<-m.exited
	m.cancel()
	m.probes.Wait()
	log.Info().Msg("health monitor stopped")
}

func (m *HealthMonitor) run() {
	defer close(m.exited)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.launch(m.ctx)
		}
	}
}

// RunOnce probes every connected session and waits for the results.
func (m *HealthMonitor) RunOnce(ctx context.Context) {
	m.launch(ctx).Wait()
}

// Failures returns the current consecutive-failure count for a session.
func (m *HealthMonitor) Failures(sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures[sessionID]
}

func (m *HealthMonitor) launch(ctx context.Context) *sync.WaitGroup {
	var tick sync.WaitGroup

	connected := model.SessionStatusConnected
	listCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	sessions, err := m.repo.List(listCtx, model.SessionFilter{Status: &connected})
	cancel()
	if err != nil {
		log.Error().Err(err).Msg("health monitor: failed to list connected sessions")
		return &tick
	}

	live := make(map[string]bool, len(sessions))
	for _, s := range sessions {
		live[s.ID] = true
	}

	m.mu.Lock()
	for id := range m.failures {
		if !live[id] {
			delete(m.failures, id)
		}
	}
	var toProbe []model.Session
	for _, s := range sessions {
		if m.inFlight[s.ID] {
			continue
		}
		m.inFlight[s.ID] = true
		toProbe = append(toProbe, s)
	}
	m.mu.Unlock()

	for _, s := range toProbe {
		tick.Add(1)
		m.probes.Add(1)
		go func(s model.Session) {
			defer m.probes.Done()
			defer tick.Done()
			m.probe(ctx, s)
		}(s)
	}
	return &tick
}

func (m *HealthMonitor) probe(ctx context.Context, s model.Session) {
	pctx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	err := m.connectors.For(s.Platform).SendProbe(pctx, s)
	cancel()

	m.mu.Lock()
	delete(m.inFlight, s.ID)
	if err == nil {
		delete(m.failures, s.ID)
		m.mu.Unlock()
		return
	}
	m.failures[s.ID]++
	count := m.failures[s.ID]
	tripped := count >= m.threshold
	if tripped {
		delete(m.failures, s.ID)
	}
	m.mu.Unlock()

	log.Debug().
		Err(err).
		Str("sessionId", s.ID).
		Int("consecutiveFailures", count).
		Msg("health probe failed")

	if !tripped {
		return
	}

	if err := m.reporter.OnConnectorError(ctx, s.ID, model.ErrorKindConnectorUnreachable); err != nil {
		if apperrors.HasCode(err, apperrors.ErrCodeInvalidTransition) || apperrors.HasCode(err, apperrors.ErrCodeNotFound) {
			log.Debug().Str("sessionId", s.ID).Msg("session left connected before health transition")
			return
		}
		log.Error().Err(err).Str("sessionId", s.ID).Msg("failed to report unreachable connector")
		return
	}
	log.Warn().
		Str("sessionId", s.ID).
		Int("threshold", m.threshold).
		Msg("connector unreachable, session moved to error")
}
