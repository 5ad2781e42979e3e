// Package connector defines the per-platform capability the orchestrator drives.
// Implementations wrap a platform SDK or a bridge process; the orchestrator
// never speaks a platform protocol itself.
package connector

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/openclaw/multisession-server-go/internal/model"
)

var (
	// ErrNotSupported is returned by Unavailable for every operation.
	ErrNotSupported = errors.New("connector: platform not supported")
	// ErrUnreachable marks failures to reach the platform or bridge at all,
	// as opposed to the platform refusing the request.
	ErrUnreachable = errors.New("connector: unreachable")
)

// PairRequest carries the challenge the orchestrator issued for a pairing attempt.
type PairRequest struct {
	Session model.Session
	Token   string
	QRCode  string
}

// PairResult reports how the connector handled a pairing request.
type PairResult struct {
	// Resumed is set when stored credentials were accepted without a scan.
	Resumed bool
	// QRCode replaces the orchestrator's default payload when the platform
	// supplies its own pairing image data.
	QRCode string
}

// Event is chat traffic observed by a running connector.
type Event struct {
	Direction   model.Direction
	Type        string
	Message     string
	ActiveChats *int
}

// EventSink receives traffic and lifecycle notifications from a running connector.
type EventSink interface {
	RecordEvent(ctx context.Context, sessionID string, event Event) error
	// ConnectorStopped reports that the platform ended the connection cleanly.
	ConnectorStopped(ctx context.Context, sessionID string) error
}

type Connector interface {
	// Pair begins authentication for a session. It returns once the platform has
	// accepted the request; the scan result arrives later through the pairing API.
	Pair(ctx context.Context, req PairRequest) (PairResult, error)

	// Start begins message processing for a paired session.
	Start(ctx context.Context, session model.Session, sink EventSink) error

	// Stop tears the platform connection down.
	Stop(ctx context.Context, session model.Session) error

	// SendProbe issues a lightweight health check.
	SendProbe(ctx context.Context, session model.Session) error
}

// Registry dispatches sessions to the connector registered for their platform.
type Registry struct {
	mu         sync.RWMutex
	connectors map[model.Platform]Connector
}

func NewRegistry() *Registry {
	return &Registry{
		connectors: make(map[model.Platform]Connector),
	}
}

func (r *Registry) Register(platform model.Platform, c Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectors[platform] = c
}

// For returns the connector for platform, or Unavailable when none is registered.
func (r *Registry) For(platform model.Platform) Connector {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.connectors[platform]; ok {
		return c
	}
	return Unavailable{Platform: platform}
}

func (r *Registry) Platforms() []model.Platform {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.Platform, 0, len(r.connectors))
	for _, p := range model.Platforms {
		if _, ok := r.connectors[p]; ok {
			out = append(out, p)
		}
	}
	return out
}

// Unavailable stands in for platforms without a configured connector.
type Unavailable struct {
	Platform model.Platform
}

var _ Connector = Unavailable{}

func (u Unavailable) Pair(context.Context, PairRequest) (PairResult, error) {
	return PairResult{}, u.err()
}

func (u Unavailable) Start(context.Context, model.Session, EventSink) error {
	return u.err()
}

func (u Unavailable) Stop(context.Context, model.Session) error {
	return u.err()
}

func (u Unavailable) SendProbe(context.Context, model.Session) error {
	return u.err()
}

func (u Unavailable) err() error {
	return fmt.Errorf("%w: %s", ErrNotSupported, u.Platform)
}
