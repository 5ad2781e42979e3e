// Package discord connects bot sessions to the Discord Gateway. Discord bots
// authenticate with a token rather than a scanned code: a session with a
// stored token resumes immediately, and one without it stays pairing until the
// operator submits {"botToken": "..."} through the pairing endpoint.
package discord

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/multisession-server-go/internal/connector"
	"github.com/openclaw/multisession-server-go/internal/model"
)

const (
	TokenKey       = "botToken"
	credentialsKey = "credentials"

	sinkTimeout = 5 * time.Second
)

var ErrNoToken = errors.New("discord: no bot token configured")

// gateway abstracts the discordgo.Session methods used here so tests can
// substitute a fake.
type gateway interface {
	Open() error
	Close() error
	AddHandler(handler interface{}) func()
	Ready() bool
	HeartbeatLatency() time.Duration
	UserID() string
}

type realGateway struct {
	s *discordgo.Session
}

func (g *realGateway) Open() error                           { return g.s.Open() }
func (g *realGateway) Close() error                          { return g.s.Close() }
func (g *realGateway) AddHandler(handler interface{}) func() { return g.s.AddHandler(handler) }
func (g *realGateway) Ready() bool                           { return g.s.DataReady }
func (g *realGateway) HeartbeatLatency() time.Duration       { return g.s.HeartbeatLatency() }

func (g *realGateway) UserID() string {
	if g.s.State == nil || g.s.State.User == nil {
		return ""
	}
	return g.s.State.User.ID
}

func dialGateway(token string) (gateway, error) {
	dg, err := discordgo.New(normalizeToken(token))
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	dg.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent
	return &realGateway{s: dg}, nil
}

func normalizeToken(token string) string {
	token = strings.TrimSpace(token)
	if strings.HasPrefix(token, "Bot ") {
		return token
	}
	return "Bot " + token
}

// running is reserved in Connector.sessions before the gateway is dialed. open
// is guarded by Connector.mu and set once the gateway is connected.
type running struct {
	gw      gateway
	removes []func()
	open    bool
	chats   map[string]struct{}
	mu      sync.Mutex
}

func (r *running) activeChats(channelID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chats[channelID] = struct{}{}
	return len(r.chats)
}

// Connector runs one Gateway connection per connected session.
type Connector struct {
	dial func(token string) (gateway, error)

	mu       sync.Mutex
	sessions map[string]*running
}

var _ connector.Connector = (*Connector)(nil)

func New() *Connector {
	return &Connector{
		dial:     dialGateway,
		sessions: make(map[string]*running),
	}
}

// Token returns the bot token stored for a session, preferring credentials
// captured during pairing over static config.
func Token(cfg model.Config) string {
	if creds, ok := cfg[credentialsKey].(map[string]any); ok {
		if t, ok := creds[TokenKey].(string); ok && t != "" {
			return t
		}
	}
	return cfg.String(TokenKey)
}

// Pair resumes when a token is already stored. Otherwise the session waits for
// the operator to submit one.
func (c *Connector) Pair(_ context.Context, req connector.PairRequest) (connector.PairResult, error) {
	if Token(req.Session.Config) != "" {
		return connector.PairResult{Resumed: true}, nil
	}
	return connector.PairResult{}, nil
}

func (c *Connector) Start(ctx context.Context, session model.Session, sink connector.EventSink) error {
	token := Token(session.Config)
	if token == "" {
		return ErrNoToken
	}
	sessionID := session.ID

	r := &running{chats: make(map[string]struct{})}
	c.mu.Lock()
	if _, ok := c.sessions[sessionID]; ok {
		c.mu.Unlock()
		return nil
	}
	c.sessions[sessionID] = r
	c.mu.Unlock()

	gw, err := c.dial(token)
	if err != nil {
		c.release(sessionID, r)
		return err
	}
	r.gw = gw

	r.removes = append(r.removes,
		gw.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
			c.handleMessage(sessionID, r, sink, m)
		}),
		gw.AddHandler(func(_ *discordgo.Session, _ *discordgo.Disconnect) {
			log.Warn().Str("sessionId", sessionID).Msg("discord gateway disconnected, waiting for reconnect")
		}),
		gw.AddHandler(func(_ *discordgo.Session, _ *discordgo.Resumed) {
			log.Info().Str("sessionId", sessionID).Msg("discord gateway resumed")
		}),
	)

	if err := openWithContext(ctx, gw); err != nil {
		r.removeHandlers()
		c.release(sessionID, r)
		return err
	}

	c.mu.Lock()
	if c.sessions[sessionID] != r {
		// Stop ran while the gateway was opening.
		c.mu.Unlock()
		r.removeHandlers()
		gw.Close()
		log.Info().Str("sessionId", sessionID).Msg("discord gateway closed, session stopped while connecting")
		return nil
	}
	r.open = true
	c.mu.Unlock()

	log.Info().Str("sessionId", sessionID).Msg("discord gateway connected")
	return nil
}

// release frees a reserved slot if it still belongs to r.
func (c *Connector) release(sessionID string, r *running) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessions[sessionID] == r {
		delete(c.sessions, sessionID)
	}
}

func (r *running) removeHandlers() {
	for _, remove := range r.removes {
		remove()
	}
}

func openWithContext(ctx context.Context, gw gateway) error {
	done := make(chan error, 1)
	go func() { done <- gw.Open() }()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("discord: open gateway: %w", err)
		}
		return nil
	case <-ctx.Done():
		go func() {
			if err := <-done; err == nil {
				gw.Close()
			}
		}()
		return ctx.Err()
	}
}

func (c *Connector) handleMessage(sessionID string, r *running, sink connector.EventSink, m *discordgo.MessageCreate) {
	if m == nil || m.Message == nil || m.Author == nil {
		return
	}

	direction := model.DirectionReceived
	if m.Author.ID == r.gw.UserID() || m.Author.Bot {
		direction = model.DirectionSent
	}
	chats := r.activeChats(m.ChannelID)

	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()

	err := sink.RecordEvent(ctx, sessionID, connector.Event{
		Direction:   direction,
		Type:        model.LogTypeMessage,
		Message:     summarize(m.Content),
		ActiveChats: &chats,
	})
	if err != nil {
		log.Debug().Err(err).Str("sessionId", sessionID).Msg("discord message not recorded")
	}
}

func summarize(content string) string {
	const limit = 200
	content = strings.TrimSpace(content)
	if len(content) <= limit {
		return content
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(content[cut]) {
		cut--
	}
	return content[:cut] + "..."
}

func (c *Connector) Stop(_ context.Context, session model.Session) error {
	c.mu.Lock()
	r, ok := c.sessions[session.ID]
	delete(c.sessions, session.ID)
	open := ok && r.open
	c.mu.Unlock()

	// A gateway still connecting is closed by Start once it sees the slot gone.
	if !open {
		return nil
	}
	r.removeHandlers()
	if err := r.gw.Close(); err != nil {
		return fmt.Errorf("discord: close gateway: %w", err)
	}
	return nil
}

// SendProbe checks that the Gateway is ready and heartbeating.
func (c *Connector) SendProbe(_ context.Context, session model.Session) error {
	c.mu.Lock()
	r, ok := c.sessions[session.ID]
	open := ok && r.open
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: discord gateway not running for session", connector.ErrUnreachable)
	}
	if !open {
		return fmt.Errorf("%w: discord gateway still connecting", connector.ErrUnreachable)
	}
	if !r.gw.Ready() {
		return fmt.Errorf("%w: discord gateway not ready", connector.ErrUnreachable)
	}
	if r.gw.HeartbeatLatency() <= 0 {
		return fmt.Errorf("%w: no heartbeat acknowledged", connector.ErrUnreachable)
	}
	return nil
}
