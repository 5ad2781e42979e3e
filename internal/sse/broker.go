package sse

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	redisclient "github.com/openclaw/multisession-server-go/internal/redis"
)

const (
	HeartbeatInterval = 30 * time.Second
	clientBufferSize  = 100
)

// Event types published by the orchestrator.
const (
	EventSessionStatus  = "session_status"
	EventSessionCreated = "session_created"
	EventSessionUpdated = "session_updated"
	EventSessionDeleted = "session_deleted"
	EventMetrics        = "metrics"
)

type Event struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	Data      json.RawMessage `json:"data"`
}

// Client receives events for a single session, or for every session when
// SessionID is empty.
type Client struct {
	SessionID string
	Events    chan Event
	Done      chan struct{}
}

func (c *Client) wants(event Event) bool {
	return c.SessionID == "" || event.SessionID == "" || c.SessionID == event.SessionID
}

// Broker fans session events out to dashboard subscribers. With a redis client
// events travel through pub/sub so every replica sees them; without one they
// are delivered to local subscribers only.
type Broker struct {
	redis   *redisclient.Client
	clients map[*Client]bool
	mu      sync.RWMutex
	ctx     context.Context
	cancel  context.CancelFunc
	once    sync.Once
}

func NewBroker(redisClient *redisclient.Client) *Broker {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Broker{
		redis:   redisClient,
		clients: make(map[*Client]bool),
		ctx:     ctx,
		cancel:  cancel,
	}
	if redisClient != nil {
		go b.subscribeToRedis()
	}
	return b
}

func (b *Broker) Subscribe(sessionID string) *Client {
	client := &Client{
		SessionID: sessionID,
		Events:    make(chan Event, clientBufferSize),
		Done:      make(chan struct{}),
	}

	b.mu.Lock()
	b.clients[client] = true
	clientCount := len(b.clients)
	b.mu.Unlock()

	log.Info().
		Str("sessionId", sessionID).
		Int("clientCount", clientCount).
		Msg("event client subscribed")

	return client
}

func (b *Broker) Unsubscribe(client *Client) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.clients[client]; ok {
		delete(b.clients, client)
		close(client.Done)

		log.Info().
			Str("sessionId", client.SessionID).
			Int("clientCount", len(b.clients)).
			Msg("event client unsubscribed")
	}
}

// Publish marshals data and sends it as an event of the given type.
func (b *Broker) Publish(ctx context.Context, eventType, sessionID string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return b.PublishEvent(ctx, Event{Type: eventType, SessionID: sessionID, Data: payload})
}

func (b *Broker) PublishEvent(ctx context.Context, event Event) error {
	if b.redis == nil {
		b.broadcast(event)
		return nil
	}

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return b.redis.Publish(ctx, redisclient.SessionEventsChannel(), data).Err()
}

func (b *Broker) subscribeToRedis() {
	channel := redisclient.SessionEventsChannel()
	pubsub := b.redis.Subscribe(b.ctx, channel)
	defer pubsub.Close()

	log.Debug().Str("channel", channel).Msg("redis pubsub subscribed")

	ch := pubsub.Channel()

	for {
		select {
		case <-b.ctx.Done():
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}

			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				log.Error().Err(err).Msg("failed to unmarshal event")
				continue
			}

			b.broadcast(event)
		}
	}
}

func (b *Broker) broadcast(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for client := range b.clients {
		if !client.wants(event) {
			continue
		}
		select {
		case client.Events <- event:
		default:
			log.Warn().
				Str("sessionId", client.SessionID).
				Str("eventType", event.Type).
				Msg("client event buffer full, dropping event")
		}
	}
}

func (b *Broker) Close() {
	b.once.Do(func() {
		b.cancel()

		b.mu.Lock()
		defer b.mu.Unlock()

		for client := range b.clients {
			close(client.Done)
		}
		b.clients = make(map[*Client]bool)
	})
}

func (b *Broker) TotalClients() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}
