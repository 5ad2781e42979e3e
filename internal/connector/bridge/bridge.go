// Package bridge drives platforms whose protocol runs in a separate sidecar
// process. The sidecar exposes a small JSON API per session and pushes chat
// traffic back through the orchestrator's event endpoint.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/multisession-server-go/internal/connector"
	"github.com/openclaw/multisession-server-go/internal/model"
)

const (
	requestTimeout = 15 * time.Second
	maxErrorBody   = 4096
)

type pairRequest struct {
	Token       string       `json:"token"`
	QRCode      string       `json:"qrcode"`
	Name        string       `json:"name"`
	Handle      *string      `json:"handle,omitempty"`
	Config      model.Config `json:"config"`
	CallbackURL string       `json:"callbackUrl,omitempty"`
}

type pairResponse struct {
	Resumed bool   `json:"resumed"`
	QRCode  string `json:"qrcode"`
}

type sessionRequest struct {
	Name        string       `json:"name"`
	Config      model.Config `json:"config"`
	CallbackURL string       `json:"callbackUrl,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Connector forwards lifecycle calls for one platform to its sidecar.
type Connector struct {
	platform    model.Platform
	baseURL     string
	callbackURL string
	client      *http.Client
}

var _ connector.Connector = (*Connector)(nil)

type Option func(*Connector)

// WithHTTPClient replaces the default client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Connector) {
		c.client = client
	}
}

// WithCallbackURL tells the sidecar where to post traffic for a session. The
// session ID is appended as a path segment.
func WithCallbackURL(u string) Option {
	return func(c *Connector) {
		c.callbackURL = strings.TrimRight(u, "/")
	}
}

func New(platform model.Platform, baseURL string, opts ...Option) (*Connector, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, fmt.Errorf("bridge: invalid endpoint %q for %s", baseURL, platform)
	}

	c := &Connector{
		platform: platform,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: requestTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Connector) Pair(ctx context.Context, req connector.PairRequest) (connector.PairResult, error) {
	var resp pairResponse
	err := c.call(ctx, req.Session.ID, "pair", pairRequest{
		Token:       req.Token,
		QRCode:      req.QRCode,
		Name:        req.Session.Name,
		Handle:      req.Session.Handle,
		Config:      req.Session.Config,
		CallbackURL: c.callbackFor(req.Session.ID),
	}, &resp)
	if err != nil {
		return connector.PairResult{}, err
	}
	return connector.PairResult{Resumed: resp.Resumed, QRCode: resp.QRCode}, nil
}

// Start asks the sidecar to begin relaying traffic. Events arrive over HTTP,
// so the sink is not retained.
func (c *Connector) Start(ctx context.Context, session model.Session, _ connector.EventSink) error {
	return c.call(ctx, session.ID, "start", c.sessionBody(session), nil)
}

func (c *Connector) Stop(ctx context.Context, session model.Session) error {
	return c.call(ctx, session.ID, "stop", c.sessionBody(session), nil)
}

func (c *Connector) SendProbe(ctx context.Context, session model.Session) error {
	return c.call(ctx, session.ID, "probe", nil, nil)
}

func (c *Connector) sessionBody(session model.Session) sessionRequest {
	return sessionRequest{
		Name:        session.Name,
		Config:      session.Config,
		CallbackURL: c.callbackFor(session.ID),
	}
}

func (c *Connector) callbackFor(sessionID string) string {
	if c.callbackURL == "" {
		return ""
	}
	return c.callbackURL + "/" + url.PathEscape(sessionID) + "/events"
}

func (c *Connector) call(ctx context.Context, sessionID, op string, payload, out any) error {
	endpoint := fmt.Sprintf("%s/sessions/%s/%s", c.baseURL, url.PathEscape(sessionID), op)

	var body io.Reader = http.NoBody
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s request: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return fmt.Errorf("create %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		log.Debug().
			Err(err).
			Str("platform", string(c.platform)).
			Str("sessionId", sessionID).
			Str("op", op).
			Dur("elapsed", elapsed).
			Msg("bridge request error")
		if errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("%w: %s %s: %v", connector.ErrUnreachable, c.platform, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		reason := readError(resp.Body)
		log.Warn().
			Str("platform", string(c.platform)).
			Str("sessionId", sessionID).
			Str("op", op).
			Int("status", resp.StatusCode).
			Dur("elapsed", elapsed).
			Msg("bridge request failed")
		if resp.StatusCode == http.StatusBadGateway || resp.StatusCode == http.StatusServiceUnavailable || resp.StatusCode == http.StatusGatewayTimeout {
			return fmt.Errorf("%w: %s %s returned %d: %s", connector.ErrUnreachable, c.platform, op, resp.StatusCode, reason)
		}
		return fmt.Errorf("%s %s returned %d: %s", c.platform, op, resp.StatusCode, reason)
	}

	log.Debug().
		Str("platform", string(c.platform)).
		Str("sessionId", sessionID).
		Str("op", op).
		Dur("elapsed", elapsed).
		Msg("bridge request ok")

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode %s response: %w", op, err)
	}
	return nil
}

func readError(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	var e errorResponse
	if json.Unmarshal(data, &e) == nil && e.Error != "" {
		return e.Error
	}
	if s := strings.TrimSpace(string(data)); s != "" {
		return s
	}
	return "no details"
}
