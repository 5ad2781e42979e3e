package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

type Session struct {
	ID               string        `db:"id" json:"id"`
	Name             string        `db:"name" json:"name"`
	Platform         Platform      `db:"platform" json:"platform"`
	Handle           *string       `db:"handle" json:"handle,omitempty"`
	Status           SessionStatus `db:"status" json:"status"`
	ActiveChats      int           `db:"active_chats" json:"activeChats"`
	TotalMessages    int64         `db:"total_messages" json:"totalMessages"`
	PairingChallenge *string       `db:"pairing_challenge" json:"pairingChallenge,omitempty"`
	ErrorKind        *ErrorKind    `db:"error_kind" json:"errorKind,omitempty"`
	LastActivityAt   time.Time     `db:"last_activity_at" json:"lastActivityAt"`
	Config           Config        `db:"config" json:"config"`
	CreatedAt        time.Time     `db:"created_at" json:"createdAt"`
	UpdatedAt        time.Time     `db:"updated_at" json:"updatedAt"`
}

type CreateSessionParams struct {
	Name     string
	Platform Platform
	Handle   *string
	Config   Config
}

// UpdateSessionParams carries the user-editable fields. Nil fields are left unchanged.
type UpdateSessionParams struct {
	Name   *string
	Handle *string
	Config Config
}

// Transition describes a status change applied through the repository's
// compare-and-swap path. PairingChallenge and ErrorKind are written as given,
// so a nil clears the column.
type Transition struct {
	To               SessionStatus
	PairingChallenge *string
	ErrorKind        *ErrorKind
}

// Activity is a connector-reported traffic delta.
type Activity struct {
	Messages    int64
	ActiveChats *int
	At          time.Time
}

type SessionFilter struct {
	Status   *SessionStatus
	Platform *Platform
}

func (f SessionFilter) Matches(s Session) bool {
	if f.Status != nil && s.Status != *f.Status {
		return false
	}
	if f.Platform != nil && s.Platform != *f.Platform {
		return false
	}
	return true
}

// Config holds platform-specific settings that the orchestrator never interprets.
type Config map[string]any

func (c Config) Value() (driver.Value, error) {
	if c == nil {
		return "{}", nil
	}
	data, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (c *Config) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*c = Config{}
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("config: unsupported scan type %T", src)
	}
	cfg := Config{}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	*c = cfg
	return nil
}

// String returns the value stored under key when it is a string.
func (c Config) String(key string) string {
	if v, ok := c[key].(string); ok {
		return v
	}
	return ""
}

func StringPtr(s string) *string {
	return &s
}

func ErrorKindPtr(k ErrorKind) *ErrorKind {
	return &k
}
