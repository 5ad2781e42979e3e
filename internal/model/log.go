package model

import "time"

// Log entry types written by the orchestrator. Connector traffic uses LogTypeMessage.
const (
	LogTypeMessage          = "message"
	LogTypeSessionCreated   = "session_created"
	LogTypePairingStarted   = "pairing_started"
	LogTypePairingSucceeded = "pairing_succeeded"
	LogTypePairingExpired   = "pairing_expired"
	LogTypePairingFailed    = "pairing_failed"
	LogTypeResumed          = "session_resumed"
	LogTypeStopped          = "session_stopped"
	LogTypeConnectorError   = "connector_error"
	LogTypeConnectorStopped = "connector_stopped"
)

type LogEntry struct {
	SessionID string    `json:"sessionId"`
	Timestamp time.Time `json:"timestamp"`
	Direction Direction `json:"direction"`
	Type      string    `json:"type"`
	Message   string    `json:"message"`
}
