package model

type BulkActionResult struct {
	SessionID string      `json:"sessionId"`
	Outcome   BulkOutcome `json:"outcome"`
	ErrorKind *string     `json:"errorKind,omitempty"`
	Error     string      `json:"error,omitempty"`
}
