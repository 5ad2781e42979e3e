package model

import "time"

type PairingChallenge struct {
	SessionID string    `json:"sessionId"`
	Token     string    `json:"-"`
	QRCode    string    `json:"qrcode"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (c PairingChallenge) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}
