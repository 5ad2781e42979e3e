package model

import "fmt"

type Platform string

const (
	PlatformWhatsApp  Platform = "whatsapp"
	PlatformTelegram  Platform = "telegram"
	PlatformDiscord   Platform = "discord"
	PlatformInstagram Platform = "instagram"
	PlatformFacebook  Platform = "facebook"
	PlatformOther     Platform = "other"
)

// Platforms lists every supported platform in display order.
var Platforms = []Platform{
	PlatformWhatsApp,
	PlatformTelegram,
	PlatformDiscord,
	PlatformInstagram,
	PlatformFacebook,
	PlatformOther,
}

func ParsePlatform(s string) (Platform, error) {
	for _, p := range Platforms {
		if string(p) == s {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown platform %q", s)
}

type SessionStatus string

const (
	SessionStatusDisconnected SessionStatus = "disconnected"
	SessionStatusPairing      SessionStatus = "pairing"
	SessionStatusConnected    SessionStatus = "connected"
	SessionStatusError        SessionStatus = "error"
	SessionStatusStopped      SessionStatus = "stopped"
)

var SessionStatuses = []SessionStatus{
	SessionStatusDisconnected,
	SessionStatusPairing,
	SessionStatusConnected,
	SessionStatusError,
	SessionStatusStopped,
}

func ParseSessionStatus(s string) (SessionStatus, error) {
	for _, st := range SessionStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown session status %q", s)
}

type ErrorKind string

const (
	ErrorKindConnectorUnreachable ErrorKind = "ConnectorUnreachable"
	ErrorKindConnectorRejected    ErrorKind = "ConnectorRejected"
)

type Direction string

const (
	DirectionSent     Direction = "sent"
	DirectionReceived Direction = "received"
)

func ParseDirection(s string) (Direction, error) {
	switch Direction(s) {
	case DirectionSent, DirectionReceived:
		return Direction(s), nil
	}
	return "", fmt.Errorf("unknown direction %q", s)
}

type BulkAction string

const (
	BulkActionStart   BulkAction = "start"
	BulkActionStop    BulkAction = "stop"
	BulkActionRestart BulkAction = "restart"
)

func ParseBulkAction(s string) (BulkAction, error) {
	switch BulkAction(s) {
	case BulkActionStart, BulkActionStop, BulkActionRestart:
		return BulkAction(s), nil
	}
	return "", fmt.Errorf("unknown bulk action %q", s)
}

type BulkOutcome string

const (
	BulkOutcomeSuccess BulkOutcome = "success"
	BulkOutcomeFailure BulkOutcome = "failure"
)
