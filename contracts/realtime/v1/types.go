package v1

import "time"

type HelloPayload struct {
	UserID string `json:"userId"`
}

type HelloAckPayload struct {
	SessionID         string    `json:"sessionId"`
	ExpiresAt         time.Time `json:"expiresAt"`
	InactivitySeconds int64     `json:"inactivitySeconds"`
	WarningSeconds    int64     `json:"warningSeconds"`
}

type ActivityPayload struct {
	Kind string `json:"kind"`
}

type LogoutPayload struct{}

type SessionWarningPayload struct {
	Deadline time.Time `json:"deadline"`
}

type SessionActivePayload struct{}

type SessionExpiredPayload struct {
	Reason string `json:"reason"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
