package authapi

import (
	"time"

	"vigil/cmd/internal/auth/session"
)

type createRequest struct {
	UserID    string `json:"userId"`
	Role      string `json:"role"`
	IPAddress string `json:"ipAddress"`
	UserAgent string `json:"userAgent"`
}

type userRequest struct {
	UserID string `json:"userId"`
	Reason string `json:"reason,omitempty"`
}

type createResponse struct {
	Success   bool      `json:"success"`
	SessionID string    `json:"sessionId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type okResponse struct {
	Success bool `json:"success"`
}

type heartbeatResponse struct {
	Success bool `json:"success"`
	Active  bool `json:"active"`
}

type sessionInfo struct {
	ID                string     `json:"id"`
	UserID            string     `json:"userId"`
	Role              string     `json:"role"`
	LoginTime         time.Time  `json:"loginTime"`
	LastActivity      time.Time  `json:"lastActivity"`
	ExpiresAt         time.Time  `json:"expiresAt"`
	IPAddress         string     `json:"ipAddress"`
	UserAgent         string     `json:"userAgent"`
	IsActive          bool       `json:"isActive"`
	EndedAt           *time.Time `json:"endedAt,omitempty"`
	TerminationReason *string    `json:"terminationReason,omitempty"`
}

type infoResponse struct {
	Success     bool        `json:"success"`
	SessionInfo sessionInfo `json:"sessionInfo"`
}

type countResponse struct {
	Success bool `json:"success"`
	Count   int  `json:"count"`
}

type allowedResponse struct {
	Success bool `json:"success"`
	Allowed bool `json:"allowed"`
}

type policyResponse struct {
	Role                      string `json:"role"`
	InactivityTimeSeconds     int64  `json:"inactivityTimeSeconds"`
	WarningLeadSeconds        int64  `json:"warningLeadSeconds"`
	MaxSessionDurationSeconds int64  `json:"maxSessionDurationSeconds"`
	HeartbeatIntervalSeconds  int64  `json:"heartbeatIntervalSeconds"`
}

func toSessionInfo(s session.ActiveSession) sessionInfo {
	out := sessionInfo{
		ID:           s.ID,
		UserID:       s.UserID,
		Role:         string(s.Role),
		LoginTime:    s.LoginTime,
		LastActivity: s.LastActivity,
		ExpiresAt:    s.ExpiresAt,
		IPAddress:    s.IPAddress,
		UserAgent:    s.UserAgent,
		IsActive:     s.IsActive,
		EndedAt:      s.EndedAt,
	}
	if s.TerminationReason != nil {
		r := string(*s.TerminationReason)
		out.TerminationReason = &r
	}
	return out
}
