// Package v1 defines the vigil session protocol v1 spoken over the websocket
// gateway. It is shared between the server and browsing-context clients.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Subprotocol is negotiated during the websocket handshake.
const Subprotocol = "vigil.session.v1"

// Version is embedded into every envelope.
const Version = 1

// Type constants (wire-stable).
const (
	// TypeHello binds the connection to a user's active session (client -> server).
	TypeHello = "hello"
	// TypeHelloAck reports the bound session and its timeout profile (server -> client).
	TypeHelloAck = "hello.ack"

	// TypeActivity reports a qualifying user interaction (client -> server).
	TypeActivity = "activity"
	// TypeLogout ends the session on behalf of the user (client -> server).
	TypeLogout = "logout"

	// TypeSessionWarning starts the countdown (server -> client).
	TypeSessionWarning = "session.warning"
	// TypeSessionActive cancels a countdown (server -> client).
	TypeSessionActive = "session.active"
	// TypeSessionExpired is the last frame before the server closes (server -> client).
	TypeSessionExpired = "session.expired"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// ClientTypes are the types a client may send.
var ClientTypes = map[string]struct{}{
	TypeHello:    {},
	TypeActivity: {},
	TypeLogout:   {},
}

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       int             `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	TS      time.Time       `json:"ts"`
	Payload json.RawMessage `json:"payload"`
}

// Validate checks an inbound (client -> server) envelope.
func (e Envelope) Validate() error {
	if e.V != Version {
		return fmt.Errorf("invalid protocol version: got=%d want=%d", e.V, Version)
	}
	if e.Type == "" {
		return errors.New("missing type")
	}
	if _, ok := ClientTypes[e.Type]; !ok {
		return fmt.Errorf("unsupported type: %s", e.Type)
	}
	if e.ID == "" {
		return errors.New("missing id")
	}
	if len(e.Payload) == 0 {
		return errors.New("missing payload")
	}
	return nil
}
