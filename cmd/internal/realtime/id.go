package realtime

import (
	"time"

	"vigil/cmd/internal/ids"
)

// newConnID returns a ULID naming one websocket connection in logs.
func newConnID(now time.Time) string {
	id, err := ids.NewULID(now)
	if err != nil {
		return "conn-unknown"
	}
	return id
}

// newEnvelopeID returns a ULID for an outbound envelope. ULIDs keep server
// frames ordered when read back from logs.
func newEnvelopeID(now time.Time) string {
	id, err := ids.NewULID(now)
	if err != nil {
		return "env-" + now.UTC().Format("20060102T150405.000000000")
	}
	return id
}
