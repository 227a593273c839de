package realtime

import (
	"time"

	"github.com/coder/websocket"
)

// Security/performance limits.
const (
	// Max bytes per websocket frame read. Session frames are tiny.
	maxFrameBytes = 4 << 10

	// Max length of an activity kind label (bytes).
	maxActivityKind = 32

	wsMinSendQueueSize = 8
	wsMaxPingFailures  = 3
	wsCloseGrace       = time.Second
)

// statusSessionEnded closes a connection whose session is over. Clients must
// not reconnect with the same session.
const statusSessionEnded websocket.StatusCode = 4001
