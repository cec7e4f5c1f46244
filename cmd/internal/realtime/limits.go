package realtime

import "time"

// Gateway limits. SDKs in clients/go/pulse assume these bounds; change
// them together with contracts/realtime/v1.
const (
	// Hard cap on a websocket frame read.
	maxFrameBytes = 64 << 10 // 64 KiB

	// Max publish text length (runes).
	maxMessageChars = 4000
)

const (
	// Heartbeat defaults, overridable by env in ws_gateway.go.
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection command budget per sliding window.
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second
)
