package realtime

import "time"

// Security/performance limits for the websocket layer.
const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB

	// Max message text length (runes).
	maxMessageChars = 4000

	defaultSendQueueSize = 64

	writeTimeout = 5 * time.Second
	closeGrace   = 1 * time.Second
)

const (
	// Transport heartbeat: pings sent per connection, and the sweep that
	// reaps connections with no inbound traffic past the cutoff.
	heartbeatInterval = 20 * time.Second
	heartbeatTimeout  = 5 * time.Second
	maxPingFailures   = 3

	sweepInterval = 30 * time.Second
	idleCutoff    = 60 * time.Second
)

const (
	// Read receipts are aggregated before persistence and notification.
	receiptBatchSize     = 50
	receiptFlushInterval = 5 * time.Second

	// Inbound batch receipts are split into chunks of this size.
	receiptChunkSize = 50
)
