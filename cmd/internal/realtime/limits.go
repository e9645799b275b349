package realtime

import "time"

// Connection limits. All but the frame size are env-tunable (see NewWSGateway).
const (
	maxFrameBytes = 64 << 10

	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = time.Second

	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second
	wsMaxPingFailures = 3

	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second
)
