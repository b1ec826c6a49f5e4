package config

import "time"

// DefaultAddr is the default listen address for the HTTP/WebSocket server.
const DefaultAddr = "127.0.0.1:7373"

const (
	DefaultPingInterval     = 10 * time.Second
	DefaultTimeoutIntervals = 3
	DefaultSendQueue        = 256
	DefaultEventRate        = 20.0
	DefaultEventBurst       = 40
	DefaultWatchPoll        = time.Second
)
