package server

import "time"

const (
	// maxWSReadBytes bounds inbound control messages on the event
	// stream. Subscribe payloads are tiny; anything larger is abuse.
	maxWSReadBytes = 64 << 10

	// wsWriteTimeout bounds a single outbound frame write.
	wsWriteTimeout = 15 * time.Second

	// heartbeatInterval paces keepalive pings on idle connections.
	heartbeatInterval = 30 * time.Second

	// shutdownGrace bounds graceful HTTP shutdown.
	shutdownGrace = 5 * time.Second
)
