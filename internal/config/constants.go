package config

import "time"

// Database connection pool settings
const (
	DBMaxOpenConns    = 25
	DBMaxIdleConns    = 5
	DBConnMaxLifetime = 5 * time.Minute
)

// HTTP server timeouts
const (
	ServerRequestTimeout  = 60 * time.Second
	ServerReadTimeout     = 15 * time.Second
	ServerIdleTimeout     = 120 * time.Second
	ServerShutdownTimeout = 30 * time.Second
)

// Database ping timeout for health checks
const DBPingTimeout = 5 * time.Second

// WebSocket transport
const (
	WSReadBufferSize   = 4096
	WSWriteBufferSize  = 4096
	WSSendQueueSize    = 256
	WSFrameQueueSize   = 64
	WSWriteWait        = 10 * time.Second
	WSMaxMessageBytes  = 1 << 20
	ConnectionInitWait = 15 * time.Second
)

// A glasses socket that sends nothing, pongs included, for this long is treated as dropped.
const GlassesPongWait = 60 * time.Second

// Background job intervals
const (
	CleanupJobInterval = 5 * time.Minute
	TpaServerStaleAge  = 24 * time.Hour
)

// Missed pongs before a TPA connection is considered unhealthy
const MaxMissedPongs = 2
