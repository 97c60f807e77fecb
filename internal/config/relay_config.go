package config

import "time"

const (
	// WebSocket keepalive
	WriteWait  = 10 * time.Second
	PongWait   = 60 * time.Second
	PingPeriod = (PongWait * 9) / 10

	// HTTP server
	ReadTimeout    = 15 * time.Second
	WriteTimeout   = 15 * time.Second
	IdleTimeout    = 60 * time.Second
	MaxHeaderBytes = 1 << 20

	// History API
	MaxHistoryLimit = 1000
	HistoryCacheTTL = 24 * time.Hour
)
