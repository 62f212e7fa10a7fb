package webmonitor

import "time"

// Config defines the runtime configuration for the reporting server.
type Config struct {
	Addr string
	// AllowedOrigins feeds the CORS header on /offer and the websocket
	// origin check. Empty means same-origin only.
	AllowedOrigins    []string
	StatusInterval    time.Duration
	KeepaliveInterval time.Duration
}

// DefaultConfig returns the values used when the config file is silent.
func DefaultConfig() Config {
	return Config{
		Addr:              ":8080",
		StatusInterval:    2 * time.Second,
		KeepaliveInterval: 15 * time.Second,
	}
}
