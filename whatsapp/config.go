package whatsapp

import (
	"time"

	"whatsapp-hub/config"
)

const (
	MaxReconnectAttempts = 5
	ReconnectDelay       = 5 * time.Second
	RestartSettleDelay   = 2 * time.Second

	limiterCleanupEvery = time.Minute
	limiterIdle         = 10 * time.Minute
)

// Config tunes one lifecycle controller. Zero fields take the defaults.
type Config struct {
	// MaxReconnectAttempts caps consecutive reconnects. A negative value
	// disables reconnecting.
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
	RestartSettle        time.Duration
	DedupTTL             time.Duration
	DedupSize            int
	SendRate             float64
	SendBurst            int
	PrintQR              bool
	EventBuffer          int
}

func DefaultConfig() Config {
	return Config{
		MaxReconnectAttempts: MaxReconnectAttempts,
		ReconnectDelay:       ReconnectDelay,
		RestartSettle:        RestartSettleDelay,
		DedupTTL:             10 * time.Minute,
		DedupSize:            2048,
		SendBurst:            1,
		EventBuffer:          256,
	}
}

// ConfigFrom maps the instance section of the service configuration.
func ConfigFrom(c config.InstanceConfig) Config {
	cfg := DefaultConfig()
	if c.MaxReconnectAttempts != 0 {
		cfg.MaxReconnectAttempts = c.MaxReconnectAttempts
	}
	if c.ReconnectDelay > 0 {
		cfg.ReconnectDelay = c.ReconnectDelay
	}
	if c.RestartSettle >= 0 {
		cfg.RestartSettle = c.RestartSettle
	}
	if c.DedupTTL > 0 {
		cfg.DedupTTL = c.DedupTTL
	}
	if c.DedupSize > 0 {
		cfg.DedupSize = c.DedupSize
	}
	cfg.SendRate = c.SendRate
	if c.SendBurst > 0 {
		cfg.SendBurst = c.SendBurst
	}
	cfg.PrintQR = c.PrintQR
	return cfg
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	switch {
	case c.MaxReconnectAttempts == 0:
		c.MaxReconnectAttempts = d.MaxReconnectAttempts
	case c.MaxReconnectAttempts < 0:
		c.MaxReconnectAttempts = -1
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = d.ReconnectDelay
	}
	if c.RestartSettle < 0 {
		c.RestartSettle = 0
	}
	if c.DedupSize <= 0 {
		c.DedupSize = d.DedupSize
	}
	if c.SendBurst <= 0 {
		c.SendBurst = d.SendBurst
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = d.EventBuffer
	}
	return c
}
