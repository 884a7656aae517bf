package cardreader

import "time"

const (
	DefaultHealthInterval       = 10 * time.Second
	DefaultReconnectInterval    = 3000 * time.Millisecond
	DefaultMaxReconnectAttempts = 10
	DefaultDedupWindow          = 1000 * time.Millisecond
)

// Config is the cardreader section of the config file. Zero values take
// the defaults above.
type Config struct {
	// Reader selects the first reader whose name contains this string.
	// Empty takes the first reader listed.
	Reader               string        `yaml:"reader"`
	HealthInterval       time.Duration `yaml:"health_interval"`
	ReconnectInterval    time.Duration `yaml:"reconnect_interval"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	DedupWindow          time.Duration `yaml:"dedup_window"`
}

func (c Config) withDefaults() Config {
	if c.HealthInterval <= 0 {
		c.HealthInterval = DefaultHealthInterval
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = DefaultReconnectInterval
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = DefaultDedupWindow
	}
	return c
}
