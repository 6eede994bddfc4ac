package redisstream

import "time"

// Settings configures the Redis connection shared by the session store and
// the Redis Streams event transport.
type Settings struct {
	Enabled    bool          `mapstructure:"enabled" yaml:"enabled"`
	Addr       string        `mapstructure:"addr" yaml:"addr"`
	Group      string        `mapstructure:"group" yaml:"group"`
	Consumer   string        `mapstructure:"consumer" yaml:"consumer"`
	SessionTTL time.Duration `mapstructure:"session_ttl" yaml:"session_ttl"`
}

func DefaultSettings() Settings {
	return Settings{
		Addr:       "localhost:6379",
		Group:      "memagent",
		Consumer:   "memagent-1",
		SessionTTL: 24 * time.Hour,
	}
}
