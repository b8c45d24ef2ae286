package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
)

// Research holds the pipeline tuning knobs loaded from research.yaml. Every
// field has a default, so a missing file means defaults, not a startup error.
type Research struct {
	Fanout struct {
		PoolSize       int `mapstructure:"pool_size"`
		StaggerMs      int `mapstructure:"stagger_ms"`
		QueryTimeoutMs int `mapstructure:"query_timeout_ms"`
		RetryAttempts  int `mapstructure:"retry_attempts"`
		RetryBackoffMs int `mapstructure:"retry_backoff_ms"`
	} `mapstructure:"fanout"`
	Resolver struct {
		FlushThreshold int `mapstructure:"flush_threshold"`
	} `mapstructure:"resolver"`
	Citations struct {
		BasePath string `mapstructure:"base_path"`
	} `mapstructure:"citations"`
	Events struct {
		RingCapacity     int `mapstructure:"ring_capacity"`
		SubscriberBuffer int `mapstructure:"subscriber_buffer"`
	} `mapstructure:"events"`
	Sources []string `mapstructure:"sources"`
}

// LoadResearch reads research.yaml from RESEARCH_CONFIG or config/research.yaml.
func LoadResearch() (*Research, error) {
	path := os.Getenv("RESEARCH_CONFIG")
	if path == "" {
		path = "config/research.yaml"
	}

	var r Research
	if _, err := os.Stat(path); err == nil {
		v := viper.New()
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read research config: %w", err)
		}
		if err := v.Unmarshal(&r); err != nil {
			return nil, fmt.Errorf("unmarshal research config: %w", err)
		}
	}
	r.applyDefaults()
	return &r, nil
}

func (r *Research) applyDefaults() {
	if r.Fanout.PoolSize <= 0 {
		r.Fanout.PoolSize = 4
	}
	if r.Fanout.StaggerMs <= 0 {
		r.Fanout.StaggerMs = 100
	}
	if r.Fanout.QueryTimeoutMs <= 0 {
		r.Fanout.QueryTimeoutMs = 30000
	}
	if r.Fanout.RetryAttempts <= 0 {
		r.Fanout.RetryAttempts = 3
	}
	if r.Fanout.RetryBackoffMs <= 0 {
		r.Fanout.RetryBackoffMs = 500
	}
	if r.Resolver.FlushThreshold <= 0 {
		r.Resolver.FlushThreshold = 80
	}
	if r.Citations.BasePath == "" {
		r.Citations.BasePath = "/api/research/documents"
	}
	if r.Events.RingCapacity <= 0 {
		r.Events.RingCapacity = 256
	}
	if r.Events.SubscriberBuffer <= 0 {
		r.Events.SubscriberBuffer = 64
	}
	if len(r.Sources) == 0 {
		r.Sources = []string{"filings", "transcripts", "news", "marketdata"}
	}
}
