package intesa

import (
	"fmt"
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

type config struct {
	logHandler   slog.Handler
	metricSink   metrics.MetricSink
	metricLabels []metrics.Label
	playerName   string
}

// Option to pass to the game factories.
type Option func(*config) error

func newConfig(opts []Option) (*config, error) {
	cfg := &config{}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}
	if cfg.logHandler == nil {
		cfg.logHandler = slog.Default().Handler()
	}
	if cfg.metricSink == nil {
		cfg.metricSink = metrics.Default()
	}
	if cfg.playerName == "" {
		cfg.playerName = "player"
	}
	return cfg, nil
}

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted by
// the engine.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.metricSink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the game.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}

// WithPlayerName sets the name a client announces to the authority when it
// greets it. Purely informational: seat assignment does not depend on it.
func WithPlayerName(name string) Option {
	return func(c *config) error {
		c.playerName = name
		return nil
	}
}
