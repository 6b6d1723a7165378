package engine

import (
	"go.uber.org/zap"

	"github.com/ssargent/skalddb/pkg/metrics"
)

// Option configures a Database.
type Option func(*options)

type options struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func defaultOptions() options {
	return options{logger: zap.NewNop()}
}

// WithLogger sets the logger commit and lifecycle events go to.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics reports commits, rollbacks and table sizes to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}
