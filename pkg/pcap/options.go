package pcap

import (
	"fmt"
	"log/slog"

	"firestige.xyz/pcapguard/pkg/pcap/native"
)

type options struct {
	engine native.Engine
	logger *slog.Logger
	layout native.Layout
}

// Option configures how a session is opened.
type Option func(*options)

// WithEngine selects the capture engine. Without it the registry default is
// used (see native.Default).
func WithEngine(e native.Engine) Option {
	return func(o *options) {
		o.engine = e
	}
}

// WithLogger sets the logger for lifecycle events. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithLayout overrides the header record layout reported by the engine. Use it
// when the engine's native struct differs from what it reports.
func WithLayout(l native.Layout) Option {
	return func(o *options) {
		o.layout = l
	}
}

func buildOptions(opts []Option) (options, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.engine == nil {
		e, err := native.Default()
		if err != nil {
			return o, err
		}
		o.engine = e
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.layout.IsZero() {
		o.layout = o.engine.HeaderLayout()
	}
	if err := o.layout.Validate(); err != nil {
		return o, fmt.Errorf("invalid header layout: %w", err)
	}
	return o, nil
}
