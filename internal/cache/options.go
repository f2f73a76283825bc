package cache

import (
	"log/slog"
	"time"
)

// Option configures a Collection or DocumentCache.
type Option func(*options)

type options struct {
	writeTimeout time.Duration
	log          *slog.Logger
	onChange     func()
}

func collectOptions(opts []Option) options {
	o := options{writeTimeout: DefaultWriteTimeout, log: slog.Default()}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// WithWriteTimeout overrides DefaultWriteTimeout. Non-positive values are
// ignored.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.writeTimeout = d
		}
	}
}

// WithLogger sets the logger used for background failures.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// WithOnChange registers a callback invoked after every change to the
// cached list. It runs outside the cache lock.
func WithOnChange(fn func()) Option {
	return func(o *options) { o.onChange = fn }
}
