package mermaidetl

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/xerrors"
)

// Option configures a Pipeline.
type Option interface {
	apply(*pipeline) error
}

type optionFunc func(*pipeline) error

func (f optionFunc) apply(p *pipeline) error {
	return f(p)
}

// WithLogLevel sets the minimum level of the pipeline logger, e.g. "debug".
func WithLogLevel(level string) Option {
	return optionFunc(func(p *pipeline) error {
		lv, err := zerolog.ParseLevel(level)
		if err != nil {
			return xerrors.Errorf("invalid log level %q: %w", level, err)
		}
		p.logLevel = lv
		return nil
	})
}

// WithPrettyLogging configures the pipeline to print human friendly logs.
func WithPrettyLogging() Option {
	return optionFunc(func(p *pipeline) error {
		p.prettyLogging = true
		return nil
	})
}

// WithLogger replaces the pipeline logger. Log level and pretty logging
// options are ignored.
func WithLogger(l zerolog.Logger) Option {
	return optionFunc(func(p *pipeline) error {
		p.logger = &l
		return nil
	})
}

// WithConcurrency overrides Config.Parallelism.
func WithConcurrency(n int) Option {
	return optionFunc(func(p *pipeline) error {
		if n < 1 {
			return xerrors.Errorf("concurrency must be positive, got %d", n)
		}
		p.parallelism = n
		return nil
	})
}

// WithHTTPClient sets the HTTP client used to call the MERMAID API.
func WithHTTPClient(c *http.Client) Option {
	return optionFunc(func(p *pipeline) error {
		p.httpClient = c
		return nil
	})
}

// WithSink writes to s instead of opening Config.Destination. The caller
// keeps ownership of s.
func WithSink(s Sink) Option {
	return optionFunc(func(p *pipeline) error {
		p.sink = s
		return nil
	})
}

// WithArchive stores raw pages in a instead of Config.Archive.
func WithArchive(a Archive) Option {
	return optionFunc(func(p *pipeline) error {
		p.archive = a
		return nil
	})
}

// WithNotifier adds notifiers to the ones built from Config.Notify.
func WithNotifier(n ...Notifier) Option {
	return optionFunc(func(p *pipeline) error {
		p.notifiers = append(p.notifiers, n...)
		return nil
	})
}

// WithClock sets the clock used for run timestamps and row provenance.
func WithClock(now func() time.Time) Option {
	return optionFunc(func(p *pipeline) error {
		p.now = now
		return nil
	})
}

// WithMetricsRegistry registers the pipeline metrics on reg.
func WithMetricsRegistry(reg *prometheus.Registry) Option {
	return optionFunc(func(p *pipeline) error {
		p.registry = reg
		return nil
	})
}
