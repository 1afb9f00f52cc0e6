package logging

import (
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/getsentry/sentry-go"
)

type Options struct {
	Tags map[string]string
	Msg  string
}

// ErrReporter receives internal faults that are hidden from clients.
type ErrReporter interface {
	Report(error, Options)
}

type logReporter struct {
	l *log.Logger
}

func NewLogReporter(l *log.Logger) ErrReporter {
	return &logReporter{l: l}
}

func (r *logReporter) Report(err error, opts Options) {
	kv := make([]any, 0, 2+2*len(opts.Tags))
	kv = append(kv, "err", err)
	for k, v := range opts.Tags {
		kv = append(kv, k, v)
	}
	msg := opts.Msg
	if msg == "" {
		msg = "internal error"
	}
	r.l.Error(msg, kv...)
}

type SentryReporter struct {
	hub          *sentry.Hub
	flushTimeout time.Duration
}

func NewSentryReporter(dsn, environment string) (*SentryReporter, error) {
	c, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: environment,
	})
	if err != nil {
		return nil, fmt.Errorf("sentry client: %w", err)
	}
	return &SentryReporter{
		hub:          sentry.NewHub(c, sentry.NewScope()),
		flushTimeout: 100 * time.Millisecond,
	}, nil
}

func (r *SentryReporter) Report(err error, opts Options) {
	r.hub.WithScope(func(scope *sentry.Scope) {
		for k, v := range opts.Tags {
			scope.SetTag(k, v)
		}
		if opts.Msg != "" {
			scope.SetContext("report", sentry.Context{"msg": opts.Msg})
		}
		r.hub.CaptureException(err)
	})
	r.hub.Flush(r.flushTimeout)
}

// Chain fans a report out to every reporter in order.
type Chain struct {
	reporters []ErrReporter
}

func NewChain(reporters ...ErrReporter) *Chain {
	return &Chain{reporters: reporters}
}

func (c *Chain) Add(r ErrReporter) {
	c.reporters = append(c.reporters, r)
}

func (c *Chain) Report(err error, opts Options) {
	for _, r := range c.reporters {
		r.Report(err, opts)
	}
}
