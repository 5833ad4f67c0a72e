// Package report sends pipeline failures to Sentry.
package report

import (
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/trunov/photothumb/internal/config"
)

// Reporter captures errors that a human should look at.
type Reporter interface {
	CaptureError(err error, tags map[string]string)
}

// Init configures the global Sentry client. An empty DSN leaves Sentry
// disabled and returns false.
func Init(cfg config.SentryConfig, release string) (bool, error) {
	if cfg.SentryDSN == "" {
		return false, nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:         cfg.SentryDSN,
		Environment: cfg.Environment,
		Release:     release,
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// Flush buffered events before the program terminates.
func Flush() {
	sentry.Flush(2 * time.Second)
}

type Sentry struct {
	hub *sentry.Hub
}

// NewSentry reports through hub; nil means the current hub.
func NewSentry(hub *sentry.Hub) *Sentry {
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	return &Sentry{hub: hub}
}

func (s *Sentry) CaptureError(err error, tags map[string]string) {
	if err == nil {
		return
	}
	s.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTags(tags)
		s.hub.CaptureException(err)
	})
}

type Noop struct{}

func (Noop) CaptureError(error, map[string]string) {}

var (
	_ Reporter = (*Sentry)(nil)
	_ Reporter = Noop{}
)
