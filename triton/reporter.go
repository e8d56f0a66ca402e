package triton

import (
	"github.com/getsentry/raven-go"
)

// ErrorReporter ships failures somewhere a human will see them.
type ErrorReporter interface {
	Report(err error, tags map[string]string)
}

type nopReporter struct{}

func (nopReporter) Report(error, map[string]string) {}

// RavenReporter sends failures to Sentry.
type RavenReporter struct {
	client *raven.Client
}

func NewRavenReporter(dsn string) (*RavenReporter, error) {
	client, err := raven.New(dsn)
	if err != nil {
		return nil, err
	}
	return &RavenReporter{client: client}, nil
}

func (r *RavenReporter) Report(err error, tags map[string]string) {
	r.client.CaptureError(err, tags)
}

func (r *RavenReporter) Close() {
	r.client.Wait()
	r.client.Close()
}
