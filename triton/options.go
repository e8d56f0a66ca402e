package triton

import (
	"time"

	"go.uber.org/zap"
)

// Option configures the producer components. Each constructor picks out the
// settings it uses and ignores the rest, so one option list can be shared.
type Option func(o *options)

type options struct {
	logger    *zap.Logger
	metrics   *Metrics
	policy    RetryPolicy
	batchSize int
	workers   int
	maxPages  int
	codec     Codec
	ledger    *DeliveryLedger
	reporter  ErrorReporter
	source    string
	sleep     func(time.Duration)
}

func newOptions(opts []Option) *options {
	o := &options{
		logger:    zap.NewNop(),
		policy:    DefaultRetryPolicy(),
		batchSize: MaxBatchSize,
		workers:   1,
		maxPages:  DefaultMaxShardPages,
		codec:     RawCodec{},
		reporter:  nopReporter{},
		sleep:     time.Sleep,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

func WithRetryPolicy(p RetryPolicy) Option {
	return func(o *options) {
		o.policy = p
	}
}

// WithBatchSize sets how many records go into one PutRecords call (and how
// many lines a pipeline buffers). Values outside 1..MaxBatchSize are clamped.
func WithBatchSize(n int) Option {
	return func(o *options) {
		switch {
		case n <= 0:
			o.batchSize = MaxBatchSize
		case n > MaxBatchSize:
			o.batchSize = MaxBatchSize
		default:
			o.batchSize = n
		}
	}
}

// WithWorkers lets a BatchWriter have up to n groups in flight.
func WithWorkers(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithMaxPages overrides DefaultMaxShardPages.
func WithMaxPages(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxPages = n
		}
	}
}

func WithCodec(c Codec) Option {
	return func(o *options) {
		if c != nil {
			o.codec = c
		}
	}
}

// WithLedger records every pipeline failure in l.
func WithLedger(l *DeliveryLedger) Option {
	return func(o *options) {
		o.ledger = l
	}
}

func WithReporter(r ErrorReporter) Option {
	return func(o *options) {
		if r != nil {
			o.reporter = r
		}
	}
}

// WithSource names the input of a pipeline run in logs and ledger entries.
func WithSource(name string) Option {
	return func(o *options) {
		o.source = name
	}
}

func withSleep(f func(time.Duration)) Option {
	return func(o *options) {
		o.sleep = f
	}
}
