package triton

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Pipeline feeds lines from a LineSource through a BatchWriter, one batch at a
// time.
type Pipeline struct {
	writer   *BatchWriter
	size     int
	codec    Codec
	source   string
	logger   *zap.Logger
	metrics  *Metrics
	ledger   *DeliveryLedger
	reporter ErrorReporter
}

// NewPipeline returns a pipeline writing through w. Recognized options are
// WithBatchSize, WithCodec, WithSource, WithLedger, WithReporter, WithLogger
// and WithMetrics.
func NewPipeline(w *BatchWriter, opts ...Option) *Pipeline {
	o := newOptions(opts)
	return &Pipeline{
		writer:   w,
		size:     o.batchSize,
		codec:    o.codec,
		source:   o.source,
		logger:   o.logger,
		metrics:  o.metrics,
		ledger:   o.ledger,
		reporter: o.reporter,
	}
}

// LineError is an input line the codec refused.
type LineError struct {
	Line int
	Err  error
}

// BatchFailure ties a failed group back to the input. Line numbers start at 1.
type BatchFailure struct {
	Batch     int
	FirstLine int
	Lines     []int
	Err       *GroupError
}

func (f *BatchFailure) Error() string {
	return fmt.Sprintf("batch %d (from line %d): %v", f.Batch, f.FirstLine, f.Err)
}

func (f *BatchFailure) Unwrap() error { return f.Err }

// RunResult summarizes a pipeline run.
type RunResult struct {
	RunID     string
	Stream    string
	Source    string
	Lines     int
	Batches   int
	Delivered int
	Rejected  []LineError
	Failures  []*BatchFailure
}

// Ok is true when every line read was delivered.
func (r *RunResult) Ok() bool {
	return len(r.Failures) == 0 && len(r.Rejected) == 0 && r.Delivered == r.Lines
}

// Run reads every line of lines and writes them to streamName in batches,
// taking hash keys from keys. The key source is shared by all batches of the
// run, so the round robin carries on across batch boundaries.
//
// Failed batches do not stop the run; they are collected in the result. ctx
// is checked before each batch is sent. When it is done, Run returns the
// result so far and ctx.Err().
func (p *Pipeline) Run(ctx context.Context, lines LineSource, streamName string, keys HashKeySource) (*RunResult, error) {
	res := &RunResult{
		RunID:  uuid.NewString(),
		Stream: streamName,
		Source: p.source,
	}
	logger := p.logger.With(
		zap.String("run", res.RunID),
		zap.String("stream", streamName),
		zap.String("source", p.source))
	start := time.Now()

	batch := make([][]byte, 0, p.size)
	lineNums := make([]int, 0, p.size)
	for lines.Scan() {
		res.Lines++
		payload, err := p.codec.Encode(lines.Bytes())
		if err != nil {
			p.metrics.groupFailure(streamName, reasonCodec)
			logger.Warn("skipping line", zap.Int("line", res.Lines), zap.Error(err))
			res.Rejected = append(res.Rejected, LineError{Line: res.Lines, Err: err})
			continue
		}
		batch = append(batch, payload)
		lineNums = append(lineNums, res.Lines)

		if len(batch) == p.size {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			p.flush(ctx, logger, res, batch, lineNums, keys)
			batch = make([][]byte, 0, p.size)
			lineNums = make([]int, 0, p.size)
		}
	}
	readErr := lines.Err()

	if len(batch) > 0 {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		p.flush(ctx, logger, res, batch, lineNums, keys)
	}

	logger.Info("run complete",
		zap.Int("lines", res.Lines),
		zap.Int("batches", res.Batches),
		zap.Int("delivered", res.Delivered),
		zap.Int("rejected", len(res.Rejected)),
		zap.Int("failedBatches", len(res.Failures)),
		zap.Duration("took", time.Since(start)))

	if readErr != nil {
		return res, errors.Wrap(readErr, "reading input")
	}
	return res, nil
}

func (p *Pipeline) flush(ctx context.Context, logger *zap.Logger, res *RunResult, batch [][]byte, lineNums []int, keys HashKeySource) {
	n := res.Batches
	res.Batches++

	wr := p.writer.WriteRecords(ctx, res.Stream, keys, batch...)
	res.Delivered += wr.Delivered
	logger.Debug("batch written",
		zap.Int("batch", n),
		zap.Int("records", wr.Records),
		zap.Int("delivered", wr.Delivered))

	for _, ge := range wr.Failures() {
		f := &BatchFailure{
			Batch:     n,
			FirstLine: lineNums[ge.Offset],
			Lines:     make([]int, len(ge.Undelivered)),
			Err:       ge,
		}
		for i, idx := range ge.Undelivered {
			f.Lines[i] = lineNums[idx]
		}
		res.Failures = append(res.Failures, f)
		p.record(ctx, logger, res, f)
	}
}

func (p *Pipeline) record(ctx context.Context, logger *zap.Logger, res *RunResult, f *BatchFailure) {
	p.reporter.Report(f, map[string]string{
		"run":    res.RunID,
		"stream": res.Stream,
		"source": res.Source,
		"batch":  strconv.Itoa(f.Batch),
	})

	if p.ledger == nil {
		return
	}
	err := p.ledger.RecordFailure(context.WithoutCancel(ctx), LedgerEntry{
		RunID:     res.RunID,
		Stream:    res.Stream,
		Source:    res.Source,
		Batch:     f.Batch,
		Group:     f.Err.Group,
		FirstLine: f.FirstLine,
		Records:   len(f.Lines),
		Lines:     f.Lines,
		Error:     f.Err.Error(),
	})
	if err != nil {
		logger.Error("failed to record failure in ledger", zap.Int("batch", f.Batch), zap.Error(err))
	}
}

// Where a run gets its hash keys from.
const (
	HashKeysFromStream = "stream"
	HashKeysFromTable  = "table"
)

// HashKeyResolver finds the hash keys of a stream's open shards, either by
// listing the stream or from a topology table.
type HashKeyResolver struct {
	Directory *ShardDirectory
	Store     *TopologyStore
	Logger    *zap.Logger
}

// Resolve returns the hash keys of streamName. With HashKeysFromTable the
// stored topology is used, falling back to listing the stream when the table
// holds no rows for it.
func (r *HashKeyResolver) Resolve(ctx context.Context, from, streamName string) ([]string, error) {
	logger := r.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	switch from {
	case HashKeysFromTable:
		if r.Store == nil {
			return nil, errors.New("no topology table configured")
		}
		keys, err := r.Store.LoadHashKeys(ctx, streamName)
		if err != nil {
			return nil, err
		}
		if len(keys) > 0 || r.Directory == nil {
			logger.Info("hash keys loaded from table",
				zap.String("stream", streamName),
				zap.String("table", r.Store.Table()),
				zap.Int("keys", len(keys)))
			return keys, nil
		}
		logger.Warn("no stored topology, listing the stream", zap.String("stream", streamName))
		fallthrough
	case "", HashKeysFromStream:
		if r.Directory == nil {
			return nil, errors.New("no shard directory configured")
		}
		return r.Directory.ListOpenShardHashKeys(ctx, streamName)
	default:
		return nil, errors.Errorf("unknown hash key source %q", from)
	}
}
