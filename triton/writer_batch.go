package triton

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/kinesis"
	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// BatchWriter writes records to Kinesis with PutRecords, pinning every record
// to a shard with an explicit hash key.
//
// PutRecords is not atomic: it can accept some records of a call and reject
// others (throttling, internal failures). Rejected records are resubmitted,
// and only those, with the hash key they were first given, until the call
// comes back clean or the retry policy gives up.
type BatchWriter struct {
	svc     KinesisService
	size    int
	policy  RetryPolicy
	workers int
	logger  *zap.Logger
	metrics *Metrics
	sleep   func(time.Duration)
}

// NewBatchWriter creates a BatchWriter. Recognized options are WithBatchSize,
// WithRetryPolicy, WithWorkers, WithLogger and WithMetrics.
func NewBatchWriter(svc KinesisService, opts ...Option) *BatchWriter {
	o := newOptions(opts)
	return &BatchWriter{
		svc:     svc,
		size:    o.batchSize,
		policy:  o.policy,
		workers: o.workers,
		logger:  o.logger,
		metrics: o.metrics,
		sleep:   o.sleep,
	}
}

// GroupResult is the outcome of one PutRecords group.
type GroupResult struct {
	Group     int
	Offset    int
	Size      int
	Attempts  int
	Delivered int
	Err       *GroupError
}

// WriteResult reports a WriteRecords call group by group.
type WriteResult struct {
	Stream    string
	Records   int
	Delivered int
	Groups    []GroupResult
}

// Failures returns the errors of the groups that were not fully delivered,
// in group order.
func (r *WriteResult) Failures() []*GroupError {
	var errs []*GroupError
	for _, g := range r.Groups {
		if g.Err != nil {
			errs = append(errs, g.Err)
		}
	}
	return errs
}

type pendingGroup struct {
	index     int
	offset    int
	entries   []*kinesis.PutRecordsRequestEntry
	positions []int
}

// WriteRecords splits records into groups of at most the batch size and
// writes them to streamName. Each record takes the next key from keys, in
// record order, before its group is sent.
//
// Delivery is not atomic across groups. A group whose call fails outright or
// whose retries run out is reported in the result and the remaining groups
// are still attempted. Once ctx is done no further groups are started; a
// group already in flight runs to completion.
func (bw *BatchWriter) WriteRecords(ctx context.Context, streamName string, keys HashKeySource, records ...[]byte) *WriteResult {
	numGroups := (len(records) + bw.size - 1) / bw.size
	res := &WriteResult{
		Stream:  streamName,
		Records: len(records),
		Groups:  make([]GroupResult, numGroups),
	}

	// Keys are handed out here, on the calling goroutine, so the round robin
	// order holds no matter how many workers send groups. A worker slot is
	// taken before ctx is checked, so with one worker a group only starts
	// after the previous one is done.
	var eg errgroup.Group
	slots := make(chan struct{}, bw.workers)
	for n := 0; n < numGroups; n++ {
		offset := n * bw.size
		end := offset + bw.size
		if end > len(records) {
			end = len(records)
		}

		slots <- struct{}{}
		if err := ctx.Err(); err != nil {
			<-slots
			res.Groups[n] = abandonedGroup(n, offset, end, err)
			continue
		}

		g := newPendingGroup(n, offset, records[offset:end], keys)
		eg.Go(func() error {
			defer func() { <-slots }()
			res.Groups[g.index] = bw.writeGroup(ctx, streamName, g)
			return nil
		})
	}
	eg.Wait()

	for _, g := range res.Groups {
		res.Delivered += g.Delivered
	}
	return res
}

func newPendingGroup(index, offset int, records [][]byte, keys HashKeySource) *pendingGroup {
	g := &pendingGroup{
		index:     index,
		offset:    offset,
		entries:   make([]*kinesis.PutRecordsRequestEntry, len(records)),
		positions: make([]int, len(records)),
	}
	for i, data := range records {
		g.entries[i] = &kinesis.PutRecordsRequestEntry{
			Data:            data,
			PartitionKey:    aws.String(explicitHashKeyPartition),
			ExplicitHashKey: aws.String(keys.Next()),
		}
		g.positions[i] = offset + i
	}
	return g
}

func abandonedGroup(index, offset, end int, err error) GroupResult {
	undelivered := make([]int, 0, end-offset)
	for i := offset; i < end; i++ {
		undelivered = append(undelivered, i)
	}
	return GroupResult{
		Group:  index,
		Offset: offset,
		Size:   end - offset,
		Err: &GroupError{
			Group:       index,
			Offset:      offset,
			Size:        end - offset,
			Undelivered: undelivered,
			Err:         err,
		},
	}
}

func (bw *BatchWriter) writeGroup(ctx context.Context, streamName string, g *pendingGroup) GroupResult {
	ctx = context.WithoutCancel(ctx)
	b := bw.policy.newBackOff()

	result := GroupResult{Group: g.index, Offset: g.offset, Size: len(g.entries)}
	fail := func(undelivered []int, reason string, err error) GroupResult {
		bw.metrics.groupFailure(streamName, reason)
		bw.logger.Error("giving up on group",
			zap.String("stream", streamName),
			zap.Int("group", g.index),
			zap.Int("undelivered", len(undelivered)),
			zap.Int("attempts", result.Attempts),
			zap.Error(err))
		result.Err = &GroupError{
			Group:       g.index,
			Offset:      g.offset,
			Size:        len(g.entries),
			Attempts:    result.Attempts,
			Undelivered: undelivered,
			Err:         err,
		}
		return result
	}

	entries, positions := g.entries, g.positions
	for {
		result.Attempts++
		bw.metrics.putCall(streamName, "PutRecords")
		out, err := bw.svc.PutRecordsWithContext(ctx, &kinesis.PutRecordsInput{
			StreamName: aws.String(streamName),
			Records:    entries,
		})
		if err == nil && len(out.Records) != len(entries) {
			err = errors.Errorf("PutRecords returned %d results for %d records", len(out.Records), len(entries))
		}
		if err != nil {
			return fail(positions, reasonTransport, errors.Wrap(err, "kinesis batch insert"))
		}

		// The result slots line up with the request entries.
		var failed []*kinesis.PutRecordsRequestEntry
		var failedPositions []int
		var lastCode, lastMessage string
		for i, r := range out.Records {
			if code := aws.StringValue(r.ErrorCode); code != "" {
				failed = append(failed, entries[i])
				failedPositions = append(failedPositions, positions[i])
				lastCode, lastMessage = code, aws.StringValue(r.ErrorMessage)
			}
		}

		delivered := len(entries) - len(failed)
		result.Delivered += delivered
		bw.metrics.delivered(streamName, delivered)
		if len(failed) == 0 {
			bw.logger.Debug("group delivered",
				zap.String("stream", streamName),
				zap.Int("group", g.index),
				zap.Int("records", len(g.entries)),
				zap.Int("attempts", result.Attempts))
			return result
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return fail(failedPositions, reasonExhausted,
				errors.Wrapf(ErrBatchDeliveryExhausted, "last rejection %s: %s", lastCode, lastMessage))
		}

		bw.logger.Warn("scheduling retry of rejected records",
			zap.String("stream", streamName),
			zap.Int("group", g.index),
			zap.Int("rejected", len(failed)),
			zap.String("code", lastCode),
			zap.Duration("wait", wait))
		bw.metrics.retried(streamName, len(failed))
		bw.sleep(wait)
		entries, positions = failed, failedPositions
	}
}
