package triton

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/kinesis"
	"go.uber.org/zap"
)

// Writer puts single records to Kinesis with PutRecord.
//
// Unlike BatchWriter it retries at most once, and only when the first attempt
// was throttled.
type Writer struct {
	svc     KinesisService
	backoff time.Duration
	logger  *zap.Logger
	metrics *Metrics
	sleep   func(time.Duration)
}

// NewWriter returns a Writer. The wait before the retry is the Backoff of the
// retry policy; its ceilings are ignored.
func NewWriter(svc KinesisService, opts ...Option) *Writer {
	o := newOptions(opts)
	return &Writer{
		svc:     svc,
		backoff: o.policy.interval(),
		logger:  o.logger,
		metrics: o.metrics,
		sleep:   o.sleep,
	}
}

func isThrottle(err error) bool {
	if awsErr, ok := err.(awserr.Error); ok {
		switch awsErr.Code() {
		case kinesis.ErrCodeProvisionedThroughputExceededException, kinesis.ErrCodeKMSThrottlingException:
			return true
		}
	}
	return false
}

// WriteRecord puts data to streamName using the next key from keys. The
// returned error, if any, is a *RecordError wrapping ErrDeliveryFailed or
// ErrDeliveryFailedAfterRetry.
func (w *Writer) WriteRecord(ctx context.Context, streamName string, keys HashKeySource, data []byte) error {
	hashKey := keys.Next()
	input := &kinesis.PutRecordInput{
		StreamName:      aws.String(streamName),
		Data:            data,
		PartitionKey:    aws.String(explicitHashKeyPartition),
		ExplicitHashKey: aws.String(hashKey),
	}

	recordErr := func(attempts int, sentinel, cause error) error {
		reason := reasonTransport
		if sentinel == ErrDeliveryFailedAfterRetry {
			reason = reasonThrottled
		}
		w.metrics.groupFailure(streamName, reason)
		return &RecordError{
			Stream:   streamName,
			HashKey:  hashKey,
			Attempts: attempts,
			Err:      sentinel,
			Cause:    cause,
		}
	}

	w.metrics.putCall(streamName, "PutRecord")
	out, err := w.svc.PutRecordWithContext(ctx, input)
	if err == nil {
		w.delivered(streamName, hashKey, out)
		return nil
	}
	if !isThrottle(err) {
		return recordErr(1, ErrDeliveryFailed, err)
	}

	w.logger.Warn("throughput exceeded, retrying after a short delay",
		zap.String("stream", streamName),
		zap.String("hashKey", hashKey),
		zap.Duration("wait", w.backoff))
	w.metrics.retried(streamName, 1)
	w.sleep(w.backoff)

	w.metrics.putCall(streamName, "PutRecord")
	out, err = w.svc.PutRecordWithContext(ctx, input)
	switch {
	case err == nil:
		w.delivered(streamName, hashKey, out)
		return nil
	case isThrottle(err):
		return recordErr(2, ErrDeliveryFailedAfterRetry, err)
	default:
		return recordErr(2, ErrDeliveryFailed, err)
	}
}

func (w *Writer) delivered(streamName, hashKey string, out *kinesis.PutRecordOutput) {
	w.metrics.delivered(streamName, 1)
	w.logger.Debug("record delivered",
		zap.String("stream", streamName),
		zap.String("hashKey", hashKey),
		zap.String("shard", aws.StringValue(out.ShardId)),
		zap.String("sequenceNumber", aws.StringValue(out.SequenceNumber)))
}
