package triton

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/kinesis"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRecords(n int) [][]byte {
	records := make([][]byte, n)
	for i := range records {
		records[i] = []byte(fmt.Sprintf("record-%d", i))
	}
	return records
}

func testCycle(t *testing.T, keys ...string) *HashKeyCycle {
	c, err := NewHashKeyCycle(keys)
	require.NoError(t, err)
	return c
}

func noSleep(time.Duration) {}

func TestWriteRecordsGroups(t *testing.T) {
	svc := newTestKinesisService()
	bw := NewBatchWriter(svc, withSleep(noSleep))

	res := bw.WriteRecords(context.Background(), "test-stream", testCycle(t, "k1", "k2", "k3"), testRecords(1203)...)
	assert.Empty(t, res.Failures())
	assert.Equal(t, 1203, res.Records)
	assert.Equal(t, 1203, res.Delivered)
	require.Len(t, res.Groups, 3)

	keys := svc.batchKeys()
	require.Len(t, keys, 3)
	assert.Len(t, keys[0], 500)
	assert.Len(t, keys[1], 500)
	assert.Len(t, keys[2], 203)
	assert.Equal(t, 1000, res.Groups[2].Offset)

	// The cycle continues across group boundaries.
	want := []string{"k1", "k2", "k3"}
	i := 0
	for _, group := range keys {
		for _, k := range group {
			require.Equal(t, want[i%3], k, "record %d", i)
			i++
		}
	}

	for _, in := range svc.putRecordsCalls {
		assert.Equal(t, "test-stream", aws.StringValue(in.StreamName))
		assert.Equal(t, explicitHashKeyPartition, aws.StringValue(in.Records[0].PartitionKey))
	}
}

func TestWriteRecordsEmpty(t *testing.T) {
	svc := newTestKinesisService()
	cycle := testCycle(t, "k1", "k2")

	res := NewBatchWriter(svc).WriteRecords(context.Background(), "s", cycle)
	assert.Empty(t, res.Groups)
	assert.Empty(t, svc.putRecordsCalls)
	assert.Equal(t, 0, cycle.Position())
}

func TestWriteRecordsSmallBatchSize(t *testing.T) {
	svc := newTestKinesisService()
	bw := NewBatchWriter(svc, WithBatchSize(2))

	res := bw.WriteRecords(context.Background(), "s", testCycle(t, "k1"), testRecords(5)...)
	assert.Len(t, res.Groups, 3)
	assert.Len(t, svc.putRecordsCalls, 3)
	assert.Equal(t, 5, res.Delivered)
}

func TestWriteRecordsRetriesRejected(t *testing.T) {
	svc := newTestKinesisService()
	svc.putRecords = func(n int, in *kinesis.PutRecordsInput) (*kinesis.PutRecordsOutput, error) {
		if n == 0 {
			return rejectAt(in, kinesis.ErrCodeProvisionedThroughputExceededException, 2, 5), nil
		}
		return acceptAll(in), nil
	}

	var waits []time.Duration
	bw := NewBatchWriter(svc,
		WithRetryPolicy(RetryPolicy{Backoff: 100 * time.Millisecond}),
		withSleep(func(d time.Duration) { waits = append(waits, d) }))

	records := testRecords(8)
	res := bw.WriteRecords(context.Background(), "s", testCycle(t, "k1", "k2", "k3", "k4"), records...)
	assert.Empty(t, res.Failures())
	assert.Equal(t, 8, res.Delivered)
	assert.Equal(t, 2, res.Groups[0].Attempts)
	assert.Equal(t, []time.Duration{100 * time.Millisecond}, waits)

	require.Len(t, svc.putRecordsCalls, 2)
	retry := svc.putRecordsCalls[1].Records
	require.Len(t, retry, 2)

	// Resubmitted records keep their payload and their first hash key.
	assert.Equal(t, records[2], retry[0].Data)
	assert.Equal(t, "k3", aws.StringValue(retry[0].ExplicitHashKey))
	assert.Equal(t, records[5], retry[1].Data)
	assert.Equal(t, "k2", aws.StringValue(retry[1].ExplicitHashKey))
}

func TestWriteRecordsRetryShrinks(t *testing.T) {
	svc := newTestKinesisService()
	svc.putRecords = func(n int, in *kinesis.PutRecordsInput) (*kinesis.PutRecordsOutput, error) {
		switch n {
		case 0:
			return rejectAt(in, kinesis.ErrCodeProvisionedThroughputExceededException, 0, 1, 2), nil
		case 1:
			return rejectAt(in, "InternalFailure", 1), nil
		default:
			return acceptAll(in), nil
		}
	}
	bw := NewBatchWriter(svc, withSleep(noSleep))

	records := testRecords(4)
	res := bw.WriteRecords(context.Background(), "s", testCycle(t, "k1", "k2", "k3", "k4"), records...)
	assert.Empty(t, res.Failures())
	assert.Equal(t, 3, res.Groups[0].Attempts)

	require.Len(t, svc.putRecordsCalls, 3)
	assert.Len(t, svc.putRecordsCalls[1].Records, 3)
	last := svc.putRecordsCalls[2].Records
	require.Len(t, last, 1)
	assert.Equal(t, records[1], last[0].Data)
	assert.Equal(t, "k2", aws.StringValue(last[0].ExplicitHashKey))

	for i, r := range records {
		assert.Contains(t, svc.stored[fmt.Sprintf("k%d", i+1)], r)
	}
}

func TestWriteRecordsExhausted(t *testing.T) {
	svc := newTestKinesisService()
	svc.putRecords = func(n int, in *kinesis.PutRecordsInput) (*kinesis.PutRecordsOutput, error) {
		switch n {
		case 0:
			return rejectAt(in, kinesis.ErrCodeProvisionedThroughputExceededException, 0, 3), nil
		case 1, 2:
			return rejectAt(in, kinesis.ErrCodeProvisionedThroughputExceededException, len(in.Records)-1), nil
		default:
			return acceptAll(in), nil
		}
	}
	bw := NewBatchWriter(svc,
		WithBatchSize(4),
		WithRetryPolicy(RetryPolicy{Backoff: time.Millisecond, MaxRetries: 2}),
		withSleep(noSleep))

	res := bw.WriteRecords(context.Background(), "s", testCycle(t, "k1"), testRecords(6)...)
	require.Len(t, res.Groups, 2)

	// Three attempts: the first, then two retries.
	assert.Len(t, svc.putRecordsCalls, 4)
	failures := res.Failures()
	require.Len(t, failures, 1)
	ge := failures[0]
	assert.Equal(t, 0, ge.Group)
	assert.Equal(t, 3, ge.Attempts)
	assert.Equal(t, []int{3}, ge.Undelivered)
	assert.True(t, errors.Is(ge, ErrBatchDeliveryExhausted))

	assert.Nil(t, res.Groups[1].Err)
	assert.Equal(t, 5, res.Delivered)
}

func TestWriteRecordsTransportErrorContinues(t *testing.T) {
	svc := newTestKinesisService()
	svc.putRecords = func(n int, in *kinesis.PutRecordsInput) (*kinesis.PutRecordsOutput, error) {
		if n == 0 {
			return nil, awserr.New("ServiceUnavailable", "try later", nil)
		}
		return acceptAll(in), nil
	}
	metrics := NewMetrics(prometheus.NewRegistry())
	bw := NewBatchWriter(svc, WithBatchSize(3), WithMetrics(metrics), withSleep(noSleep))

	res := bw.WriteRecords(context.Background(), "s", testCycle(t, "k1", "k2"), testRecords(5)...)
	require.Len(t, res.Failures(), 1)
	ge := res.Failures()[0]
	assert.Equal(t, []int{0, 1, 2}, ge.Undelivered)
	assert.Equal(t, 1, ge.Attempts)
	assert.Contains(t, ge.Error(), "try later")

	assert.Equal(t, 2, res.Delivered)
	assert.Len(t, svc.putRecordsCalls, 2)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.GroupFailures.WithLabelValues("s", reasonTransport)))
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.RecordsDelivered.WithLabelValues("s")))
}

func TestWriteRecordsMismatchedResult(t *testing.T) {
	svc := newTestKinesisService()
	svc.putRecords = func(n int, in *kinesis.PutRecordsInput) (*kinesis.PutRecordsOutput, error) {
		out := acceptAll(in)
		out.Records = out.Records[1:]
		return out, nil
	}

	res := NewBatchWriter(svc).WriteRecords(context.Background(), "s", testCycle(t, "k1"), testRecords(3)...)
	require.Len(t, res.Failures(), 1)
	assert.Equal(t, 0, res.Delivered)
}

func TestWriteRecordsCancelled(t *testing.T) {
	svc := newTestKinesisService()
	ctx, cancel := context.WithCancel(context.Background())
	svc.putRecords = func(n int, in *kinesis.PutRecordsInput) (*kinesis.PutRecordsOutput, error) {
		cancel()
		return acceptAll(in), nil
	}
	cycle := testCycle(t, "k1", "k2", "k3")

	res := NewBatchWriter(svc, WithBatchSize(2)).WriteRecords(ctx, "s", cycle, testRecords(5)...)

	// The first group finishes, the rest are never started.
	assert.Len(t, svc.putRecordsCalls, 1)
	assert.Equal(t, 2, res.Delivered)
	failures := res.Failures()
	require.Len(t, failures, 2)
	assert.Equal(t, []int{2, 3}, failures[0].Undelivered)
	assert.Equal(t, []int{4}, failures[1].Undelivered)
	assert.True(t, errors.Is(failures[1], context.Canceled))
	assert.Equal(t, 2, cycle.Position())
}

func TestWriteRecordsWorkers(t *testing.T) {
	svc := newTestKinesisService()
	bw := NewBatchWriter(svc, WithBatchSize(10), WithWorkers(4))

	records := testRecords(95)
	res := bw.WriteRecords(context.Background(), "s", testCycle(t, "k1", "k2", "k3", "k4"), records...)
	assert.Empty(t, res.Failures())
	assert.Equal(t, 95, res.Delivered)
	assert.Len(t, svc.putRecordsCalls, 10)

	// Whatever order the groups went out in, record i carries key i mod 4.
	for i, r := range records {
		assert.Contains(t, svc.stored[fmt.Sprintf("k%d", i%4+1)], r)
	}
	for n, g := range res.Groups {
		assert.Equal(t, n, g.Group)
		assert.Equal(t, n*10, g.Offset)
	}
}
