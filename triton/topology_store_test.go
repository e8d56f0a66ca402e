package triton

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/kinesis"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRows(stream string, n int) []TopologyRow {
	rows := make([]TopologyRow, n)
	for i := range rows {
		rows[i] = TopologyRow{
			ShardID:         fmt.Sprintf("shardId-%012d-%s", i, stream),
			StreamName:      stream,
			StartingHashKey: fmt.Sprintf("%d", i*1000),
			EndingHashKey:   fmt.Sprintf("%d", i*1000+999),
		}
	}
	return rows
}

func TestRowsFromShards(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.FixedZone("PST", -8*3600))
	rows := RowsFromShards([]Shard{{
		ShardID:         "shardId-000000000001",
		StreamName:      "clicks",
		StartingHashKey: "100",
		EndingHashKey:   "199",
	}}, at)

	require.Len(t, rows, 1)
	assert.Equal(t, TopologyRow{
		ShardID:         "shardId-000000000001-clicks",
		StreamName:      "clicks",
		StartingHashKey: "100",
		EndingHashKey:   "199",
		SnapshotAt:      "2024-03-01T20:00:00Z",
	}, rows[0])

	rows = RowsFromShards([]Shard{{ShardID: "a", StreamName: "s"}}, time.Time{})
	assert.Empty(t, rows[0].SnapshotAt)
}

func TestSaveTopologyChunks(t *testing.T) {
	svc := newTestDynamoDBService()
	svc.unprocessed = func(n int, reqs []*dynamodb.WriteRequest) []*dynamodb.WriteRequest {
		if n == 0 {
			return reqs[3:5]
		}
		return nil
	}
	store := NewTopologyStore(svc, "kinesis_hash_keys", withSleep(noSleep))

	res := store.SaveTopology(context.Background(), testRows("clicks", 60))
	assert.Empty(t, res.Failures)
	assert.Equal(t, 60, res.Rows)
	assert.Equal(t, 60, res.Saved)

	var sizes []int
	for _, c := range svc.batchCalls {
		sizes = append(sizes, len(c))
	}
	// The two unprocessed items go out on their own, before the next chunk.
	assert.Equal(t, []int{25, 2, 25, 10}, sizes)
	assert.Len(t, svc.tables["kinesis_hash_keys"], 60)

	resubmitted := requestShardIDs(svc.batchCalls[1])
	assert.Equal(t, []string{"shardId-000000000003-clicks", "shardId-000000000004-clicks"}, resubmitted)
}

func TestSaveTopologyItems(t *testing.T) {
	svc := newTestDynamoDBService()
	store := NewTopologyStore(svc, "tbl")

	store.SaveTopology(context.Background(), []TopologyRow{{
		ShardID:         "shardId-1-s",
		StreamName:      "s",
		StartingHashKey: "0",
		EndingHashKey:   "9",
	}})

	require.Len(t, svc.tables["tbl"], 1)
	item := svc.tables["tbl"][0]
	assert.Equal(t, "shardId-1-s", aws.StringValue(item["shard_id"].S))
	assert.Equal(t, "s", aws.StringValue(item["stream_name"].S))
	assert.Equal(t, "0", aws.StringValue(item["starting_hash_key"].S))
	assert.Equal(t, "9", aws.StringValue(item["ending_hash_key"].S))
	_, ok := item["snapshot_at"]
	assert.False(t, ok)
}

func TestSaveTopologyUnprocessedExhausted(t *testing.T) {
	svc := newTestDynamoDBService()
	svc.unprocessed = func(n int, reqs []*dynamodb.WriteRequest) []*dynamodb.WriteRequest {
		// The first item of the first chunk never sticks.
		if aws.StringValue(reqs[0].PutRequest.Item["shard_id"].S) == "shardId-000000000000-s" {
			return reqs[:1]
		}
		return nil
	}
	store := NewTopologyStore(svc, "tbl",
		WithRetryPolicy(RetryPolicy{Backoff: time.Millisecond, MaxRetries: 3}),
		withSleep(noSleep))

	res := store.SaveTopology(context.Background(), testRows("s", 30))
	assert.Equal(t, 29, res.Saved)
	require.Len(t, res.Failures, 1)
	ce := res.Failures[0]
	assert.Equal(t, 0, ce.Chunk)
	assert.Equal(t, []string{"shardId-000000000000-s"}, ce.ShardIDs)
	assert.True(t, errors.Is(ce, ErrBatchDeliveryExhausted))

	// First write, three resubmissions, then the second chunk.
	assert.Len(t, svc.batchCalls, 5)
}

func TestSaveTopologyChunkFailureContinues(t *testing.T) {
	svc := newTestDynamoDBService()
	svc.batchErr = awserr.New(dynamodb.ErrCodeResourceNotFoundException, "no table", nil)
	store := NewTopologyStore(svc, "tbl")

	res := store.SaveTopology(context.Background(), testRows("s", 30))
	assert.Equal(t, 0, res.Saved)
	require.Len(t, res.Failures, 2)
	assert.Len(t, res.Failures[0].ShardIDs, 25)
	assert.Equal(t, 25, res.Failures[1].Offset)
	assert.Len(t, res.Failures[1].ShardIDs, 5)
	assert.Len(t, svc.batchCalls, 2)
}

func TestLoadTopology(t *testing.T) {
	svc := newTestDynamoDBService()
	svc.scanPageSize = 7
	store := NewTopologyStore(svc, "tbl")

	rows := testRows("clicks", 10)
	rows = append(rows, testRows("views", 5)...)
	rows = append(rows, testRows("clicks", 20)[10:]...)
	res := store.SaveTopology(context.Background(), rows)
	require.Empty(t, res.Failures)

	keys, err := store.LoadHashKeys(context.Background(), "clicks")
	require.NoError(t, err)
	require.Len(t, keys, 20)
	for i, k := range keys {
		assert.Equal(t, fmt.Sprintf("%d", i*1000), k)
	}

	// 25 items over pages of 7.
	require.Len(t, svc.scanCalls, 4)
	assert.Nil(t, svc.scanCalls[0].ExclusiveStartKey)
	wantStart := []string{"shardId-000000000006-clicks", "shardId-000000000003-views", "shardId-000000000015-clicks"}
	for i, want := range wantStart {
		assert.Equal(t, want, aws.StringValue(svc.scanCalls[i+1].ExclusiveStartKey["shard_id"].S), "scan %d", i+1)
	}
	assert.Equal(t, int64(scanPageSize), aws.Int64Value(svc.scanCalls[0].Limit))

	loaded, err := store.LoadTopology(context.Background(), "views")
	require.NoError(t, err)
	assert.Equal(t, testRows("views", 5), loaded)
}

func TestLoadTopologyEmpty(t *testing.T) {
	store := NewTopologyStore(newTestDynamoDBService(), "tbl")

	keys, err := store.LoadHashKeys(context.Background(), "nothing")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestLoadTopologyFailure(t *testing.T) {
	svc := newTestDynamoDBService()
	svc.scanErr = awserr.New(dynamodb.ErrCodeResourceNotFoundException, "no table", nil)

	_, err := NewTopologyStore(svc, "tbl").LoadHashKeys(context.Background(), "s")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTopologyReadFailed))
	assert.Contains(t, err.Error(), "no table")

	var re *TopologyReadError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, "tbl", re.Table)
	assert.Equal(t, 0, re.Page)
	var awsErr awserr.Error
	assert.True(t, errors.As(err, &awsErr))
}

func TestBootstrap(t *testing.T) {
	ksvc := newTestKinesisService(
		shardPage(0, 2, newTestShard("shardId-0", "0", false), newTestShard("shardId-1", "5", true)),
		shardPage(1, 2, newTestShard("shardId-2", "7", false)),
	)
	dsvc := newTestDynamoDBService()
	store := NewTopologyStore(dsvc, "tbl")
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	res, err := Bootstrap(context.Background(), NewShardDirectory(ksvc), store, "clicks", now)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Saved)

	loaded, err := store.LoadTopology(context.Background(), "clicks")
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, "shardId-2-clicks", loaded[1].ShardID)
	assert.Equal(t, "7", loaded[1].StartingHashKey)
	assert.Equal(t, "2024-01-02T03:04:05Z", loaded[1].SnapshotAt)
}

func TestBootstrapListingFails(t *testing.T) {
	ksvc := newTestKinesisService()
	ksvc.listErr = awserr.New(kinesis.ErrCodeLimitExceededException, "slow down", nil)
	dsvc := newTestDynamoDBService()

	_, err := Bootstrap(context.Background(), NewShardDirectory(ksvc), NewTopologyStore(dsvc, "tbl"), "s", time.Now())
	assert.True(t, errors.Is(err, ErrTopologyUnavailable))
	assert.Empty(t, dsvc.batchCalls)
}
