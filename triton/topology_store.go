package triton

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodb/expression"
	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// scanPageSize is the Limit of every topology Scan request.
const scanPageSize = 100

// TopologyRow is the stored form of an open shard. ShardID is the Kinesis
// shard id joined with the stream name so rows of different streams can share
// a table.
type TopologyRow struct {
	ShardID         string `dynamodbav:"shard_id"`
	StreamName      string `dynamodbav:"stream_name"`
	StartingHashKey string `dynamodbav:"starting_hash_key"`
	EndingHashKey   string `dynamodbav:"ending_hash_key"`

	// SnapshotAt is when the listing that produced the row ran (RFC 3339).
	SnapshotAt string `dynamodbav:"snapshot_at,omitempty"`
}

// RowsFromShards converts a listing into rows stamped with at.
func RowsFromShards(shards []Shard, at time.Time) []TopologyRow {
	rows := make([]TopologyRow, len(shards))
	for i, s := range shards {
		rows[i] = TopologyRow{
			ShardID:         fmt.Sprintf("%s-%s", s.ShardID, s.StreamName),
			StreamName:      s.StreamName,
			StartingHashKey: s.StartingHashKey,
			EndingHashKey:   s.EndingHashKey,
		}
		if !at.IsZero() {
			rows[i].SnapshotAt = at.UTC().Format(time.RFC3339)
		}
	}
	return rows
}

// TopologyStore keeps shard topology in a DynamoDB table so producers can skip
// listing the stream on every start.
type TopologyStore struct {
	svc     DynamoDBService
	table   string
	policy  RetryPolicy
	logger  *zap.Logger
	metrics *Metrics
	sleep   func(time.Duration)
}

// NewTopologyStore returns a store over table. The retry policy bounds how
// long unprocessed items are resubmitted.
func NewTopologyStore(svc DynamoDBService, table string, opts ...Option) *TopologyStore {
	o := newOptions(opts)
	return &TopologyStore{
		svc:     svc,
		table:   table,
		policy:  o.policy,
		logger:  o.logger,
		metrics: o.metrics,
		sleep:   o.sleep,
	}
}

func (s *TopologyStore) Table() string { return s.table }

// SaveResult reports a SaveTopology call.
type SaveResult struct {
	Rows     int
	Saved    int
	Failures []*ChunkError
}

// SaveTopology writes rows in chunks of MaxWriteItems. Items DynamoDB leaves
// unprocessed are resubmitted, alone, until none remain. A chunk that fails is
// reported and the next chunk is still written.
func (s *TopologyStore) SaveTopology(ctx context.Context, rows []TopologyRow) *SaveResult {
	res := &SaveResult{Rows: len(rows)}
	for chunk, offset := 0, 0; offset < len(rows); chunk, offset = chunk+1, offset+MaxWriteItems {
		end := offset + MaxWriteItems
		if end > len(rows) {
			end = len(rows)
		}

		saved, err := s.saveChunk(ctx, chunk, offset, rows[offset:end])
		res.Saved += saved
		s.metrics.rowsSaved(s.table, saved)
		if err != nil {
			s.metrics.chunkFailure(s.table)
			s.logger.Error("could not insert topology chunk",
				zap.String("table", s.table),
				zap.Int("chunk", chunk),
				zap.Error(err))
			res.Failures = append(res.Failures, err)
		}
	}

	s.logger.Info("shard details saved",
		zap.String("table", s.table),
		zap.Int("rows", res.Rows),
		zap.Int("saved", res.Saved))
	return res
}

func (s *TopologyStore) saveChunk(ctx context.Context, chunk, offset int, rows []TopologyRow) (int, *ChunkError) {
	chunkErr := func(reqs []*dynamodb.WriteRequest, err error) *ChunkError {
		return &ChunkError{Chunk: chunk, Offset: offset, ShardIDs: requestShardIDs(reqs), Err: err}
	}

	reqs := make([]*dynamodb.WriteRequest, 0, len(rows))
	for _, r := range rows {
		item, err := dynamodbattribute.MarshalMap(r)
		if err != nil {
			return 0, &ChunkError{
				Chunk:    chunk,
				Offset:   offset,
				ShardIDs: rowShardIDs(rows),
				Err:      errors.Wrapf(err, "encoding row %s", r.ShardID),
			}
		}
		reqs = append(reqs, &dynamodb.WriteRequest{PutRequest: &dynamodb.PutRequest{Item: item}})
	}

	b := s.policy.newBackOff()
	saved := 0
	pending := reqs
	for {
		out, err := s.svc.BatchWriteItemWithContext(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems:           map[string][]*dynamodb.WriteRequest{s.table: pending},
			ReturnConsumedCapacity: aws.String(dynamodb.ReturnConsumedCapacityTotal),
		})
		if err != nil {
			return saved, chunkErr(pending, errors.Wrap(err, "batch write"))
		}

		unprocessed := out.UnprocessedItems[s.table]
		saved += len(pending) - len(unprocessed)
		if len(unprocessed) == 0 {
			return saved, nil
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return saved, chunkErr(unprocessed,
				errors.Wrapf(ErrBatchDeliveryExhausted, "%d items left unprocessed", len(unprocessed)))
		}
		s.logger.Debug("resubmitting unprocessed items",
			zap.String("table", s.table),
			zap.Int("chunk", chunk),
			zap.Int("unprocessed", len(unprocessed)))
		s.sleep(wait)
		pending = unprocessed
	}
}

func requestShardIDs(reqs []*dynamodb.WriteRequest) []string {
	ids := make([]string, 0, len(reqs))
	for _, r := range reqs {
		if r.PutRequest == nil {
			continue
		}
		if v, ok := r.PutRequest.Item["shard_id"]; ok && v.S != nil {
			ids = append(ids, *v.S)
		}
	}
	return ids
}

func rowShardIDs(rows []TopologyRow) []string {
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.ShardID
	}
	return ids
}

// LoadTopology scans the table for the rows of streamName, in scan order.
// Failures are returned as a *TopologyReadError.
func (s *TopologyStore) LoadTopology(ctx context.Context, streamName string) ([]TopologyRow, error) {
	expr, err := expression.NewBuilder().
		WithFilter(expression.Name("stream_name").Equal(expression.Value(streamName))).
		Build()
	if err != nil {
		return nil, &TopologyReadError{Table: s.table, Err: errors.Wrap(err, "building filter")}
	}

	var rows []TopologyRow
	var startKey map[string]*dynamodb.AttributeValue
	page := 0
	for ; ; page++ {
		out, err := s.svc.ScanWithContext(ctx, &dynamodb.ScanInput{
			TableName:                 aws.String(s.table),
			Limit:                     aws.Int64(scanPageSize),
			FilterExpression:          expr.Filter(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
			ExclusiveStartKey:         startKey,
		})
		if err != nil {
			return nil, &TopologyReadError{Table: s.table, Page: page, Err: errors.Wrap(err, "scan")}
		}

		var pageRows []TopologyRow
		if err := dynamodbattribute.UnmarshalListOfMaps(out.Items, &pageRows); err != nil {
			return nil, &TopologyReadError{Table: s.table, Page: page, Err: errors.Wrap(err, "decoding rows")}
		}
		rows = append(rows, pageRows...)

		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		startKey = out.LastEvaluatedKey
	}

	s.logger.Debug("scanned topology",
		zap.String("table", s.table),
		zap.String("stream", streamName),
		zap.Int("scans", page+1),
		zap.Int("rows", len(rows)))
	return rows, nil
}

// LoadHashKeys returns the starting hash key of every stored row of
// streamName, in scan order.
func (s *TopologyStore) LoadHashKeys(ctx context.Context, streamName string) ([]string, error) {
	rows, err := s.LoadTopology(ctx, streamName)
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(rows))
	for i, r := range rows {
		keys[i] = r.StartingHashKey
	}
	return keys, nil
}

// Bootstrap lists the open shards of streamName and saves them to store.
func Bootstrap(ctx context.Context, dir *ShardDirectory, store *TopologyStore, streamName string, now time.Time) (*SaveResult, error) {
	shards, err := dir.ListOpenShards(ctx, streamName)
	if err != nil {
		return nil, err
	}
	return store.SaveTopology(ctx, RowsFromShards(shards, now)), nil
}
