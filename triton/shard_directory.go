package triton

import (
	"context"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/kinesis"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// DefaultMaxShardPages bounds how many ListShards pages a single listing
// follows.
const DefaultMaxShardPages = 10000

// A Shard is one partition of a stream as seen by a single listing. Shards
// are never updated; a re-shard is picked up by listing again.
type Shard struct {
	ShardID         ShardID
	StreamName      string
	StartingHashKey string
	EndingHashKey   string

	// EndingSequenceNumber is set once the shard has been closed by a
	// split or merge.
	EndingSequenceNumber string
}

// Open reports whether the shard still accepts writes.
func (s Shard) Open() bool {
	return s.EndingSequenceNumber == ""
}

func shardFromKinesis(streamName string, ks *kinesis.Shard) Shard {
	s := Shard{
		ShardID:    ShardID(aws.StringValue(ks.ShardId)),
		StreamName: streamName,
	}
	if r := ks.HashKeyRange; r != nil {
		s.StartingHashKey = aws.StringValue(r.StartingHashKey)
		s.EndingHashKey = aws.StringValue(r.EndingHashKey)
	}
	if r := ks.SequenceNumberRange; r != nil {
		s.EndingSequenceNumber = aws.StringValue(r.EndingSequenceNumber)
	}
	return s
}

// ShardDirectory lists the open shards of a stream.
type ShardDirectory struct {
	svc      KinesisService
	maxPages int
	logger   *zap.Logger
}

func NewShardDirectory(svc KinesisService, opts ...Option) *ShardDirectory {
	o := newOptions(opts)
	return &ShardDirectory{
		svc:      svc,
		maxPages: o.maxPages,
		logger:   o.logger,
	}
}

// ListOpenShards follows ListShards pagination to the end and returns the open
// shards in listing order. Any failed page fails the whole listing.
func (d *ShardDirectory) ListOpenShards(ctx context.Context, streamName string) ([]Shard, error) {
	var shards []Shard

	// Kinesis refuses a StreamName alongside a NextToken, so only the first
	// request names the stream.
	input := &kinesis.ListShardsInput{StreamName: aws.String(streamName)}
	closed := 0
	for page := 0; ; page++ {
		if page >= d.maxPages {
			return nil, &TopologyError{
				Stream: streamName,
				Page:   page,
				Err:    errors.Errorf("gave up after %d pages", d.maxPages),
			}
		}

		out, err := d.svc.ListShardsWithContext(ctx, input)
		if err != nil {
			if awsErr, ok := err.(awserr.Error); ok && awsErr.Code() == kinesis.ErrCodeResourceNotFoundException {
				err = errors.Errorf("failed to find stream: %s", awsErr.Message())
			}
			return nil, &TopologyError{Stream: streamName, Page: page, Err: err}
		}

		for _, ks := range out.Shards {
			s := shardFromKinesis(streamName, ks)
			if !s.Open() {
				closed++
				continue
			}
			shards = append(shards, s)
		}

		if aws.StringValue(out.NextToken) == "" {
			d.logger.Debug("listed shards",
				zap.String("stream", streamName),
				zap.Int("pages", page+1),
				zap.Int("open", len(shards)),
				zap.Int("closed", closed))
			return shards, nil
		}
		input = &kinesis.ListShardsInput{NextToken: out.NextToken}
	}
}

// ListOpenShardHashKeys returns the starting hash key of every open shard, in
// listing order.
func (d *ShardDirectory) ListOpenShardHashKeys(ctx context.Context, streamName string) ([]string, error) {
	shards, err := d.ListOpenShards(ctx, streamName)
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(shards))
	for i, s := range shards {
		keys[i] = s.StartingHashKey
	}
	return keys, nil
}
