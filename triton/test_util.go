// Mock AWS services
package triton

import (
	"bytes"
	"fmt"
	"io/ioutil"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/kinesis"
	"github.com/aws/aws-sdk-go/service/s3"
)

func newTestShard(id, startingHashKey string, closed bool) *kinesis.Shard {
	s := &kinesis.Shard{
		ShardId: aws.String(id),
		HashKeyRange: &kinesis.HashKeyRange{
			StartingHashKey: aws.String(startingHashKey),
			EndingHashKey:   aws.String(startingHashKey + "9"),
		},
		SequenceNumberRange: &kinesis.SequenceNumberRange{
			StartingSequenceNumber: aws.String("1"),
		},
	}
	if closed {
		s.SequenceNumberRange.EndingSequenceNumber = aws.String("99")
	}
	return s
}

// testKinesisService serves scripted ListShards pages and accepts every
// record unless putRecords or putRecord say otherwise.
type testKinesisService struct {
	mu sync.Mutex

	shardPages []*kinesis.ListShardsOutput
	listErr    error
	listCalls  []*kinesis.ListShardsInput

	// putRecords, when set, answers PutRecords call n (counted from 0).
	putRecords      func(n int, in *kinesis.PutRecordsInput) (*kinesis.PutRecordsOutput, error)
	putRecordsCalls []*kinesis.PutRecordsInput

	putRecord      func(n int, in *kinesis.PutRecordInput) (*kinesis.PutRecordOutput, error)
	putRecordCalls []*kinesis.PutRecordInput

	// stored is every accepted payload, by explicit hash key.
	stored map[string][][]byte
}

func newTestKinesisService(pages ...*kinesis.ListShardsOutput) *testKinesisService {
	return &testKinesisService{shardPages: pages, stored: make(map[string][][]byte)}
}

// shardPage builds ListShards page n of total.
func shardPage(n, total int, shards ...*kinesis.Shard) *kinesis.ListShardsOutput {
	out := &kinesis.ListShardsOutput{Shards: shards}
	if n < total-1 {
		out.NextToken = aws.String(fmt.Sprintf("page-%d", n+1))
	}
	return out
}

func (s *testKinesisService) ListShardsWithContext(ctx aws.Context, in *kinesis.ListShardsInput, _ ...request.Option) (*kinesis.ListShardsOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.listCalls)
	s.listCalls = append(s.listCalls, in)
	if s.listErr != nil {
		return nil, s.listErr
	}
	if n >= len(s.shardPages) {
		return nil, awserr.New(kinesis.ErrCodeExpiredNextTokenException, "no such page", nil)
	}
	return s.shardPages[n], nil
}

func acceptAll(in *kinesis.PutRecordsInput) *kinesis.PutRecordsOutput {
	out := &kinesis.PutRecordsOutput{FailedRecordCount: aws.Int64(0)}
	for i := range in.Records {
		out.Records = append(out.Records, &kinesis.PutRecordsResultEntry{
			ShardId:        aws.String("shardId-000000000000"),
			SequenceNumber: aws.String(fmt.Sprintf("%d", i)),
		})
	}
	return out
}

// rejectAt accepts every entry of in except those at positions.
func rejectAt(in *kinesis.PutRecordsInput, code string, positions ...int) *kinesis.PutRecordsOutput {
	out := acceptAll(in)
	for _, p := range positions {
		out.Records[p] = &kinesis.PutRecordsResultEntry{
			ErrorCode:    aws.String(code),
			ErrorMessage: aws.String("Rate exceeded for shard"),
		}
	}
	out.FailedRecordCount = aws.Int64(int64(len(positions)))
	return out
}

func (s *testKinesisService) PutRecordsWithContext(ctx aws.Context, in *kinesis.PutRecordsInput, _ ...request.Option) (*kinesis.PutRecordsOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.putRecordsCalls)
	s.putRecordsCalls = append(s.putRecordsCalls, in)

	out := acceptAll(in)
	if s.putRecords != nil {
		var err error
		if out, err = s.putRecords(n, in); err != nil {
			return nil, err
		}
	}
	for i, r := range out.Records {
		if r.ErrorCode == nil && i < len(in.Records) {
			k := aws.StringValue(in.Records[i].ExplicitHashKey)
			s.stored[k] = append(s.stored[k], in.Records[i].Data)
		}
	}
	return out, nil
}

func (s *testKinesisService) PutRecordWithContext(ctx aws.Context, in *kinesis.PutRecordInput, _ ...request.Option) (*kinesis.PutRecordOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.putRecordCalls)
	s.putRecordCalls = append(s.putRecordCalls, in)
	if s.putRecord != nil {
		if _, err := s.putRecord(n, in); err != nil {
			return nil, err
		}
	}
	k := aws.StringValue(in.ExplicitHashKey)
	s.stored[k] = append(s.stored[k], in.Data)
	return &kinesis.PutRecordOutput{
		ShardId:        aws.String("shardId-000000000000"),
		SequenceNumber: aws.String(fmt.Sprintf("%d", n)),
	}, nil
}

// batchKeys returns the explicit hash keys of every PutRecords call, in call
// order.
func (s *testKinesisService) batchKeys() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([][]string, len(s.putRecordsCalls))
	for i, in := range s.putRecordsCalls {
		for _, r := range in.Records {
			keys[i] = append(keys[i], aws.StringValue(r.ExplicitHashKey))
		}
	}
	return keys
}

// testDynamoDBService is an in memory table store. Items are keyed by
// shard_id and kept in insertion order, which is also the scan order.
type testDynamoDBService struct {
	mu sync.Mutex

	tables map[string][]map[string]*dynamodb.AttributeValue

	// unprocessed, when set, picks the requests of BatchWriteItem call n that
	// are handed back unprocessed.
	unprocessed func(n int, reqs []*dynamodb.WriteRequest) []*dynamodb.WriteRequest
	batchErr    error
	batchCalls  [][]*dynamodb.WriteRequest

	// scanPageSize overrides the requested Limit when positive.
	scanPageSize int
	scanErr      error
	scanCalls    []*dynamodb.ScanInput
}

func newTestDynamoDBService() *testDynamoDBService {
	return &testDynamoDBService{tables: make(map[string][]map[string]*dynamodb.AttributeValue)}
}

func (d *testDynamoDBService) put(table string, item map[string]*dynamodb.AttributeValue) {
	id := aws.StringValue(item["shard_id"].S)
	for i, existing := range d.tables[table] {
		if aws.StringValue(existing["shard_id"].S) == id {
			d.tables[table][i] = item
			return
		}
	}
	d.tables[table] = append(d.tables[table], item)
}

func (d *testDynamoDBService) BatchWriteItemWithContext(ctx aws.Context, in *dynamodb.BatchWriteItemInput, _ ...request.Option) (*dynamodb.BatchWriteItemOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := &dynamodb.BatchWriteItemOutput{UnprocessedItems: map[string][]*dynamodb.WriteRequest{}}
	for table, reqs := range in.RequestItems {
		n := len(d.batchCalls)
		d.batchCalls = append(d.batchCalls, reqs)
		if d.batchErr != nil {
			return nil, d.batchErr
		}

		var left []*dynamodb.WriteRequest
		if d.unprocessed != nil {
			left = d.unprocessed(n, reqs)
		}
		for _, r := range reqs {
			if !containsRequest(left, r) {
				d.put(table, r.PutRequest.Item)
			}
		}
		if len(left) > 0 {
			out.UnprocessedItems[table] = left
		}
	}
	return out, nil
}

func containsRequest(reqs []*dynamodb.WriteRequest, r *dynamodb.WriteRequest) bool {
	for _, x := range reqs {
		if x == r {
			return true
		}
	}
	return false
}

// ScanWithContext understands the single equality filter the topology store
// builds.
func (d *testDynamoDBService) ScanWithContext(ctx aws.Context, in *dynamodb.ScanInput, _ ...request.Option) (*dynamodb.ScanOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.scanCalls = append(d.scanCalls, in)
	if d.scanErr != nil {
		return nil, d.scanErr
	}

	var attr string
	for _, name := range in.ExpressionAttributeNames {
		attr = aws.StringValue(name)
	}
	var want string
	for _, v := range in.ExpressionAttributeValues {
		want = aws.StringValue(v.S)
	}

	items := d.tables[aws.StringValue(in.TableName)]
	start := 0
	if in.ExclusiveStartKey != nil {
		last := aws.StringValue(in.ExclusiveStartKey["shard_id"].S)
		for i, item := range items {
			if aws.StringValue(item["shard_id"].S) == last {
				start = i + 1
				break
			}
		}
	}

	limit := int(aws.Int64Value(in.Limit))
	if d.scanPageSize > 0 {
		limit = d.scanPageSize
	}
	end := len(items)
	if limit > 0 && start+limit < end {
		end = start + limit
	}

	out := &dynamodb.ScanOutput{}
	for _, item := range items[start:end] {
		if attr == "" || aws.StringValue(item[attr].S) == want {
			out.Items = append(out.Items, item)
		}
	}
	out.Count = aws.Int64(int64(len(out.Items)))
	out.ScannedCount = aws.Int64(int64(end - start))
	if end < len(items) {
		out.LastEvaluatedKey = map[string]*dynamodb.AttributeValue{"shard_id": items[end-1]["shard_id"]}
	}
	return out, nil
}

type testS3Object struct {
	content     []byte
	contentType string
}

// testS3Service holds objects by bucket/key.
type testS3Service struct {
	objects map[string]testS3Object
}

func newTestS3Service() *testS3Service {
	return &testS3Service{objects: make(map[string]testS3Object)}
}

func (m *testS3Service) Put(bucket, key, contentType string, value []byte) {
	m.objects[bucket+"/"+key] = testS3Object{content: value, contentType: contentType}
}

func (m *testS3Service) GetObjectWithContext(ctx aws.Context, in *s3.GetObjectInput, _ ...request.Option) (*s3.GetObjectOutput, error) {
	obj, ok := m.objects[aws.StringValue(in.Bucket)+"/"+aws.StringValue(in.Key)]
	if !ok {
		return nil, awserr.New(s3.ErrCodeNoSuchKey, "The specified key does not exist.", nil)
	}
	out := &s3.GetObjectOutput{Body: ioutil.NopCloser(bytes.NewReader(obj.content))}
	if obj.contentType != "" {
		out.ContentType = aws.String(obj.contentType)
	}
	return out, nil
}
