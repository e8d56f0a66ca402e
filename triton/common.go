package triton

// Some types to make sure our lists of func args don't get confused
type ShardID string

// explicitHashKeyPartition is sent as the partition key on every entry. Kinesis
// requires one, but ignores it when an explicit hash key is present.
const explicitHashKeyPartition = "explicit-hash-key"

// MaxBatchSize is the limit Kinesis has on a PutRecords call
const MaxBatchSize = 500

// MaxWriteItems is the limit DynamoDB has on a BatchWriteItem call
const MaxWriteItems = 25

// MaxRecordSize is the largest payload Kinesis accepts for a single record.
const MaxRecordSize = 1024 * 1024
