// Package triton provides an opinionated interface for producing to Kinesis.
//
// Records are spread over every open shard of a stream by giving each one an
// explicit hash key taken round robin from the shards' starting hash keys,
// instead of hashing a partition key out of the payload.
package triton

import "github.com/tinylib/msgp/msgp"

// Record is the structured form of a triton payload.
type Record map[string]interface{}

func MarshalRecord(r Record) ([]byte, error) {
	return msgp.AppendMapStrIntf([]byte{}, r)
}

func UnmarshalRecord(data []byte) (Record, error) {
	r, _, err := msgp.ReadMapStrIntfBytes(data, nil)
	return r, err
}
