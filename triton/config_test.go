package triton

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testConfig = `
clicks:
  name: clicks_v2
  region: us-west-1
  topology_table: kinesis_hash_keys
  codec: msgpack
  batch_size: 250
  workers: 4
  retry:
    backoff: 250ms
    max_retries: 5
    max_elapsed: 30s
minimal:
  name: minimal_stream
bad_codec:
  name: x
  codec: avro
`

func TestNewConfigFromFile(t *testing.T) {
	c, err := NewConfigFromFile(bytes.NewBufferString(testConfig))
	require.NoError(t, err)

	s, err := c.ConfigForName("clicks")
	require.NoError(t, err)
	assert.Equal(t, "clicks_v2", s.StreamName)
	assert.Equal(t, "us-west-1", s.RegionName)
	assert.Equal(t, "kinesis_hash_keys", s.TopologyTable)
	assert.Equal(t, HashKeysFromTable, s.HashKeysFrom)
	assert.Equal(t, "msgpack", s.Codec)
	assert.Equal(t, 250, s.BatchSize)
	assert.Equal(t, 4, s.Workers)
	assert.Equal(t, RetryPolicy{
		Backoff:    250 * time.Millisecond,
		MaxRetries: 5,
		MaxElapsed: 30 * time.Second,
	}, s.Retry)

	opts, err := s.Options()
	require.NoError(t, err)
	o := newOptions(opts)
	assert.Equal(t, 250, o.batchSize)
	assert.Equal(t, 4, o.workers)
	assert.Equal(t, MsgpackCodec{}, o.codec)
}

func TestConfigDefaults(t *testing.T) {
	c, err := NewConfigFromFile(bytes.NewBufferString(testConfig))
	require.NoError(t, err)

	s, err := c.ConfigForName("minimal")
	require.NoError(t, err)
	assert.Equal(t, HashKeysFromStream, s.HashKeysFrom)
	assert.Equal(t, "raw", s.Codec)
	assert.Equal(t, MaxBatchSize, s.BatchSize)
	assert.Equal(t, 1, s.Workers)
	assert.Equal(t, DefaultRetryPolicy(), s.Retry)
}

func TestConfigInvalid(t *testing.T) {
	c, err := NewConfigFromFile(bytes.NewBufferString(testConfig))
	require.NoError(t, err)

	_, err = c.ConfigForName("bad_codec")
	assert.Error(t, err)

	for _, sc := range []StreamConfig{
		{},
		{StreamName: "s", BatchSize: 501, Workers: 1, HashKeysFrom: HashKeysFromStream},
		{StreamName: "s", BatchSize: 1, Workers: 0, HashKeysFrom: HashKeysFromStream},
		{StreamName: "s", BatchSize: 1, Workers: 1, HashKeysFrom: HashKeysFromTable},
		{StreamName: "s", BatchSize: 1, Workers: 1, HashKeysFrom: "guess"},
	} {
		assert.Error(t, sc.Validate(), "%+v", sc)
	}
}

func TestMissingStream(t *testing.T) {
	c := Config{}
	_, err := c.ConfigForName("foo")
	assert.Error(t, err)
}
