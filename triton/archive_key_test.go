package triton

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArchiveKeyPathCodec(t *testing.T) {
	aTime := time.Unix(1456790400, 0).UTC()
	archiveKey := ArchiveKey{Time: aTime, Stream: "a", Client: "b"}
	assert.Equal(t, "20160301/a-b-1456790400.tri", archiveKey.Path())

	archiveKey2, err := DecodeArchiveKey(archiveKey.Path())
	require.NoError(t, err)
	assert.Equal(t, archiveKey, archiveKey2)
}

func TestDecodeArchiveKey(t *testing.T) {
	a, err := DecodeArchiveKey("s3-prefix/archives/20160301/courier_location-1456790400.tri")
	require.NoError(t, err)
	assert.Equal(t, "courier_location", a.Stream)
	assert.Empty(t, a.Client)
	assert.Equal(t, int64(1456790400), a.Time.Unix())

	for _, bad := range []string{"a-b-1.txt", "2016/a-1.tri", "20160301/a-b-c-1.tri", "a-1.tri"} {
		_, err := DecodeArchiveKey(bad)
		assert.Error(t, err, bad)
	}
}

func TestIsArchive(t *testing.T) {
	assert.True(t, IsArchive("20160301/a-1.tri"))
	assert.False(t, IsArchive("data.txt.sz"))
}
