package triton

import (
	"io"

	"github.com/golang/snappy"
	"github.com/pkg/errors"
	"github.com/tinylib/msgp/msgp"
)

// ArchiveSource is a LineSource over a triton archive: a snappy framed run of
// msgpack maps. Each record comes out msgpack encoded, ready to be sent as is.
type ArchiveSource struct {
	mr  *msgp.Reader
	buf []byte
	err error
}

// NewArchiveSource reads an archive from r. r must be the raw archive, not
// already snappy decoded.
func NewArchiveSource(r io.Reader) *ArchiveSource {
	return &ArchiveSource{mr: msgp.NewReader(snappy.NewReader(r))}
}

func (a *ArchiveSource) Scan() bool {
	if a.err != nil {
		return false
	}

	rec := make(map[string]interface{})
	if err := a.mr.ReadMapStrIntf(rec); err != nil {
		if errors.Is(err, io.EOF) {
			return false
		}
		a.err = errors.Wrap(err, "reading archive record")
		return false
	}

	a.buf, a.err = MarshalRecord(rec)
	return a.err == nil
}

func (a *ArchiveSource) Bytes() []byte { return a.buf }

func (a *ArchiveSource) Err() error { return a.err }
