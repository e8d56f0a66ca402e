package triton

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/golang/snappy"
	"github.com/pkg/errors"
	"github.com/tinylib/msgp/msgp"
)

// LineSource yields input lines one at a time. *bufio.Scanner satisfies it.
// The slice returned by Bytes is only valid until the next call to Scan.
type LineSource interface {
	Scan() bool
	Bytes() []byte
	Err() error
}

// NewLineScanner splits r into lines, allowing lines up to MaxRecordSize.
func NewLineScanner(r io.Reader) *bufio.Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), MaxRecordSize)
	return s
}

// Object is an opened input object.
type Object struct {
	Name        string
	ContentType string
	Body        io.ReadCloser

	// Archive is set when the object is a triton archive with a well formed
	// name.
	Archive *ArchiveKey
}

func (o *Object) Close() error {
	return o.Body.Close()
}

// Lines reads the object as records: an ArchiveSource for triton archives,
// one record per line otherwise.
func (o *Object) Lines() LineSource {
	if IsArchive(o.Name) {
		return o.ArchiveLines()
	}
	return NewLineScanner(o.Body)
}

// ArchiveLines reads the object as a triton archive regardless of its name.
// A body already snappy-decoded by its extension is not decoded again.
func (o *Object) ArchiveLines() *ArchiveSource {
	if _, ok := o.Body.(*snappyReadCloser); ok {
		return &ArchiveSource{mr: msgp.NewReader(o.Body)}
	}
	return NewArchiveSource(o.Body)
}

func archiveKey(name string) *ArchiveKey {
	if !IsArchive(name) {
		return nil
	}
	if a, err := DecodeArchiveKey(name); err == nil {
		return &a
	}
	return nil
}

func isSnappy(name string) bool {
	return strings.HasSuffix(name, ".sz") || strings.HasSuffix(name, ".snappy")
}

type snappyReadCloser struct {
	*snappy.Reader
	c io.Closer
}

func (s *snappyReadCloser) Close() error {
	return s.c.Close()
}

// decompress wraps snappy framed inputs, recognized by their name, in a
// decoder.
func decompress(name string, rc io.ReadCloser) io.ReadCloser {
	if isSnappy(name) {
		return &snappyReadCloser{Reader: snappy.NewReader(rc), c: rc}
	}
	return rc
}

// OpenObject fetches s3://bucket/key.
func OpenObject(ctx context.Context, svc S3Service, bucket, key string) (*Object, error) {
	out, err := svc.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if awsErr, ok := err.(awserr.Error); ok {
			return nil, errors.Errorf("failed to get s3://%s/%s: %v (%v)", bucket, key, awsErr.Code(), awsErr.Message())
		}
		return nil, errors.Wrapf(err, "failed to get s3://%s/%s", bucket, key)
	}
	return &Object{
		Name:        fmt.Sprintf("s3://%s/%s", bucket, key),
		ContentType: aws.StringValue(out.ContentType),
		Body:        decompress(key, out.Body),
		Archive:     archiveKey(key),
	}, nil
}

// OpenFile opens a local input file.
func OpenFile(path string) (*Object, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &Object{Name: path, Body: decompress(path, f), Archive: archiveKey(path)}, nil
}
