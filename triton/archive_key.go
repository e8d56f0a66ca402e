package triton

import (
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const archiveSuffix = ".tri"

// ArchiveKey is the parsed name of a triton archive. Archives are stored as
// "<yyyymmdd>/<stream>[-<client>]-<unix ts>.tri".
type ArchiveKey struct {
	Client string
	Stream string
	Time   time.Time
}

// Path encodes the ArchiveKey to a string path
func (a ArchiveKey) Path() string {
	return fmt.Sprintf("%04d%02d%02d/%s-%d%s", a.Time.Year(), a.Time.Month(), a.Time.Day(), a.fullStreamName(), a.Time.Unix(), archiveSuffix)
}

// fullStreamName returns the full stream name (stream + "-" + client) if there is a client name or just stream
func (a ArchiveKey) fullStreamName() (stream string) {
	stream = a.Stream
	if a.Client != "" {
		stream += "-" + a.Client
	}
	return
}

var archiveKeyPattern = regexp.MustCompile(`^/?(?P<day>\d{8})\/(?P<stream>.+)\-(?P<ts>\d+)\.tri$`)

// DecodeArchiveKey parses an archive name. Only the last two path elements
// are looked at, so bucket prefixes and local directories are fine.
func DecodeArchiveKey(keyName string) (a ArchiveKey, err error) {
	dir, file := path.Split(keyName)
	keyName = path.Base(dir) + "/" + file

	res := archiveKeyPattern.FindStringSubmatch(keyName)
	if res == nil {
		err = fmt.Errorf("Invalid key name")
		return
	}
	ts, err := strconv.ParseInt(res[3], 10, 64)
	if err != nil {
		err = fmt.Errorf("Failed to parse timestamp value: %s", err.Error())
		return
	}
	a.Time = time.Unix(ts, 0).UTC()
	nameParts := strings.Split(res[2], "-")
	switch len(nameParts) {
	case 1:
		a.Stream = nameParts[0]
	case 2:
		a.Stream = nameParts[0]
		a.Client = nameParts[1]
	default:
		err = fmt.Errorf("Failure parsing stream name: %v", res[2])
	}
	return
}

// IsArchive reports whether name looks like a triton archive.
func IsArchive(name string) bool {
	return strings.HasSuffix(name, archiveSuffix)
}
