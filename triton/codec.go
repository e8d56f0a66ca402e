package triton

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// A Codec turns an input line into the payload sent to Kinesis.
type Codec interface {
	Name() string
	Encode(line []byte) ([]byte, error)
}

// RawCodec sends lines unchanged.
type RawCodec struct{}

func (RawCodec) Name() string { return "raw" }

func (RawCodec) Encode(line []byte) ([]byte, error) {
	out := make([]byte, len(line))
	copy(out, line)
	return out, nil
}

// MsgpackCodec reads each line as a JSON object and sends it as a msgpack
// encoded Record.
type MsgpackCodec struct{}

func (MsgpackCodec) Name() string { return "msgpack" }

func (MsgpackCodec) Encode(line []byte) ([]byte, error) {
	var r Record
	if err := json.Unmarshal(line, &r); err != nil {
		return nil, errors.Wrap(err, "decoding json record")
	}
	if r == nil {
		return nil, errors.New("record is not a json object")
	}
	return MarshalRecord(r)
}

// CodecByName returns the codec registered under name. An empty name is the
// raw codec.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "raw":
		return RawCodec{}, nil
	case "msgpack":
		return MsgpackCodec{}, nil
	default:
		return nil, errors.Errorf("unknown codec %q", name)
	}
}
