package triton

import (
	"fmt"
	"io"
	"io/ioutil"

	"gopkg.in/yaml.v2"
)

// StreamConfig describes how to produce to one stream.
type StreamConfig struct {
	StreamName    string      `yaml:"name"`
	RegionName    string      `yaml:"region"`
	TopologyTable string      `yaml:"topology_table"`
	HashKeysFrom  string      `yaml:"hash_keys_from"`
	Codec         string      `yaml:"codec"`
	BatchSize     int         `yaml:"batch_size"`
	Workers       int         `yaml:"workers"`
	Retry         RetryPolicy `yaml:"retry"`
}

type Config struct {
	Streams map[string]StreamConfig
}

func (sc StreamConfig) withDefaults() StreamConfig {
	if sc.HashKeysFrom == "" {
		if sc.TopologyTable != "" {
			sc.HashKeysFrom = HashKeysFromTable
		} else {
			sc.HashKeysFrom = HashKeysFromStream
		}
	}
	if sc.Codec == "" {
		sc.Codec = RawCodec{}.Name()
	}
	if sc.BatchSize == 0 {
		sc.BatchSize = MaxBatchSize
	}
	if sc.Workers == 0 {
		sc.Workers = 1
	}
	if sc.Retry == (RetryPolicy{}) {
		sc.Retry = DefaultRetryPolicy()
	} else if sc.Retry.Backoff == 0 {
		sc.Retry.Backoff = DefaultRetryBackoff
	}
	return sc
}

// Validate reports the first setting that cannot work.
func (sc StreamConfig) Validate() error {
	if sc.StreamName == "" {
		return fmt.Errorf("stream name is required")
	}
	if sc.BatchSize < 1 || sc.BatchSize > MaxBatchSize {
		return fmt.Errorf("batch_size must be between 1 and %d, got %d", MaxBatchSize, sc.BatchSize)
	}
	if sc.Workers < 1 {
		return fmt.Errorf("workers must be positive, got %d", sc.Workers)
	}
	if _, err := CodecByName(sc.Codec); err != nil {
		return err
	}
	switch sc.HashKeysFrom {
	case HashKeysFromStream:
	case HashKeysFromTable:
		if sc.TopologyTable == "" {
			return fmt.Errorf("hash_keys_from %q needs a topology_table", HashKeysFromTable)
		}
	default:
		return fmt.Errorf("unknown hash_keys_from %q", sc.HashKeysFrom)
	}
	return nil
}

// Options turns the config into producer options.
func (sc StreamConfig) Options() ([]Option, error) {
	codec, err := CodecByName(sc.Codec)
	if err != nil {
		return nil, err
	}
	return []Option{
		WithBatchSize(sc.BatchSize),
		WithWorkers(sc.Workers),
		WithRetryPolicy(sc.Retry),
		WithCodec(codec),
	}, nil
}

func (c *Config) ConfigForName(n string) (sc *StreamConfig, err error) {
	if scv, ok := c.Streams[n]; ok {
		scv = scv.withDefaults()
		if err := scv.Validate(); err != nil {
			return nil, fmt.Errorf("stream %q: %v", n, err)
		}
		return &scv, nil
	} else {
		return nil, fmt.Errorf("Failed to find stream")
	}
}

func NewConfigFromFile(r io.Reader) (c *Config, err error) {
	data, err := ioutil.ReadAll(r)
	if err != nil {
		return nil, err
	}

	c = &Config{}

	err = yaml.Unmarshal(data, &c.Streams)
	if err != nil {
		return nil, err
	}

	return
}
