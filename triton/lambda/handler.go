// Package lambda runs the ingestion pipeline as an AWS Lambda function fed by
// S3 object notifications.
package lambda

import (
	"context"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/postmates/go-triton-balancer/triton"
)

// Config is read from the function's environment.
type Config struct {
	TopologyTable string
	StreamName    string
	Region        string
	HashKeysFrom  string
	Codec         string
	BatchSize     int
	Workers       int
	SentryDSN     string
}

var envDefaults = map[string]interface{}{
	"tbl_kinesis_shard_hashkeys": "kinesis_hash_keys",
	"target_kinesis_stream":      "stream_with_100_shards",
	"region":                     "us-east-1",
	"hash_keys_from":             triton.HashKeysFromTable,
	"codec":                      "raw",
	"batch_size":                 triton.MaxBatchSize,
	"workers":                    1,
	"sentry_dsn":                 "",
}

// LoadConfig reads the environment through v. The variable names are the
// lower case keys of envDefaults.
func LoadConfig(v *viper.Viper) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	for key, def := range envDefaults {
		v.SetDefault(key, def)
		if err := v.BindEnv(key, key); err != nil {
			return nil, err
		}
	}

	cfg := &Config{
		TopologyTable: v.GetString("tbl_kinesis_shard_hashkeys"),
		StreamName:    v.GetString("target_kinesis_stream"),
		Region:        v.GetString("region"),
		HashKeysFrom:  v.GetString("hash_keys_from"),
		Codec:         v.GetString("codec"),
		BatchSize:     v.GetInt("batch_size"),
		Workers:       v.GetInt("workers"),
		SentryDSN:     v.GetString("sentry_dsn"),
	}
	return cfg, cfg.StreamConfig().Validate()
}

// StreamConfig is the triton view of cfg.
func (cfg *Config) StreamConfig() triton.StreamConfig {
	return triton.StreamConfig{
		StreamName:    cfg.StreamName,
		RegionName:    cfg.Region,
		TopologyTable: cfg.TopologyTable,
		HashKeysFrom:  cfg.HashKeysFrom,
		Codec:         cfg.Codec,
		BatchSize:     cfg.BatchSize,
		Workers:       cfg.Workers,
		Retry:         triton.DefaultRetryPolicy(),
	}
}

// Handler loads every object named in an S3 event into the target stream.
type Handler struct {
	cfg      *Config
	s3       triton.S3Service
	resolver *triton.HashKeyResolver
	writer   *triton.BatchWriter
	opts     []triton.Option
	logger   *zap.Logger
}

// NewHandler wires a handler. opts are passed on to every triton component,
// after the ones derived from cfg.
func NewHandler(cfg *Config, s3svc triton.S3Service, ksvc triton.KinesisService, dsvc triton.DynamoDBService, logger *zap.Logger, opts ...triton.Option) (*Handler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	base, err := cfg.StreamConfig().Options()
	if err != nil {
		return nil, err
	}
	opts = append(append(base, triton.WithLogger(logger)), opts...)

	resolver := &triton.HashKeyResolver{
		Directory: triton.NewShardDirectory(ksvc, opts...),
		Logger:    logger,
	}
	if cfg.TopologyTable != "" {
		resolver.Store = triton.NewTopologyStore(dsvc, cfg.TopologyTable, opts...)
	}

	return &Handler{
		cfg:      cfg,
		s3:       s3svc,
		resolver: resolver,
		writer:   triton.NewBatchWriter(ksvc, opts...),
		opts:     opts,
		logger:   logger,
	}, nil
}

// Handle processes the records of evt in order and returns the content type
// of the last object read. The hash keys are resolved once per invocation and
// the round robin runs on across objects. Any object not fully delivered
// makes the invocation fail, after all objects have been tried.
func (h *Handler) Handle(ctx context.Context, evt events.S3Event) (string, error) {
	if len(evt.Records) == 0 {
		return "", nil
	}

	keys, err := h.resolver.Resolve(ctx, h.cfg.HashKeysFrom, h.cfg.StreamName)
	if err != nil {
		return "", err
	}
	cycle, err := triton.NewHashKeyCycle(keys)
	if err != nil {
		return "", errors.Wrapf(err, "stream %s", h.cfg.StreamName)
	}

	var contentType string
	var failed []string
	var firstErr error
	for _, rec := range evt.Records {
		bucket, key := rec.S3.Bucket.Name, rec.S3.Object.URLDecodedKey
		if key == "" {
			key = rec.S3.Object.Key
		}

		ct, err := h.load(ctx, bucket, key, cycle)
		if ct != "" {
			contentType = ct
		}
		if err != nil {
			h.logger.Error("object not fully delivered",
				zap.String("bucket", bucket),
				zap.String("key", key),
				zap.Error(err))
			failed = append(failed, key)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if len(failed) > 0 {
		return contentType, errors.Wrapf(firstErr, "%d of %d objects not fully delivered (%s)",
			len(failed), len(evt.Records), strings.Join(failed, ", "))
	}
	return contentType, nil
}

func (h *Handler) load(ctx context.Context, bucket, key string, keys triton.HashKeySource) (string, error) {
	obj, err := triton.OpenObject(ctx, h.s3, bucket, key)
	if err != nil {
		return "", err
	}
	defer obj.Close()

	if a := obj.Archive; a != nil {
		h.logger.Info("replaying archive",
			zap.String("object", obj.Name),
			zap.String("archive", a.Path()),
			zap.String("archivedStream", a.Stream),
			zap.Time("archivedAt", a.Time))
	}

	opts := append([]triton.Option{triton.WithSource(obj.Name)}, h.opts...)
	p := triton.NewPipeline(h.writer, opts...)
	res, err := p.Run(ctx, obj.Lines(), h.cfg.StreamName, keys)
	if err != nil {
		return obj.ContentType, err
	}
	if !res.Ok() {
		return obj.ContentType, errors.Errorf("%s: %d of %d lines delivered, %d rejected, %d batches failed",
			obj.Name, res.Delivered, res.Lines, len(res.Rejected), len(res.Failures))
	}
	return obj.ContentType, nil
}
