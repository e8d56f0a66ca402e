package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/kinesis"
	"github.com/aws/aws-sdk-go/service/s3"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli"
	"go.uber.org/zap"

	"github.com/postmates/go-triton-balancer/triton"
)

func openStreamConfig(streamName string) (*triton.StreamConfig, error) {
	fname := os.Getenv("TRITON_CONFIG")
	if fname == "" {
		return nil, fmt.Errorf("TRITON_CONFIG not specified")
	}

	f, err := os.Open(fname)
	if err != nil {
		return nil, fmt.Errorf("failed to open config: %v", err)
	}
	defer f.Close()

	c, err := triton.NewConfigFromFile(f)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %v", err)
	}

	return c.ConfigForName(streamName)
}

// openDB opens the ledger database. Postgres URLs go to lib/pq, anything else
// is a sqlite file.
func openDB(dsn string) (*sql.DB, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return sql.Open("postgres", dsn)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	// only for sqlite
	db.SetMaxOpenConns(1)
	return db, nil
}

// deps holds what every command needs.
type deps struct {
	sc       *triton.StreamConfig
	sess     *session.Session
	logger   *zap.Logger
	metrics  *triton.Metrics
	reporter *triton.RavenReporter
	opts     []triton.Option
}

func setup(c *cli.Context) (*deps, error) {
	if c.String("stream") == "" {
		cli.ShowSubcommandHelp(c)
		return nil, fmt.Errorf("stream name required")
	}

	logger, err := triton.NewLogger(c.GlobalString("log-level"))
	if err != nil {
		return nil, err
	}

	sc, err := openStreamConfig(c.String("stream"))
	if err != nil {
		return nil, err
	}
	opts, err := sc.Options()
	if err != nil {
		return nil, err
	}

	sess, err := session.NewSession(aws.NewConfig().WithRegion(sc.RegionName))
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	a := &deps{
		sc:      sc,
		sess:    sess,
		logger:  logger,
		metrics: triton.NewMetrics(reg),
	}
	a.opts = append(opts, triton.WithLogger(logger), triton.WithMetrics(a.metrics))

	if addr := c.GlobalString("metrics-addr"); addr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			if err := http.ListenAndServe(addr, mux); err != nil {
				logger.Error("metrics server stopped", zap.String("addr", addr), zap.Error(err))
			}
		}()
	}

	if dsn := c.GlobalString("sentry-dsn"); dsn != "" {
		a.reporter, err = triton.NewRavenReporter(dsn)
		if err != nil {
			return nil, err
		}
		a.opts = append(a.opts, triton.WithReporter(a.reporter))
	}

	return a, nil
}

func (a *deps) Close() {
	if a.reporter != nil {
		a.reporter.Close()
	}
	a.logger.Sync()
}

func (a *deps) directory() *triton.ShardDirectory {
	return triton.NewShardDirectory(kinesis.New(a.sess), a.opts...)
}

func (a *deps) topologyStore() (*triton.TopologyStore, error) {
	if a.sc.TopologyTable == "" {
		return nil, fmt.Errorf("stream %s has no topology_table", a.sc.StreamName)
	}
	return triton.NewTopologyStore(dynamodb.New(a.sess), a.sc.TopologyTable, a.opts...), nil
}

func (a *deps) hashKeys(ctx context.Context) (*triton.HashKeyCycle, error) {
	r := &triton.HashKeyResolver{Directory: a.directory(), Logger: a.logger}
	if a.sc.TopologyTable != "" {
		r.Store, _ = a.topologyStore()
	}
	keys, err := r.Resolve(ctx, a.sc.HashKeysFrom, a.sc.StreamName)
	if err != nil {
		return nil, err
	}
	return triton.NewHashKeyCycle(keys)
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// command wraps a command body with setup, teardown and exit codes.
func command(run func(ctx context.Context, c *cli.Context, a *deps) error) func(c *cli.Context) error {
	return func(c *cli.Context) error {
		a, err := setup(c)
		if err != nil {
			return cli.NewExitError(err.Error(), 1)
		}
		defer a.Close()

		ctx, cancel := signalContext()
		defer cancel()

		if err := run(ctx, c, a); err != nil {
			a.logger.Error("command failed", zap.String("command", c.Command.Name), zap.Error(err))
			return cli.NewExitError(err.Error(), 1)
		}
		return nil
	}
}

// List Shards Command
//
// Just print out the open shards of the given stream
func listShards(ctx context.Context, c *cli.Context, a *deps) error {
	shards, err := a.directory().ListOpenShards(ctx, a.sc.StreamName)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, s := range shards {
		fmt.Fprintf(w, "%s\t%s\t%s\n", s.ShardID, s.StartingHashKey, s.EndingHashKey)
	}
	return w.Flush()
}

func bootstrap(ctx context.Context, c *cli.Context, a *deps) error {
	store, err := a.topologyStore()
	if err != nil {
		return err
	}

	res, err := triton.Bootstrap(ctx, a.directory(), store, a.sc.StreamName, time.Now())
	if err != nil {
		return err
	}
	fmt.Printf("Saved %d of %d shards to %s\n", res.Saved, res.Rows, store.Table())
	if len(res.Failures) > 0 {
		return fmt.Errorf("%d chunks failed, first: %v", len(res.Failures), res.Failures[0])
	}
	return nil
}

func openInput(ctx context.Context, c *cli.Context, a *deps) (*triton.Object, error) {
	switch {
	case c.String("file") != "":
		return triton.OpenFile(c.String("file"))
	case c.String("bucket") != "" && c.String("key") != "":
		return triton.OpenObject(ctx, s3.New(a.sess), c.String("bucket"), c.String("key"))
	default:
		return nil, fmt.Errorf("--file or --bucket and --key required")
	}
}

func load(ctx context.Context, c *cli.Context, a *deps) error {
	obj, err := openInput(ctx, c, a)
	if err != nil {
		return err
	}
	defer obj.Close()

	keys, err := a.hashKeys(ctx)
	if err != nil {
		return err
	}

	db, err := openDB(c.GlobalString("db"))
	if err != nil {
		return err
	}
	defer db.Close()
	ledger, err := triton.NewDeliveryLedger(db)
	if err != nil {
		return err
	}

	lines := obj.Lines()
	if c.Bool("archive") {
		lines = obj.ArchiveLines()
	}
	if ak := obj.Archive; ak != nil {
		a.logger.Info("replaying archive",
			zap.String("archive", ak.Path()),
			zap.String("archivedStream", ak.Stream),
			zap.String("client", ak.Client),
			zap.Time("archivedAt", ak.Time))
	}

	opts := append([]triton.Option{triton.WithLedger(ledger), triton.WithSource(obj.Name)}, a.opts...)
	writer := triton.NewBatchWriter(kinesis.New(a.sess), opts...)
	res, err := triton.NewPipeline(writer, opts...).Run(ctx, lines, a.sc.StreamName, keys)
	if res != nil {
		fmt.Printf("Run %s: %d lines, %d delivered, %d rejected, %d batches failed\n",
			res.RunID, res.Lines, res.Delivered, len(res.Rejected), len(res.Failures))
	}
	if err != nil {
		return err
	}
	if !res.Ok() {
		return fmt.Errorf("run %s was not fully delivered", res.RunID)
	}
	return nil
}

func put(ctx context.Context, c *cli.Context, a *deps) error {
	if c.String("data") == "" {
		return fmt.Errorf("--data required")
	}
	keys, err := a.hashKeys(ctx)
	if err != nil {
		return err
	}
	return triton.NewWriter(kinesis.New(a.sess), a.opts...).WriteRecord(ctx, a.sc.StreamName, keys, []byte(c.String("data")))
}

func listFailures(ctx context.Context, c *cli.Context, a *deps) error {
	db, err := openDB(c.GlobalString("db"))
	if err != nil {
		return err
	}
	defer db.Close()
	ledger, err := triton.NewDeliveryLedger(db)
	if err != nil {
		return err
	}

	entries, err := ledger.Failures(ctx, a.sc.StreamName)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CREATED\tRUN\tSOURCE\tBATCH\tGROUP\tFIRST LINE\tRECORDS\tERROR")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\n",
			e.CreatedAt.Format(time.RFC3339), e.RunID, e.Source, e.Batch, e.Group, e.FirstLine, e.Records, e.Error)
	}
	return w.Flush()
}

var streamFlag = cli.StringFlag{
	Name:  "stream",
	Usage: "Named triton stream",
}

func main() {
	app := cli.NewApp()
	app.Name = "triton-balancer"
	app.Usage = "Spread records evenly over every open shard of a Kinesis stream"
	app.Version = "0.1.0"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "log-level",
			Value: "info",
			Usage: "debug, info, warn, error or dev",
		},
		cli.StringFlag{
			Name:   "db",
			Value:  "triton-balancer.db",
			Usage:  "Delivery ledger: a sqlite file or a postgres:// URL",
			EnvVar: "TRITON_DB",
		},
		cli.StringFlag{
			Name:  "metrics-addr",
			Usage: "Serve prometheus metrics on this address",
		},
		cli.StringFlag{
			Name:   "sentry-dsn",
			Usage:  "Report failures to sentry",
			EnvVar: "SENTRY_DSN",
		},
	}
	app.Commands = []cli.Command{
		{
			Name:   "shards",
			Usage:  "list open shards for stream",
			Flags:  []cli.Flag{streamFlag},
			Action: command(listShards),
		},
		{
			Name:   "bootstrap",
			Usage:  "save the stream's open shards to its topology table",
			Flags:  []cli.Flag{streamFlag},
			Action: command(bootstrap),
		},
		{
			Name:    "load",
			Aliases: []string{"l"},
			Usage:   "send every line of a file or s3 object to the stream",
			Flags: []cli.Flag{
				streamFlag,
				cli.StringFlag{
					Name:  "file",
					Usage: "Local input file",
				},
				cli.StringFlag{
					Name:   "bucket",
					Usage:  "Source S3 bucket",
					EnvVar: "TRITON_BUCKET",
				},
				cli.StringFlag{
					Name:  "key",
					Usage: "Source S3 key",
				},
				cli.BoolFlag{
					Name:  "archive",
					Usage: "Input is a triton archive rather than lines",
				},
			},
			Action: command(load),
		},
		{
			Name:  "put",
			Usage: "send a single record",
			Flags: []cli.Flag{
				streamFlag,
				cli.StringFlag{
					Name:  "data",
					Usage: "Record payload",
				},
			},
			Action: command(put),
		},
		{
			Name:   "failures",
			Usage:  "list batches recorded as undelivered",
			Flags:  []cli.Flag{streamFlag},
			Action: command(listFailures),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
