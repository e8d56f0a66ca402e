package main

import (
	"fmt"
	"os"

	awslambda "github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/kinesis"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/postmates/go-triton-balancer/triton"
	"github.com/postmates/go-triton-balancer/triton/lambda"
)

func main() {
	cfg, err := lambda.LoadConfig(nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	logger, err := triton.NewLogger(os.Getenv("log_level"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Logger error: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	sess := session.Must(session.NewSession(aws.NewConfig().WithRegion(cfg.Region)))

	opts := []triton.Option{triton.WithMetrics(triton.NewMetrics(prometheus.DefaultRegisterer))}
	if cfg.SentryDSN != "" {
		reporter, err := triton.NewRavenReporter(cfg.SentryDSN)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Sentry error: %v\n", err)
			os.Exit(1)
		}
		defer reporter.Close()
		opts = append(opts, triton.WithReporter(reporter))
	}

	h, err := lambda.NewHandler(cfg, s3.New(sess), kinesis.New(sess), dynamodb.New(sess), logger, opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Initialisation error: %v\n", err)
		os.Exit(1)
	}

	awslambda.Start(h.Handle)
}
