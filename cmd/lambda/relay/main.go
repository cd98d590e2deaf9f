package main

import (
	"fmt"
	"os"

	"github.com/aws/aws-lambda-go/lambda"

	"github.com/example/codehost/internal/config"
	"github.com/example/codehost/internal/infrastructure/kafka"
	"github.com/example/codehost/internal/infrastructure/kinesis"
	"github.com/example/codehost/internal/platform/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "relay:", err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		fmt.Fprintln(os.Stderr, "relay:", err)
		os.Exit(1)
	}
	defer log.Sync()
	log = log.With("service", "relay")

	producer := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.RequestTimeout)
	defer producer.Close()

	relay := kinesis.NewRelay(producer, log)
	log.Info("relay ready", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	lambda.Start(relay.Handle)
}
