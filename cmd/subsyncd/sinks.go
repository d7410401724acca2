package main

import (
	"context"
	"fmt"

	"github.com/codecraft/subsync/internal/config"
	"github.com/codecraft/subsync/pkg/subsync"
	amqpsink "github.com/codecraft/subsync/sinks/amqp"
	kafkasink "github.com/codecraft/subsync/sinks/kafka"
	s3sink "github.com/codecraft/subsync/sinks/s3"
	smtpsink "github.com/codecraft/subsync/sinks/smtp"
)

type sinks struct {
	access   subsync.AccessController
	notifier subsync.Notifier
	audit    subsync.AuditSink
	closers  []func() error
}

// buildSinks wires the configured transports. Access always lands in the
// store first; Kafka only announces it.
func buildSinks(ctx context.Context, cfg config.SinksConfig, store subsync.Storage, logger subsync.Logger) (*sinks, error) {
	out := &sinks{access: &subsync.StoreAccess{Store: store}}

	if len(cfg.KafkaBrokers) > 0 {
		pub, err := kafkasink.New(kafkasink.Config{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
			Next:    out.access,
			Logger:  logger,
		})
		if err != nil {
			return nil, fmt.Errorf("kafka sink: %w", err)
		}
		out.access = pub
		out.closers = append(out.closers, pub.Close)
	}

	var notifiers subsync.MultiNotifier
	if cfg.AMQPURL != "" {
		n, err := amqpsink.New(amqpsink.Config{URL: cfg.AMQPURL, Queue: cfg.AMQPQueue})
		if err != nil {
			out.close()
			return nil, fmt.Errorf("amqp sink: %w", err)
		}
		notifiers = append(notifiers, n)
		out.closers = append(out.closers, n.Close)
	}
	if cfg.SMTPHost != "" {
		n, err := smtpsink.New(smtpsink.Config{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			Sender:   cfg.SMTPSender,
			AppName:  cfg.AppName,
			Logger:   logger,
		})
		if err != nil {
			out.close()
			return nil, fmt.Errorf("smtp sink: %w", err)
		}
		notifiers = append(notifiers, n)
	}
	switch len(notifiers) {
	case 0:
		out.notifier = &subsync.LogNotifier{Logger: logger}
	case 1:
		out.notifier = notifiers[0]
	default:
		out.notifier = notifiers
	}

	if cfg.S3Bucket != "" {
		sink, err := s3sink.New(ctx, s3sink.Config{
			Bucket:          cfg.S3Bucket,
			Prefix:          cfg.S3Prefix,
			Region:          cfg.S3Region,
			EndpointURL:     cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
		})
		if err != nil {
			out.close()
			return nil, fmt.Errorf("s3 sink: %w", err)
		}
		out.audit = sink
	}
	return out, nil
}

func (s *sinks) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		_ = s.closers[i]()
	}
}
