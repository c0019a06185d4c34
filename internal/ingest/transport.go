// Conclave - Real-Time Collaboration for Security Assessments
// Copyright 2026 Pentora Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pentora/conclave

package ingest

import (
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"
)

// NewPublisher builds a watermill publisher over core NATS for the stream
// and poison topics.
func NewPublisher(url string, logger watermill.LoggerAdapter) (message.Publisher, error) {
	cfg := wmNats.PublisherConfig{
		URL:         url,
		NatsOptions: natsOptions(logger),
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream:   wmNats.JetStreamConfig{Disabled: true},
	}
	pub, err := wmNats.NewPublisher(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("create ingest publisher: %w", err)
	}
	return pub, nil
}

// NewSubscriber builds a watermill subscriber over core NATS for the raw
// operation-output topic. Subscribers share a queue group so multiple
// instances split the stream instead of duplicating it.
func NewSubscriber(url string, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	cfg := wmNats.SubscriberConfig{
		URL:              url,
		QueueGroupPrefix: "conclave-ingest",
		SubscribersCount: 1,
		CloseTimeout:     30 * time.Second,
		NatsOptions:      natsOptions(logger),
		Unmarshaler:      &wmNats.NATSMarshaler{},
		JetStream:        wmNats.JetStreamConfig{Disabled: true},
	}
	sub, err := wmNats.NewSubscriber(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("create ingest subscriber: %w", err)
	}
	return sub, nil
}

func natsOptions(logger watermill.LoggerAdapter) []natsgo.Option {
	return []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(-1),
		natsgo.ReconnectWait(time.Second),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			if err != nil {
				logger.Error("ingest transport disconnected", err, nil)
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logger.Info("ingest transport reconnected", watermill.LogFields{
				"url": nc.ConnectedUrl(),
			})
		}),
	}
}
