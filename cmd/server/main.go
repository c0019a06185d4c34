// Conclave - Real-Time Collaboration for Security Assessments
// Copyright 2026 Pentora Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pentora/conclave

// Command server runs the Conclave collaboration engine: the data plane,
// session store, presence manager, event ingest pipeline, WebSocket fan-out,
// and the operator HTTP API, all under a Suture supervision tree.
package main

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/pentora/conclave/internal/api"
	"github.com/pentora/conclave/internal/config"
	"github.com/pentora/conclave/internal/dataplane"
	"github.com/pentora/conclave/internal/dedup"
	"github.com/pentora/conclave/internal/events"
	"github.com/pentora/conclave/internal/ingest"
	"github.com/pentora/conclave/internal/logging"
	"github.com/pentora/conclave/internal/presence"
	"github.com/pentora/conclave/internal/session"
	"github.com/pentora/conclave/internal/supervisor"
	"github.com/pentora/conclave/internal/ws"
)

func main() {
	if err := run(); err != nil {
		logging.Error().Err(err).Msg("server exited with error")
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.Init(logging.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Caller:    cfg.Logging.Caller,
		Timestamp: true,
	})
	logging.Info().Msg("starting conclave")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Embedded broker first: the data-plane client and the ingest
	// transports dial it.
	if cfg.NATS.EmbeddedServer {
		host, port, err := splitNATSURL(cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("parse nats url: %w", err)
		}
		srv, err := dataplane.StartEmbeddedServer(host, port, cfg.NATS.StoreDir)
		if err != nil {
			return fmt.Errorf("start embedded nats: %w", err)
		}
		defer srv.Shutdown()
		logging.Info().Str("url", srv.ClientURL()).Msg("embedded nats running")
	}

	plane := dataplane.New(dataplane.Config{
		StorePath:               cfg.DataPlane.StorePath,
		NATSURL:                 cfg.NATS.URL,
		KeyPrefix:               cfg.DataPlane.KeyPrefix,
		CommandTimeout:          cfg.DataPlane.CommandTimeout,
		MaxRetries:              cfg.DataPlane.MaxRetries,
		BaseReconnectDelay:      cfg.DataPlane.BaseReconnectDelay,
		MaxReconnectDelay:       cfg.DataPlane.MaxReconnectDelay,
		HealthCheckInterval:     cfg.DataPlane.HealthCheckInterval,
		BreakerFailureThreshold: cfg.DataPlane.BreakerFailureThreshold,
	})
	if err := plane.Connect(ctx); err != nil {
		return fmt.Errorf("connect data plane: %w", err)
	}
	defer plane.Disconnect()

	db, err := session.OpenDB(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open session database: %w", err)
	}
	defer db.Close()

	sessions := session.NewManager(session.NewStore(db), session.Config{
		MaxParticipants: cfg.Session.MaxParticipants,
		CleanupDays:     cfg.Session.CleanupDays,
	})

	pm := presence.NewManager(plane, sessions, presence.Config{
		RecordTTL:        cfg.Presence.RecordTTL,
		HeartbeatTimeout: cfg.Presence.HeartbeatTimeout,
		AwayThreshold:    cfg.Presence.AwayThreshold,
	})
	defer pm.Shutdown()

	dd := dedup.New(dedup.Config{
		ExpectedElements:  cfg.Dedup.ExpectedElements,
		FalsePositiveRate: cfg.Dedup.FalsePositiveRate,
		Window:            cfg.Dedup.Window,
		CleanupInterval:   cfg.Dedup.CleanupInterval,
	})
	defer dd.Close()

	store := events.NewStore(plane, events.Config{
		MaxEventsPerOperation: cfg.Events.MaxEventsPerOperation,
		RetentionHours:        cfg.Events.RetentionHours,
		CleanupInterval:       cfg.Events.CleanupInterval,
	})
	defer store.Close()

	hub := ws.NewHub()
	relay := ws.NewRelay(hub, pm, cfg.Ingest.RelayEventsPerSecond)
	defer relay.Close()

	server := api.NewServer(api.Config{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		Timeout:         cfg.Server.Timeout,
		RateLimitReqs:   cfg.Server.RateLimitReqs,
		RateLimitWindow: cfg.Server.RateLimitWindow,
		CORSOrigins:     cfg.Server.CORSOrigins,
	}, sessions, pm, store, plane, hub, relay)

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	tree.AddStreamService(&supervisor.HubService{Hub: hub})
	tree.AddAPIService(&supervisor.HTTPService{Server: server})
	tree.AddAPIService(&supervisor.FatalWatchService{Client: plane})

	if cfg.Ingest.Enabled {
		wmLogger := ingest.NewLogger()
		publisher, err := ingest.NewPublisher(cfg.NATS.URL, wmLogger)
		if err != nil {
			return fmt.Errorf("create ingest publisher: %w", err)
		}
		defer publisher.Close()

		subscriber, err := ingest.NewSubscriber(cfg.NATS.URL, wmLogger)
		if err != nil {
			return fmt.Errorf("create ingest subscriber: %w", err)
		}
		defer subscriber.Close()

		router, err := ingest.NewRouter(ingest.Config{
			SourceTopic:          cfg.Ingest.SourceTopic,
			StreamTopic:          cfg.Ingest.StreamTopic,
			PoisonTopic:          cfg.Ingest.PoisonTopic,
			RetryMaxRetries:      cfg.Ingest.RetryMaxRetries,
			RetryInitialInterval: cfg.Ingest.RetryInitialInterval,
			CloseTimeout:         cfg.Ingest.CloseTimeout,
		}, subscriber, publisher, dd, store, wmLogger)
		if err != nil {
			return fmt.Errorf("create ingest router: %w", err)
		}

		relaySub, err := ingest.NewSubscriber(cfg.NATS.URL, wmLogger)
		if err != nil {
			return fmt.Errorf("create relay subscriber: %w", err)
		}
		defer relaySub.Close()

		tree.AddStreamService(&supervisor.RouterService{Router: router})
		tree.AddStreamService(&supervisor.RelayService{
			Relay:      relay,
			Subscriber: relaySub,
			Topic:      cfg.Ingest.StreamTopic,
		})
	}

	err = tree.Serve(ctx)
	if err != nil && err != context.Canceled {
		return err
	}

	if report, rerr := tree.UnstoppedServiceReport(); rerr == nil && len(report) > 0 {
		for _, svc := range report {
			logging.Warn().Str("service", svc.Name).Msg("service did not stop in time")
		}
	}

	logging.Info().Msg("conclave stopped")
	return nil
}

// splitNATSURL extracts host and port from a nats:// URL.
func splitNATSURL(raw string) (string, int, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", 0, err
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port %q: %w", portStr, err)
	}
	return host, port, nil
}
