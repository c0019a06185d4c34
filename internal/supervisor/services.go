// Conclave - Real-Time Collaboration for Security Assessments
// Copyright 2026 Pentora Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pentora/conclave

package supervisor

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/thejerf/suture/v4"

	"github.com/pentora/conclave/internal/api"
	"github.com/pentora/conclave/internal/dataplane"
	"github.com/pentora/conclave/internal/ingest"
	"github.com/pentora/conclave/internal/logging"
	"github.com/pentora/conclave/internal/ws"
)

// HubService runs the WebSocket hub under supervision.
type HubService struct {
	Hub *ws.Hub
}

func (s *HubService) Serve(ctx context.Context) error {
	return s.Hub.Run(ctx)
}

func (s *HubService) String() string { return "websocket-hub" }

// RelayService consumes the stream topic and fans frames out to clients.
type RelayService struct {
	Relay      *ws.Relay
	Subscriber message.Subscriber
	Topic      string
}

func (s *RelayService) Serve(ctx context.Context) error {
	return s.Relay.Run(ctx, s.Subscriber, s.Topic)
}

func (s *RelayService) String() string { return "stream-relay" }

// RouterService runs the ingest pipeline.
type RouterService struct {
	Router *ingest.Router
}

func (s *RouterService) Serve(ctx context.Context) error {
	return s.Router.Run(ctx)
}

func (s *RouterService) String() string { return "ingest-router" }

// HTTPService runs the operator API. On context cancellation the listener
// drains within the supervisor's shutdown timeout.
type HTTPService struct {
	Server *api.Server
}

func (s *HTTPService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.Server.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		if err := s.Server.Shutdown(context.Background()); err != nil {
			logging.Warn().Err(err).Msg("http shutdown")
		}
		<-errCh
		return ctx.Err()
	}
}

func (s *HTTPService) String() string { return "http-api" }

// FatalWatchService terminates the whole tree when the data-plane client
// reports an unrecoverable failure. Restarting services cannot help once
// the client has exhausted its reconnect budget.
type FatalWatchService struct {
	Client dataplane.Client
}

func (s *FatalWatchService) Serve(ctx context.Context) error {
	select {
	case <-s.Client.Fatal():
		logging.Error().Msg("data plane entered terminal error state, shutting down")
		return suture.ErrTerminateSupervisorTree
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *FatalWatchService) String() string { return "dataplane-fatal-watch" }
