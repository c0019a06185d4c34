// Conclave - Real-Time Collaboration for Security Assessments
// Copyright 2026 Pentora Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pentora/conclave

package dataplane

import (
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"

	"github.com/pentora/conclave/internal/logging"
)

// EmbeddedServer runs an in-process NATS server for single-node deployments
// so the engine has no external broker dependency.
type EmbeddedServer struct {
	srv *server.Server
}

// StartEmbeddedServer boots an in-process NATS server and waits for it to
// accept connections.
func StartEmbeddedServer(host string, port int, storeDir string) (*EmbeddedServer, error) {
	opts := &server.Options{
		Host:      host,
		Port:      port,
		StoreDir:  storeDir,
		JetStream: storeDir != "",
		NoSigs:    true,
		NoLog:     true,
	}

	srv, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded nats server: %w", err)
	}

	go srv.Start()
	if !srv.ReadyForConnections(10 * time.Second) {
		srv.Shutdown()
		return nil, fmt.Errorf("embedded nats server not ready within 10s")
	}

	logging.Info().Str("addr", srv.ClientURL()).Msg("embedded nats server started")
	return &EmbeddedServer{srv: srv}, nil
}

// ClientURL returns the connection URL for the embedded server.
func (e *EmbeddedServer) ClientURL() string {
	return e.srv.ClientURL()
}

// Shutdown stops the server and waits for it to exit.
func (e *EmbeddedServer) Shutdown() {
	e.srv.Shutdown()
	e.srv.WaitForShutdown()
	logging.Info().Msg("embedded nats server stopped")
}
