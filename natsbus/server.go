// Package natsbus publishes alarm events to NATS, optionally into a
// JetStream stream and optionally through an in-process server.
package natsbus

import (
	"errors"
	"time"

	"github.com/nats-io/nats-server/v2/server"
)

// Server is an in-process NATS server with JetStream enabled.
type Server struct {
	s *server.Server
}

// StartServer starts an embedded server on host:port. Port -1 picks a
// random free port. storeDir holds JetStream data; empty uses a temp dir.
func StartServer(host string, port int, storeDir string) (*Server, error) {
	opts := server.Options{
		Host:      host,
		Port:      port,
		JetStream: true,
		StoreDir:  storeDir,
		NoSigs:    true,
	}

	s, err := server.NewServer(&opts)
	if err != nil {
		return nil, err
	}

	go s.Start()

	if !s.ReadyForConnections(10 * time.Second) {
		s.Shutdown()
		return nil, errors.New("nats: embedded server is not ready for connections")
	}
	debugLog("embedded server listening on %s", s.ClientURL())
	return &Server{s: s}, nil
}

// ClientURL returns the URL clients connect to.
func (s *Server) ClientURL() string {
	return s.s.ClientURL()
}

// Shutdown stops the server and waits for it to exit.
func (s *Server) Shutdown() {
	s.s.Shutdown()
	s.s.WaitForShutdown()
}
