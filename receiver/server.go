package receiver

import (
	"net"
	"time"

	"github.com/emersion/go-smtp"
)

// Server wraps a *smtp.Server with the bind/serve split the bootstrap
// collaborator (C9) needs: Listen binds the socket (so a privileged port can
// be claimed before the process drops root), Serve starts accepting only
// once the caller is ready.
//
// Grounded on the teacher's internal/endpoint/smtp.Endpoint, minus its
// config-file-driven setup (that lives in cmd/mailroomd here).
type Server struct {
	smtp *smtp.Server
}

// NewServer builds a Server for cfg backed by backend. concurrency sets the
// Asynchronous variant's worker pool size; pass 0 for fully synchronous
// delivery (Data blocks until the handler returns).
func NewServer(cfg Config, backend *Backend, concurrency int) *Server {
	backend.Config = cfg
	if concurrency > 0 {
		backend.async = newAsyncPool(concurrency)
	}

	s := smtp.NewServer(backend)
	s.Domain = cfg.Hostname
	s.LMTP = cfg.LMTP
	s.MaxMessageBytes = cfg.MaxMessageBytes
	if cfg.LMTP {
		s.MaxRecipients = 0
	} else {
		s.MaxRecipients = 1
	}
	s.AllowInsecureAuth = true
	s.ReadTimeout = 10 * time.Minute
	s.WriteTimeout = 1 * time.Minute

	return &Server{smtp: s}
}

// Listen binds network/addr ("tcp", "host:port", or "unix", "/path/sock").
func Listen(network, addr string) (net.Listener, error) {
	return net.Listen(network, addr)
}

// Serve accepts connections on l until it is closed or the server is
// Closed.
func (s *Server) Serve(l net.Listener) error {
	return s.smtp.Serve(l)
}

// Close stops accepting new connections. It does not wait for an async
// backend's in-flight worker pool to drain; call Wait on the Backend's pool
// (via WaitAsync) for that.
func (s *Server) Close() error {
	return s.smtp.Close()
}

// WaitAsync blocks until every delivery scheduled on backend's async pool
// (if any) has completed. It is a no-op for a synchronous backend.
func WaitAsync(backend *Backend) {
	if backend.async != nil {
		backend.async.Wait()
	}
}
