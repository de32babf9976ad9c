package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/mailroom/mailroom/framework/log"
	"github.com/mailroom/mailroom/internal/metrics"
	"github.com/mailroom/mailroom/queue"
	"github.com/mailroom/mailroom/receiver"
	"github.com/mailroom/mailroom/relay"
	"github.com/mailroom/mailroom/router"
	"github.com/mailroom/mailroom/state"
)

// boundListener pairs a Server with the socket Bootstrap already bound for
// it, so that Daemon.Serve can start accepting without doing any more
// privileged work itself.
type boundListener struct {
	server *receiver.Server
	l      net.Listener
}

// Daemon holds every component Bootstrap wired up and the listeners it
// already bound, ready for DropPrivileges then Serve.
type Daemon struct {
	Log    log.Logger
	Router *router.Router
	Queue  *queue.Queue
	Relay  *relay.Relay

	cfg *Config

	smtpListeners   []boundListener
	metricsEndpoint *metrics.Endpoint
	metricsListener net.Listener

	queueReceiver *receiver.QueueReceiver
}

// Bootstrap builds every component named in cfg and binds every listener it
// names (SMTP/LMTP endpoints, the metrics endpoint), but does not yet accept
// connections: per the stated startup order, binding happens before a
// privilege drop, which happens before Serve actually starts accepting.
// Grounded on salmon's utils.start_server sequencing for the pieces
// (pidfile, priv-drop semantics) translated to this bind-then-drop-then-
// listen order, which only makes sense given Server's own Listen/Serve
// split -- salmon's receivers bind and accept in the same call, so its
// literal order (drop, then start) has no equivalent split to preserve.
func Bootstrap(cfg *Config, logger log.Logger) (*Daemon, error) {
	if err := os.MkdirAll(cfg.StateDir, 0o700); err != nil {
		return nil, fmt.Errorf("mailroomd: state dir: %w", err)
	}

	store, err := state.NewPersistent(filepath.Join(cfg.StateDir, "state.json"))
	if err != nil {
		return nil, fmt.Errorf("mailroomd: state storage: %w", err)
	}

	r := router.New(store)
	r.Log = logger
	registerDefaultRoute(r, logger)

	d := &Daemon{Log: logger, Router: r, cfg: cfg}

	if cfg.Queue != nil {
		q, err := queue.New(cfg.Queue.Dir)
		if err != nil {
			return nil, fmt.Errorf("mailroomd: queue: %w", err)
		}
		q.Safe = cfg.Queue.Safe
		q.PopLimit = cfg.Queue.PopLimit
		q.OversizeDir = cfg.Queue.OversizeDir
		d.Queue = q

		if cfg.Queue.Poll > 0 {
			d.queueReceiver = &receiver.QueueReceiver{
				Queue:   q,
				Router:  r,
				Log:     logger,
				Sleep:   cfg.Queue.Poll,
				Workers: cfg.Queue.Workers,
			}
		}
	}

	if cfg.Relay != nil {
		rl, err := relay.New(relay.Config{
			Host:     cfg.Relay.Host,
			Port:     cfg.Relay.Port,
			SSL:      cfg.Relay.SSL,
			StartTLS: cfg.Relay.StartTLS,
			LMTP:     cfg.Relay.LMTP,
			Username: cfg.Relay.Username,
			Password: cfg.Relay.Password,
			Hostname: cfg.Hostname,
		})
		if err != nil {
			return nil, fmt.Errorf("mailroomd: relay: %w", err)
		}
		d.Relay = rl
	}

	for _, l := range cfg.SMTP {
		backend := &receiver.Backend{
			Config: receiver.Config{
				Hostname:        cfg.Hostname,
				MaxMessageBytes: l.MaxMessageBytes,
				LMTP:            l.LMTP,
				SpillDir:        l.SpillDir,
			},
			Router: r,
			Log:    logger,
		}
		if d.Queue != nil {
			backend.Undeliverable = d.Queue
		}

		srv := receiver.NewServer(backend.Config, backend, l.Workers)
		ln, err := receiver.Listen(l.Network, l.Address)
		if err != nil {
			return nil, fmt.Errorf("mailroomd: listen %s: %w", l.Address, err)
		}
		d.smtpListeners = append(d.smtpListeners, boundListener{server: srv, l: ln})
	}

	if cfg.MetricsAddr != "" {
		d.metricsEndpoint = metrics.NewEndpoint(logger)
		ln, err := net.Listen("tcp", cfg.MetricsAddr)
		if err != nil {
			return nil, fmt.Errorf("mailroomd: metrics listen: %w", err)
		}
		d.metricsListener = ln
	}

	return d, nil
}

// DropPrivileges drops to cfg.UID/cfg.GID, if both are set, after every
// listener has already bound its socket. It is a no-op otherwise.
//
// Grounded on salmon's utils.drop_priv, which only drops when both uid and
// gid are given; there is no teacher precedent for privilege dropping
// itself (maddy runs unprivileged throughout, relying on systemd or the
// init system to bind privileged ports), so the syscalls themselves are
// plain stdlib.
func (d *Daemon) DropPrivileges() error {
	return dropPrivileges(d.cfg.UID, d.cfg.GID)
}

// Serve starts accepting on every bound listener and runs the queue
// receiver, if configured, blocking until ctx is canceled.
func (d *Daemon) Serve(ctx context.Context) error {
	errCh := make(chan error, len(d.smtpListeners)+2)

	for _, bl := range d.smtpListeners {
		bl := bl
		go func() {
			if err := bl.server.Serve(bl.l); err != nil {
				errCh <- fmt.Errorf("mailroomd: smtp serve: %w", err)
			}
		}()
	}

	if d.metricsEndpoint != nil {
		go func() {
			if err := d.metricsEndpoint.ServeListener(d.metricsListener); err != nil {
				errCh <- fmt.Errorf("mailroomd: metrics serve: %w", err)
			}
		}()
	}

	if d.queueReceiver != nil {
		go func() {
			if err := d.queueReceiver.Run(ctx, false); err != nil {
				errCh <- fmt.Errorf("mailroomd: queue receiver: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		return d.shutdown()
	case err := <-errCh:
		d.shutdown()
		return err
	}
}

func (d *Daemon) shutdown() error {
	for _, bl := range d.smtpListeners {
		bl.server.Close()
	}
	if d.metricsEndpoint != nil {
		d.metricsEndpoint.Close()
	}
	return nil
}
