package main

import (
	"context"

	"github.com/mailroom/mailroom/framework/log"
	"github.com/mailroom/mailroom/router"
)

// registerDefaultRoute installs a catch-all stateless handler that logs
// every message, the same shape as the single ALL_ROUTE a freshly generated
// salmon project wires up in its own config/routing.py before any real
// handler is written.
func registerDefaultRoute(r *router.Router, logger log.Logger) {
	r.SetDefaults(map[string]string{"to": ".+"})
	r.Register("default", "ALL", "(to)", nil, true, false,
		func(ctx context.Context, msg router.Envelope, captures map[string]string) (*router.HandlerRef, error) {
			logger.Msg("delivered", "to", msg.To(), "from", msg.From())
			return nil, nil
		})
}
