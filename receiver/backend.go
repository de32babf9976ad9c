// Package receiver implements the Receivers component (C5): synchronous
// SMTP and LMTP listeners, an asynchronous variant that detaches delivery
// from the connection goroutine via a bounded worker pool, and a queue
// receiver that drains a Maildir on an interval.
//
// Grounded on salmon's server.py SMTPReceiver/LMTPReceiver/QueueReceiver and
// on the teacher's internal/endpoint/smtp package for the go-smtp wiring
// idiom (Backend/Session split, Config-driven Server fields).
package receiver

import (
	"context"
	"fmt"
	"io"

	"github.com/emersion/go-smtp"

	"github.com/mailroom/mailroom/framework/buffer"
	"github.com/mailroom/mailroom/framework/log"
	"github.com/mailroom/mailroom/internal/mailerr"
	"github.com/mailroom/mailroom/message"
	"github.com/mailroom/mailroom/router"
)

// defaultMemoryLimit bounds how much of a DATA payload readData keeps in
// memory before spilling the rest to SpillDir, when SpillDir is set.
const defaultMemoryLimit = 1 << 20 // 1MiB

// Dispatcher is the subset of *router.Router a receiver needs. Matching it
// structurally (rather than importing *router.Router directly everywhere)
// keeps session tests fakeable without standing up a real Router.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg router.Envelope) error
}

// Sink is where a message goes when nothing could be delivered: the
// undeliverable queue. *queue.Queue satisfies this with its Push method.
type Sink interface {
	Push(message []byte) (string, error)
}

// Config controls a Backend's delivery behavior; Server-level fields
// (listen address, TLS, timeouts) are configured on the *smtp.Server
// returned by NewServer.
type Config struct {
	// Hostname identifies this server in generated envelope Peer strings
	// when a connection has none (e.g. tests) and in logging.
	Hostname string

	// MaxMessageBytes caps the size of a DATA payload this receiver will
	// read before giving up. Zero means unlimited.
	MaxMessageBytes int64

	// LMTP switches Rcpt from single-recipient-only to unlimited and Data
	// delivery to per-recipient status reporting via LMTPData.
	LMTP bool

	// SpillDir, if non-empty, lets readData spill a DATA payload larger than
	// defaultMemoryLimit (or MaxMessageBytes, whichever is smaller) to a temp
	// file there instead of growing the in-memory copy further. Empty keeps
	// every payload in memory, which is fine for modest MaxMessageBytes caps.
	SpillDir string
}

// Backend implements go-smtp's Backend interface: one NewSession call per
// accepted connection.
type Backend struct {
	Config
	Router        Dispatcher
	Undeliverable Sink
	Log           log.Logger

	// async, if non-nil, makes every Session hand delivery off to a bounded
	// worker pool instead of blocking Data/LMTPData on it (the Asynchronous
	// variant). nil means synchronous delivery.
	async *asyncPool
}

// NewSession implements smtp.Backend.
func (b *Backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	peer := b.Hostname
	if c != nil && c.Conn() != nil {
		peer = c.Conn().RemoteAddr().String()
	}
	return &Session{backend: b, peer: peer}, nil
}

func (b *Backend) readData(r io.Reader) ([]byte, error) {
	if b.MaxMessageBytes > 0 {
		r = io.LimitReader(r, b.MaxMessageBytes+1)
	}

	memLimit := defaultMemoryLimit
	if b.MaxMessageBytes > 0 && b.MaxMessageBytes < int64(memLimit) {
		memLimit = int(b.MaxMessageBytes)
	}

	buf, err := buffer.BufferReader(r, memLimit, b.SpillDir)
	if err != nil {
		return nil, &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 3, 0},
			Message:      "failed to read message",
		}
	}
	defer buf.Remove()

	rc, err := buf.Open()
	if err != nil {
		return nil, &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 3, 0},
			Message:      "failed to read message",
		}
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 3, 0},
			Message:      "failed to read message",
		}
	}

	if b.MaxMessageBytes > 0 && int64(len(data)) > b.MaxMessageBytes {
		return nil, &smtp.SMTPError{
			Code:         552,
			EnhancedCode: smtp.EnhancedCode{5, 3, 4},
			Message:      "message too big",
		}
	}
	return data, nil
}

// deliver builds a MailRequest for one (peer, from, to) triple and dispatches
// it through the Router. Per spec, a handler's SMTPError propagates to the
// caller unchanged; any other error (including a MailRequest parse failure)
// is swallowed: the raw bytes go to the undeliverable Sink and delivery is
// reported as successful, since the remote MTA should not retry a message
// that already exists on local disk.
func (b *Backend) deliver(ctx context.Context, peer, from, to string, data []byte) error {
	req, err := message.NewRequest(peer, from, to, data)
	if err != nil {
		b.swallow(peer, from, to, data, err)
		return nil
	}

	err = b.Router.Dispatch(ctx, req.Envelope())
	if err == nil {
		return nil
	}
	if se, ok := mailerr.AsSMTPError(err); ok {
		return se.SMTP()
	}
	b.swallow(peer, from, to, data, err)
	return nil
}

func (b *Backend) swallow(peer, from, to string, data []byte, cause error) {
	b.Log.Error(fmt.Sprintf("delivery failed for peer=%s from=%s to=%s, pushing to undeliverable queue", peer, from, to), cause)
	if b.Undeliverable == nil {
		return
	}
	if _, err := b.Undeliverable.Push(data); err != nil {
		b.Log.Error("failed to push undeliverable message to queue", err)
	}
}
