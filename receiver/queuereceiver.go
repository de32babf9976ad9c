package receiver

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mailroom/mailroom/encoding"
	"github.com/mailroom/mailroom/framework/log"
	"github.com/mailroom/mailroom/message"
	"github.com/mailroom/mailroom/queue"
)

// QueueReceiver polls a Maildir queue and dispatches whatever it pops to a
// bounded worker pool, rather than accepting network connections.
//
// Grounded on salmon's server.py QueueReceiver: the sleep-poll loop, the
// worker pool (there: multiprocessing.dummy.Pool; here: golang.org/x/sync's
// errgroup bounding goroutine fan-out), and process_message's exception
// policy (SMTPError here is meaningless -- there is no peer to reply to --
// so it is logged and the raw message is pushed to the undeliverable sink,
// exactly like any other failure).
type QueueReceiver struct {
	Queue         *queue.Queue
	Router        Dispatcher
	Undeliverable Sink
	Log           log.Logger

	// Sleep is how long to wait between polls when the queue is empty.
	Sleep time.Duration
	// Workers bounds concurrent message processing.
	Workers int
}

// Run polls until ctx is canceled. If oneShot is true, Run instead returns
// as soon as the queue has been drained once.
func (q *QueueReceiver) Run(ctx context.Context, oneShot bool) error {
	workers := q.Workers
	if workers <= 0 {
		workers = 1
	}

	g, ctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup

	for {
		n, err := q.Queue.Len()
		if err != nil {
			return err
		}
		if n == 0 {
			if oneShot {
				break
			}
			select {
			case <-ctx.Done():
				wg.Wait()
				return g.Wait()
			case <-time.After(q.sleepInterval()):
				continue
			}
		}

		key, data, err := q.Queue.Pop()
		if err != nil {
			q.Log.Error("queue receiver: pop failed", err)
			continue
		}
		if key == "" {
			continue
		}

		wg.Add(1)
		sem <- struct{}{}
		g.Go(func() error {
			defer wg.Done()
			defer func() { <-sem }()
			q.processMessage(ctx, data)
			return nil
		})
	}

	wg.Wait()
	return g.Wait()
}

func (q *QueueReceiver) sleepInterval() time.Duration {
	if q.Sleep <= 0 {
		return 10 * time.Second
	}
	return q.Sleep
}

func (q *QueueReceiver) processMessage(ctx context.Context, data []byte) {
	// A bare Queue carries no sidecar envelope, so the recipient the Router
	// dispatches on has to come from the message's own To/From headers.
	base, err := encoding.Parse(data)
	if err != nil {
		q.Log.Error("queue receiver: could not parse queued message", err)
		q.pushUndeliverable(data)
		return
	}
	from, _ := base.Get("From")
	to, _ := base.Get("To")

	req, err := message.NewRequest("queue", from, to, data)
	if err != nil {
		q.Log.Error("queue receiver: could not parse queued message", err)
		q.pushUndeliverable(data)
		return
	}

	if err := q.Router.Dispatch(ctx, req.Envelope()); err != nil {
		// An SMTPError here has no peer to report to; treat it the same as
		// any other delivery failure.
		q.Log.Error("queue receiver: delivery failed", err)
		q.pushUndeliverable(data)
	}
}

func (q *QueueReceiver) pushUndeliverable(data []byte) {
	if q.Undeliverable == nil {
		return
	}
	if _, err := q.Undeliverable.Push(data); err != nil {
		q.Log.Error("queue receiver: failed to push undeliverable message", err)
	}
}
