package virtq

import (
	"context"
	"errors"
	"fmt"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/virtq/eventfd"
	"github.com/slackhq/virtq/virtqueue"
	"golang.org/x/sync/errgroup"
)

// ErrRetryLater is returned by a [ChainHandler] that cannot process a chain
// right now. The chain is put back and offered again after the next kick.
var ErrRetryLater = errors.New("chain cannot be processed yet")

// ChainHandler processes one descriptor chain and returns the number of bytes
// it wrote into the chain's writable descriptors.
//
// Any error other than ErrRetryLater still completes the chain, with a written
// length of 0, so the driver gets its buffers back.
type ChainHandler interface {
	HandleChain(c *virtqueue.DescriptorChain) (written uint32, err error)
}

// BackendQueue is a queue served by a [Backend] together with its
// notification descriptors.
type BackendQueue struct {
	Index int
	Queue *virtqueue.Queue

	// Kick is signalled by the driver after it published chains.
	Kick eventfd.EventFD
	// Call is signalled by the backend after it published used elements,
	// unless the driver suppressed interrupts.
	Call eventfd.EventFD
}

// Backend is the device side of one or more queues. Each queue gets its own
// worker, so a handler must be safe for concurrent use when more than one queue
// is added.
type Backend struct {
	l       *logrus.Logger
	handler ChainHandler
	queues  []*BackendQueue

	metricHandled  metrics.Counter
	metricDeferred metrics.Counter
	metricErrors   metrics.Counter
	metricCalls    metrics.Counter
}

func NewBackend(l *logrus.Logger, handler ChainHandler) *Backend {
	return &Backend{
		l:              l,
		handler:        handler,
		metricHandled:  metrics.GetOrRegisterCounter("backend.chains.handled", nil),
		metricDeferred: metrics.GetOrRegisterCounter("backend.chains.deferred", nil),
		metricErrors:   metrics.GetOrRegisterCounter("backend.chains.errors", nil),
		metricCalls:    metrics.GetOrRegisterCounter("backend.calls", nil),
	}
}

// AddQueue registers q with the backend and creates its kick and call
// descriptors. Queues must be added before Run.
func (b *Backend) AddQueue(q *virtqueue.Queue) (_ *BackendQueue, err error) {
	bq := &BackendQueue{Index: len(b.queues), Queue: q}

	defer func() {
		if err != nil {
			_ = bq.close()
		}
	}()

	if bq.Kick, err = eventfd.New(); err != nil {
		return nil, fmt.Errorf("create kick event file descriptor: %w", err)
	}
	if bq.Call, err = eventfd.New(); err != nil {
		return nil, fmt.Errorf("create call event file descriptor: %w", err)
	}

	b.queues = append(b.queues, bq)
	return bq, nil
}

// Queues returns the registered queues in the order they were added.
func (b *Backend) Queues() []*BackendQueue {
	return b.queues
}

// ProcessQueue drains every chain the driver has published on q, hands each
// one to the handler and publishes it in the used ring. It returns the number
// of chains completed.
//
// When the handler returns ErrRetryLater the chain is put back and draining
// stops. An invalid queue completes nothing.
func (b *Backend) ProcessQueue(q *virtqueue.Queue) (int, error) {
	n, _, err := b.drain(q)
	return n, err
}

// drain is ProcessQueue that also reports whether a chain was put back.
func (b *Backend) drain(q *virtqueue.Queue) (completed int, deferred bool, err error) {
	it, err := q.Iter()
	if err != nil {
		return 0, false, err
	}

	for {
		c, ok := it.Next()
		if !ok {
			return completed, false, nil
		}

		written, err := b.handler.HandleChain(&c)
		if errors.Is(err, ErrRetryLater) {
			it.GoToPreviousPosition()
			b.metricDeferred.Inc(1)
			b.l.WithField("headIndex", c.HeadIndex()).Debug("Chain handler asked to retry later")
			return completed, true, nil
		}
		if err != nil {
			b.metricErrors.Inc(1)
			b.l.WithError(err).WithField("headIndex", c.HeadIndex()).Warn("Failed to handle descriptor chain")
			written = 0
		}

		if err := q.AddUsed(c.HeadIndex(), written); err != nil {
			return completed, false, fmt.Errorf("complete chain %d: %w", c.HeadIndex(), err)
		}
		b.metricHandled.Inc(1)
		completed++
	}
}

// Run serves all queues until ctx is cancelled. Each queue is drained once on
// start and again whenever its kick descriptor is signalled.
func (b *Backend) Run(ctx context.Context) error {
	stop, err := eventfd.New()
	if err != nil {
		return fmt.Errorf("create stop event file descriptor: %w", err)
	}
	defer stop.Close()

	g, gctx := errgroup.WithContext(ctx)
	for _, bq := range b.queues {
		g.Go(func() error {
			return b.worker(bq, stop.FD())
		})
	}

	// The workers block in epoll and never notice the context being cancelled.
	// Kicking the stop descriptor wakes all of them, as it is never drained.
	g.Go(func() error {
		<-gctx.Done()
		if err := stop.Kick(); err != nil {
			return fmt.Errorf("wake up workers: %w", err)
		}
		return nil
	})

	return g.Wait()
}

func (b *Backend) worker(bq *BackendQueue, stopFD int) error {
	ep, err := eventfd.NewEpoll(2)
	if err != nil {
		return err
	}
	defer ep.Close()

	if err := ep.AddEvent(bq.Kick.FD()); err != nil {
		return fmt.Errorf("watch kick of queue %d: %w", bq.Index, err)
	}
	if err := ep.AddEvent(stopFD); err != nil {
		return fmt.Errorf("watch stop of queue %d: %w", bq.Index, err)
	}

	l := b.l.WithField("queue", bq.Index)
	l.Debug("Queue worker started")

	for {
		b.serve(l, bq)

		fds, err := ep.Block()
		if err != nil {
			return fmt.Errorf("wait for queue %d: %w", bq.Index, err)
		}

		for _, fd := range fds {
			switch fd {
			case stopFD:
				l.Debug("Queue worker stopped")
				return nil
			case bq.Kick.FD():
				if _, err := bq.Kick.Drain(); err != nil {
					return fmt.Errorf("drain kick of queue %d: %w", bq.Index, err)
				}
			}
		}
	}
}

// serve drains the queue and signals the driver if anything completed.
//
// The driver is told not to kick while the queue is being drained. Chains it
// publishes in that window come without a kick, so after notifications are
// enabled again the available ring is checked once more.
func (b *Backend) serve(l *logrus.Entry, bq *BackendQueue) {
	q := bq.Queue
	if !q.IsValid() {
		l.Debug("Queue is not valid, nothing to serve")
		return
	}

	var completed int
	for {
		if err := q.SetNotificationSuppressed(true); err != nil {
			l.WithError(err).Error("Failed to suppress notifications")
		}
		n, deferred, err := b.drain(q)
		completed += n
		if err := q.SetNotificationSuppressed(false); err != nil {
			l.WithError(err).Error("Failed to enable notifications")
		}
		if err != nil {
			l.WithError(err).Error("Failed to process queue")
			break
		}
		if deferred {
			break
		}

		pending, err := q.HasPending()
		if err != nil {
			l.WithError(err).Error("Failed to read available ring")
			break
		}
		if !pending {
			break
		}
	}

	if completed == 0 {
		return
	}

	suppressed, err := q.InterruptSuppressed()
	if err != nil {
		l.WithError(err).Error("Failed to read interrupt suppression")
	}
	if suppressed {
		return
	}

	if err := bq.Call.Kick(); err != nil {
		l.WithError(err).Error("Failed to signal used buffers")
		return
	}
	b.metricCalls.Inc(1)
}

// Close releases the notification descriptors of all queues. The backend must
// not be running.
func (b *Backend) Close() error {
	var errs []error
	for _, bq := range b.queues {
		if err := bq.close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (bq *BackendQueue) close() error {
	var errs []error
	if err := bq.Kick.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close kick event file descriptor: %w", err))
	}
	if err := bq.Call.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close call event file descriptor: %w", err))
	}
	return errors.Join(errs...)
}
