package virtq

import (
	"context"
	"errors"
	"fmt"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/virtq/config"
	"github.com/slackhq/virtq/eventfd"
	"github.com/slackhq/virtq/guestmem"
	"github.com/slackhq/virtq/virtqueue"
)

// ScenarioDescriptor is one buffer of a chain the driver offers.
type ScenarioDescriptor struct {
	Addr  guestmem.GuestAddress
	Len   uint32
	Write bool
	// Data is written into a readable buffer before the chain is offered.
	Data []byte
}

// ScenarioChain is a descriptor chain the driver offers on a queue.
type ScenarioChain struct {
	Queue       int
	Descriptors []ScenarioDescriptor
}

// Completion is a chain the device handed back.
type Completion struct {
	Queue  int
	Head   uint16
	Length uint32
	// Data holds the first Length bytes of the chain's writable buffers.
	Data []byte
}

type driverQueue struct {
	index int
	vq    *virtqueue.MockSplitQueue
	call  *eventfd.EventFD
	kick  *eventfd.EventFD
	ep    eventfd.Epoll

	// free is a stack of unused descriptor table entries.
	free []uint16
	// inFlight maps the head of every offered chain to its entries and buffers.
	inFlight map[uint16]inFlightChain
	lastUsed uint16
}

type inFlightChain struct {
	entries     []uint16
	descriptors []ScenarioDescriptor
}

// Driver plays the guest side of the queues served by a [Backend]. It offers
// descriptor chains through a [virtqueue.MockSplitQueue], kicks the device and
// collects the used elements once the device calls back.
type Driver struct {
	l      *logrus.Logger
	mem    virtqueue.GuestMemory
	queues []*driverQueue
	stop   eventfd.EventFD

	metricKicks           metrics.Counter
	metricKicksSuppressed metrics.Counter
}

func NewDriver(l *logrus.Logger, mem virtqueue.GuestMemory) (*Driver, error) {
	stop, err := eventfd.New()
	if err != nil {
		return nil, fmt.Errorf("create stop event file descriptor: %w", err)
	}
	return &Driver{
		l:                     l,
		mem:                   mem,
		stop:                  stop,
		metricKicks:           metrics.GetOrRegisterCounter("driver.kicks", nil),
		metricKicksSuppressed: metrics.GetOrRegisterCounter("driver.kicks.suppressed", nil),
	}, nil
}

// AddQueue attaches the driver to the layout vq, which must be the layout bq
// was configured with.
func (d *Driver) AddQueue(vq *virtqueue.MockSplitQueue, bq *BackendQueue) error {
	ep, err := eventfd.NewEpoll(2)
	if err != nil {
		return err
	}
	if err := ep.AddEvent(bq.Call.FD()); err != nil {
		_ = ep.Close()
		return fmt.Errorf("watch call of queue %d: %w", bq.Index, err)
	}
	if err := ep.AddEvent(d.stop.FD()); err != nil {
		_ = ep.Close()
		return fmt.Errorf("watch stop of queue %d: %w", bq.Index, err)
	}

	dq := &driverQueue{
		index:    len(d.queues),
		vq:       vq,
		call:     &bq.Call,
		kick:     &bq.Kick,
		ep:       ep,
		free:     make([]uint16, 0, vq.Size()),
		inFlight: make(map[uint16]inFlightChain),
	}
	for i := int(vq.Size()) - 1; i >= 0; i-- {
		dq.free = append(dq.free, uint16(i))
	}

	d.queues = append(d.queues, dq)
	return nil
}

// Replay offers every chain in order and waits until the device completed all
// of them. When a queue runs out of free descriptors the driver waits for
// completions first. Completions are returned in the order they were
// collected.
func (d *Driver) Replay(ctx context.Context, chains []ScenarioChain) ([]Completion, error) {
	// Wake up waits blocked in epoll once the context is done. A kick that
	// already started must finish before Replay returns, the caller may close
	// the stop descriptor right after.
	woken := make(chan struct{})
	stopWake := context.AfterFunc(ctx, func() {
		defer close(woken)
		if err := d.stop.Kick(); err != nil {
			d.l.WithError(err).Error("Failed to wake up the driver")
		}
	})
	defer func() {
		if !stopWake() {
			<-woken
		}
	}()

	var out []Completion
	for i, chain := range chains {
		if chain.Queue < 0 || chain.Queue >= len(d.queues) {
			return out, fmt.Errorf("chain %d refers to unknown queue %d", i, chain.Queue)
		}
		q := d.queues[chain.Queue]
		if len(chain.Descriptors) == 0 || len(chain.Descriptors) > int(q.vq.Size()) {
			return out, fmt.Errorf("chain %d has %d descriptors, queue %d allows 1 to %d",
				i, len(chain.Descriptors), q.index, q.vq.Size())
		}

		for len(q.free) < len(chain.Descriptors) {
			c, err := d.wait(ctx, q)
			out = append(out, c...)
			if err != nil {
				return out, err
			}
		}

		head, err := d.offer(q, chain.Descriptors)
		if err != nil {
			return out, fmt.Errorf("offer chain %d: %w", i, err)
		}
		d.l.WithField("queue", q.index).
			WithField("headIndex", head).
			WithField("descriptors", len(chain.Descriptors)).
			Debug("Offered descriptor chain")

		if err := d.notify(q); err != nil {
			return out, err
		}
	}

	for _, q := range d.queues {
		for len(q.inFlight) > 0 {
			c, err := d.wait(ctx, q)
			out = append(out, c...)
			if err != nil {
				return out, err
			}
		}
	}

	return out, nil
}

// notify kicks the device unless it is draining the queue right now. The head
// is already published, so a device that suppressed kicks will still see it.
func (d *Driver) notify(q *driverQueue) error {
	suppressed, err := q.vq.NotificationSuppressed()
	if err != nil {
		return fmt.Errorf("read used ring flags of queue %d: %w", q.index, err)
	}
	if suppressed {
		d.metricKicksSuppressed.Inc(1)
		return nil
	}
	if err := q.kick.Kick(); err != nil {
		return fmt.Errorf("kick queue %d: %w", q.index, err)
	}
	d.metricKicks.Inc(1)
	return nil
}

// offer stores the chain in free table entries and publishes its head.
func (d *Driver) offer(q *driverQueue, descs []ScenarioDescriptor) (uint16, error) {
	n := len(descs)
	entries := make([]uint16, n)
	copy(entries, q.free[len(q.free)-n:])

	for i, sd := range descs {
		data := sd.Data
		if sd.Write {
			// Clear writable buffers so stale bytes are not mistaken for output.
			data = make([]byte, sd.Len)
		}
		if err := d.mem.Write(data, sd.Addr); err != nil {
			return 0, fmt.Errorf("fill buffer at %s: %w", sd.Addr, err)
		}

		var flags, next uint16
		if sd.Write {
			flags |= virtqueue.DescriptorFlagWrite
		}
		if i < n-1 {
			flags |= virtqueue.DescriptorFlagNext
			next = entries[i+1]
		}
		desc := virtqueue.NewDescriptor(uint64(sd.Addr), sd.Len, flags, next)
		if err := q.vq.StoreDescriptor(entries[i], desc); err != nil {
			return 0, fmt.Errorf("store descriptor %d: %w", entries[i], err)
		}
	}

	head := entries[0]
	if err := q.vq.Offer(head); err != nil {
		return 0, err
	}

	q.free = q.free[:len(q.free)-n]
	q.inFlight[head] = inFlightChain{entries: entries, descriptors: descs}
	return head, nil
}

// wait blocks until the device completed at least one chain on q.
func (d *Driver) wait(ctx context.Context, q *driverQueue) ([]Completion, error) {
	for {
		c, err := d.collect(q)
		if err != nil || len(c) > 0 {
			return c, err
		}

		fds, err := q.ep.Block()
		if err != nil {
			return nil, fmt.Errorf("wait for queue %d: %w", q.index, err)
		}
		for _, fd := range fds {
			switch fd {
			case d.stop.FD():
				return nil, ctx.Err()
			case q.call.FD():
				if _, err := q.call.Drain(); err != nil {
					return nil, fmt.Errorf("drain call of queue %d: %w", q.index, err)
				}
			}
		}
	}
}

// collect takes the used elements published so far and releases their
// descriptors.
func (d *Driver) collect(q *driverQueue) ([]Completion, error) {
	elems, last, err := q.vq.TakeUsed(q.lastUsed)
	q.lastUsed = last
	if err != nil {
		return nil, fmt.Errorf("read used ring of queue %d: %w", q.index, err)
	}

	out := make([]Completion, 0, len(elems))
	for _, e := range elems {
		head := e.GetHead()
		chain, ok := q.inFlight[head]
		if !ok {
			d.l.WithField("queue", q.index).WithField("headIndex", head).Warn("Device completed a chain that was not offered")
			continue
		}
		delete(q.inFlight, head)
		q.free = append(q.free, chain.entries...)

		data, err := d.readWritten(chain.descriptors, e.Length)
		if err != nil {
			return out, err
		}

		c := Completion{Queue: q.index, Head: head, Length: e.Length, Data: data}
		d.l.WithField("queue", c.Queue).
			WithField("headIndex", c.Head).
			WithField("length", c.Length).
			WithField("data", string(c.Data)).
			Info("Chain completed")
		out = append(out, c)
	}
	return out, nil
}

func (d *Driver) readWritten(descs []ScenarioDescriptor, length uint32) ([]byte, error) {
	data := make([]byte, 0, length)
	for _, sd := range descs {
		if !sd.Write || uint32(len(data)) == length {
			continue
		}
		n := min(sd.Len, length-uint32(len(data)))
		buf := make([]byte, n)
		if err := d.mem.Read(buf, sd.Addr); err != nil {
			return nil, fmt.Errorf("read buffer at %s: %w", sd.Addr, err)
		}
		data = append(data, buf...)
	}
	return data, nil
}

func (d *Driver) Close() error {
	var errs []error
	for _, q := range d.queues {
		if err := q.ep.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := d.stop.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// scenarioFromConfig reads scenario.chains. Every buffer must be backed by mem.
func scenarioFromConfig(c *config.C, mem virtqueue.GuestMemory) ([]ScenarioChain, error) {
	raw := c.Get("scenario.chains")
	if raw == nil {
		return nil, nil
	}

	rs, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("scenario.chains is not an array")
	}

	chains := make([]ScenarioChain, len(rs))
	for i, r := range rs {
		m, ok := r.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("entry %d in scenario.chains is not a map", i)
		}

		queue, ok := config.AsUint64(m["queue"])
		if m["queue"] != nil && !ok {
			return nil, fmt.Errorf("entry %d in scenario.chains has an invalid queue: %v", i, m["queue"])
		}
		chains[i].Queue = int(queue)

		rds, ok := m["descriptors"].([]any)
		if !ok || len(rds) == 0 {
			return nil, fmt.Errorf("entry %d in scenario.chains has no descriptors", i)
		}

		for j, rd := range rds {
			sd, err := parseScenarioDescriptor(rd, mem)
			if err != nil {
				return nil, fmt.Errorf("descriptor %d of entry %d in scenario.chains: %w", j, i, err)
			}
			chains[i].Descriptors = append(chains[i].Descriptors, sd)
		}
	}

	return chains, nil
}

func parseScenarioDescriptor(raw any, mem virtqueue.GuestMemory) (ScenarioDescriptor, error) {
	var sd ScenarioDescriptor

	m, ok := raw.(map[string]any)
	if !ok {
		return sd, errors.New("not a map")
	}

	addr, ok := config.AsUint64(m["addr"])
	if !ok {
		return sd, fmt.Errorf("invalid addr: %v", m["addr"])
	}
	sd.Addr = guestmem.GuestAddress(addr)

	if m["write"] != nil {
		if sd.Write, ok = config.AsBool(m["write"]); !ok {
			return sd, fmt.Errorf("invalid write: %v", m["write"])
		}
	}

	if m["data"] != nil {
		if sd.Write {
			return sd, errors.New("a writable buffer can not carry data")
		}
		sd.Data = []byte(fmt.Sprintf("%v", m["data"]))
	}

	length := uint64(len(sd.Data))
	if m["len"] != nil {
		if length, ok = config.AsUint64(m["len"]); !ok || length > uint64(^uint32(0)) {
			return sd, fmt.Errorf("invalid len: %v", m["len"])
		}
	}
	if length < uint64(len(sd.Data)) {
		return sd, fmt.Errorf("data is %d bytes but len is %d", len(sd.Data), length)
	}
	sd.Len = uint32(length)

	if !mem.CheckRange(sd.Addr, length) {
		return sd, fmt.Errorf("buffer %s with len %d is outside of guest memory", sd.Addr, length)
	}
	if length > 0 {
		if _, err := mem.Slice(sd.Addr, length); err != nil {
			return sd, fmt.Errorf("buffer %s with len %d crosses a region boundary: %w", sd.Addr, length, err)
		}
	}

	return sd, nil
}
