package virtq

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/virtq/config"
	"github.com/slackhq/virtq/guestmem"
	"github.com/slackhq/virtq/util"
	"github.com/slackhq/virtq/util/virtio"
	"github.com/slackhq/virtq/virtqueue"
	"go.yaml.in/yaml/v3"
)

type m = map[string]any

// queueConfig is one entry of the queues list.
type queueConfig struct {
	size     uint16
	maxSize  uint16
	base     guestmem.GuestAddress
	features virtio.Feature
}

func Main(c *config.C, configTest bool, buildVersion string, logger *logrus.Logger) (retcon *Control, reterr error) {
	ctx, cancel := context.WithCancel(context.Background())
	// Automatically cancel the context if Main returns an error, to signal all created goroutines to quit.
	defer func() {
		if reterr != nil {
			cancel()
		}
	}()

	l := logger
	l.Formatter = &logrus.TextFormatter{
		FullTimestamp: true,
	}

	// Print the config if in test, the exit comes later
	if configTest {
		b, err := yaml.Marshal(c.Settings)
		if err != nil {
			return nil, err
		}

		// Print the final config
		l.Println(string(b))
	}

	err := configLogger(l, c)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to configure the logger", err)
	}

	c.RegisterReloadCallback(func(c *config.C) {
		err := configLogger(l, c)
		if err != nil {
			l.WithError(err).Error("Failed to configure the logger")
		}
	})

	ranges, err := memoryRangesFromConfig(c)
	if err != nil {
		return nil, util.NewContextualError("Invalid memory.regions", nil, err)
	}

	mem, err := guestmem.FromRanges(ranges)
	if err != nil {
		return nil, util.NewContextualError("Failed to allocate guest memory", nil, err)
	}
	defer func() {
		if reterr != nil {
			_ = mem.Close()
		}
	}()
	for _, r := range mem.Regions() {
		l.WithField("base", r.GuestPhysicalAddress).WithField("size", r.Size()).Info("Guest memory region mapped")
	}

	qcs, err := queuesFromConfig(c)
	if err != nil {
		return nil, util.NewContextualError("Invalid queues", nil, err)
	}

	handler := NewLoopbackHandler(l, c.GetUint32("loopback.max_chain_bytes", 0))
	c.RegisterReloadCallback(func(c *config.C) {
		if c.HasChanged("loopback.max_chain_bytes") {
			n := c.GetUint32("loopback.max_chain_bytes", 0)
			handler.SetMaxChainBytes(n)
			l.WithField("maxChainBytes", n).Info("Loopback chain limit changed")
		}
	})

	backend := NewBackend(l, handler)
	defer func() {
		if reterr != nil {
			_ = backend.Close()
		}
	}()

	driver, err := NewDriver(l, mem)
	if err != nil {
		return nil, util.NewContextualError("Failed to create the driver", nil, err)
	}
	defer func() {
		if reterr != nil {
			_ = driver.Close()
		}
	}()

	for i, qc := range qcs {
		vq, err := virtqueue.NewMockSplitQueue(mem, qc.base, qc.size)
		if err != nil {
			return nil, util.NewContextualError("Failed to lay out queue", m{"queue": i, "base": qc.base}, err)
		}

		q := virtqueue.NewQueue(l, mem, qc.maxSize)
		vq.Configure(&q.State)
		q.State.Features = qc.features
		if err := q.State.Validate(mem); err != nil {
			return nil, util.NewContextualError("Queue is not valid", m{"queue": i}, err)
		}

		bq, err := backend.AddQueue(q)
		if err != nil {
			return nil, util.NewContextualError("Failed to add queue to the backend", m{"queue": i}, err)
		}
		if err := driver.AddQueue(vq, bq); err != nil {
			return nil, util.NewContextualError("Failed to add queue to the driver", m{"queue": i}, err)
		}

		l.WithField("queue", i).
			WithField("size", qc.size).
			WithField("descTable", q.State.DescTable).
			WithField("availRing", q.State.AvailRing).
			WithField("usedRing", q.State.UsedRing).
			WithField("features", qc.features).
			Info("Queue configured")
	}

	chains, err := scenarioFromConfig(c, mem)
	if err != nil {
		return nil, util.NewContextualError("Invalid scenario.chains", nil, err)
	}
	for i, chain := range chains {
		if chain.Queue >= len(qcs) {
			return nil, util.NewContextualError("Scenario chain refers to an unknown queue", m{"chain": i, "queue": chain.Queue}, nil)
		}
	}

	statsStart, err := startStats(l, c, buildVersion, configTest)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to start stats emitter", err)
	}

	if configTest {
		cancel()
		_ = driver.Close()
		_ = backend.Close()
		_ = mem.Close()
		return nil, nil
	}

	c.CatchHUP(ctx)

	return &Control{
		l:          l,
		ctx:        ctx,
		cancel:     cancel,
		mem:        mem,
		backend:    backend,
		driver:     driver,
		chains:     chains,
		statsStart: statsStart,
		replayDone: make(chan struct{}),
	}, nil
}

func memoryRangesFromConfig(c *config.C) ([]guestmem.Range, error) {
	rs, ok := c.Get("memory.regions").([]any)
	if !ok || len(rs) == 0 {
		return nil, fmt.Errorf("memory.regions must be a non-empty array")
	}

	ranges := make([]guestmem.Range, len(rs))
	for i, r := range rs {
		rm, ok := r.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("entry %d in memory.regions is not a map", i)
		}

		base, ok := config.AsUint64(rm["base"])
		if !ok {
			return nil, fmt.Errorf("entry %d in memory.regions has an invalid base: %v", i, rm["base"])
		}
		size, ok := config.AsUint64(rm["size"])
		if !ok || size == 0 {
			return nil, fmt.Errorf("entry %d in memory.regions has an invalid size: %v", i, rm["size"])
		}

		ranges[i] = guestmem.Range{Base: guestmem.GuestAddress(base), Size: size}
	}

	return ranges, nil
}

func queuesFromConfig(c *config.C) ([]queueConfig, error) {
	rs, ok := c.Get("queues").([]any)
	if !ok || len(rs) == 0 {
		return nil, fmt.Errorf("queues must be a non-empty array")
	}

	qcs := make([]queueConfig, len(rs))
	for i, r := range rs {
		rm, ok := r.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("entry %d in queues is not a map", i)
		}

		size, ok := config.AsUint64(rm["size"])
		if !ok || virtqueue.CheckQueueSize(int(min(size, 1<<16))) != nil {
			return nil, fmt.Errorf("entry %d in queues has an invalid size: %v", i, rm["size"])
		}
		qcs[i].size = uint16(size)

		qcs[i].maxSize = qcs[i].size
		if rm["max_size"] != nil {
			maxSize, ok := config.AsUint64(rm["max_size"])
			if !ok || virtqueue.CheckQueueSize(int(min(maxSize, 1<<16))) != nil {
				return nil, fmt.Errorf("entry %d in queues has an invalid max_size: %v", i, rm["max_size"])
			}
			qcs[i].maxSize = uint16(maxSize)
		}

		base, ok := config.AsUint64(rm["base"])
		if !ok {
			return nil, fmt.Errorf("entry %d in queues has an invalid base: %v", i, rm["base"])
		}
		qcs[i].base = guestmem.GuestAddress(base)

		if rm["indirect"] != nil {
			indirect, ok := config.AsBool(rm["indirect"])
			if !ok {
				return nil, fmt.Errorf("entry %d in queues has an invalid indirect: %v", i, rm["indirect"])
			}
			if indirect {
				qcs[i].features |= virtio.FeatureIndirectDescriptors
			}
		}

		for _, name := range stringList(rm["features"]) {
			f, err := virtio.ParseFeature(name)
			if err != nil {
				return nil, fmt.Errorf("entry %d in queues: %w", i, err)
			}
			qcs[i].features |= f
		}
	}

	return qcs, nil
}

func stringList(v any) []string {
	rv, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, len(rv))
	for i, s := range rv {
		out[i] = fmt.Sprintf("%v", s)
	}
	return out
}
