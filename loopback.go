package virtq

import (
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/virtq/virtqueue"
)

// LoopbackHandler echoes the readable part of every chain into its writable
// part, like a loopback device would. Buffers are accessed in place, nothing is
// copied through an intermediate buffer.
type LoopbackHandler struct {
	l             *logrus.Logger
	maxChainBytes atomic.Uint32
}

// NewLoopbackHandler returns a handler that echoes at most maxChainBytes bytes
// per chain. Zero means no limit.
func NewLoopbackHandler(l *logrus.Logger, maxChainBytes uint32) *LoopbackHandler {
	h := &LoopbackHandler{l: l}
	h.maxChainBytes.Store(maxChainBytes)
	return h
}

// SetMaxChainBytes changes the per-chain limit for chains handled from now on.
func (h *LoopbackHandler) SetMaxChainBytes(n uint32) {
	h.maxChainBytes.Store(n)
}

// HandleChain copies readable bytes into the writable descriptors until either
// side or the per-chain limit runs out. It is safe for concurrent use.
func (h *LoopbackHandler) HandleChain(c *virtqueue.DescriptorChain) (uint32, error) {
	mem := c.Memory()
	limit := h.maxChainBytes.Load()
	if limit == 0 {
		limit = ^uint32(0)
	}

	r := c.Readable()
	w := c.Writable()

	var (
		written uint32
		dst     []byte
	)
	for d := range r.All() {
		src, err := mem.Slice(d.Address(), uint64(d.Length()))
		if err != nil {
			return written, fmt.Errorf("map readable descriptor at %s: %w", d.Address(), err)
		}

		for len(src) > 0 {
			if written == limit {
				h.l.WithField("headIndex", c.HeadIndex()).
					WithField("limit", limit).
					Debug("Chain payload exceeds the loopback limit, truncating")
				return written, nil
			}

			if len(dst) == 0 {
				wd, ok := w.Next()
				if !ok {
					return written, nil
				}
				dst, err = mem.Slice(wd.Address(), uint64(wd.Length()))
				if err != nil {
					return written, fmt.Errorf("map writable descriptor at %s: %w", wd.Address(), err)
				}
				continue
			}

			n := copy(dst, src[:min(uint64(len(src)), uint64(limit-written))])
			dst = dst[n:]
			src = src[n:]
			written += uint32(n)
		}
	}

	return written, nil
}
