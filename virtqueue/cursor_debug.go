//go:build virtq_debug

package virtqueue

// cursorGuard tracks which AvailIter currently owns the next_avail cursor of a
// QueueState. Creating an iterator hands the cursor to it and invalidates any
// older iterator over the same state.
type cursorGuard struct {
	generation uint64
}

type iterGuard struct {
	generation uint64
	advanced   int
}

func (s *QueueState) checkoutCursor() iterGuard {
	s.guard.generation++
	return iterGuard{generation: s.guard.generation}
}

func (g *iterGuard) check(s *QueueState) {
	if g.generation != s.guard.generation {
		panic("virtqueue: available ring iterator used after a newer iterator was created for the same queue")
	}
}

func (g *iterGuard) advance() {
	g.advanced++
}

func (g *iterGuard) rewind() {
	if g.advanced == 0 {
		panic("virtqueue: GoToPreviousPosition called without a matching Next")
	}
	g.advanced--
}
