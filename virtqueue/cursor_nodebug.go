//go:build !virtq_debug

package virtqueue

// cursorGuard is empty unless built with the virtq_debug tag, see
// cursor_debug.go.
type cursorGuard struct{}

type iterGuard struct{}

func (s *QueueState) checkoutCursor() iterGuard { return iterGuard{} }

func (g *iterGuard) check(*QueueState) {}
func (g *iterGuard) advance()          {}
func (g *iterGuard) rewind()           {}
