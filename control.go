package virtq

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/virtq/guestmem"
)

// Control runs the device backend and replays the configured scenario against
// it. It is returned by Main.
type Control struct {
	l      *logrus.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mem     *guestmem.Memory
	backend *Backend
	driver  *Driver
	chains  []ScenarioChain

	statsStart func()

	replayDone  chan struct{}
	completions []Completion
	replayErr   error
}

// Start runs the backend workers and the scenario replay, this is a nonblocking call. To block use Control.ShutdownBlock()
func (c *Control) Start() {
	if c.statsStart != nil {
		go c.statsStart()
	}

	c.wg.Go(func() {
		if err := c.backend.Run(c.ctx); err != nil {
			c.l.WithError(err).Error("Backend stopped")
		}
	})

	c.wg.Go(func() {
		defer close(c.replayDone)
		if len(c.chains) == 0 {
			return
		}

		c.completions, c.replayErr = c.driver.Replay(c.ctx, c.chains)
		if c.replayErr != nil {
			c.l.WithError(c.replayErr).Error("Scenario replay failed")
			return
		}
		c.l.WithField("chains", len(c.completions)).Info("Scenario replay finished")
	})
}

// ReplayDone is closed once the scenario replay finished or was stopped.
func (c *Control) ReplayDone() <-chan struct{} {
	return c.replayDone
}

// Completions returns the chains completed during the replay. It must only be
// called after ReplayDone is closed.
func (c *Control) Completions() ([]Completion, error) {
	return c.completions, c.replayErr
}

// Stop signals the workers to shutdown, returns after the shutdown is complete
func (c *Control) Stop() {
	c.cancel()
	c.wg.Wait()

	if err := c.driver.Close(); err != nil {
		c.l.WithError(err).Error("Close driver failed")
	}
	if err := c.backend.Close(); err != nil {
		c.l.WithError(err).Error("Close backend failed")
	}
	if err := c.mem.Close(); err != nil {
		c.l.WithError(err).Error("Release guest memory failed")
	}
	c.l.Info("Goodbye")
}

// ShutdownBlock will listen for and block on term and interrupt signals, calling Control.Stop() once signalled
func (c *Control) ShutdownBlock() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM)
	signal.Notify(sigChan, syscall.SIGINT)

	rawSig := <-sigChan
	sig := rawSig.String()
	c.l.WithField("signal", sig).Info("Caught signal, shutting down")
	c.Stop()
}
