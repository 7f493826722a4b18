package consensus

import (
	"sync"

	"github.com/corraldb/corral/pkg/types"
)

// Command is the future for one submitted command. The caller polls Status
// or blocks in Wait, then releases it with Unref.
type Command struct {
	mu     sync.Mutex
	cond   *sync.Cond
	index  types.Index
	status types.CommandStatus
	refs   int
}

func newCommand(index types.Index, status types.CommandStatus) *Command {
	c := &Command{index: index, status: status, refs: 1}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Index is the log index assigned to the command, or 0 if it never reached
// the log.
func (c *Command) Index() types.Index {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.index
}

// Status returns the current status without blocking.
func (c *Command) Status() types.CommandStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Wait blocks until the command reaches a final status.
func (c *Command) Wait() types.CommandStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	for !c.status.Done() {
		c.cond.Wait()
	}
	return c.status
}

// Unref releases the caller's reference.
func (c *Command) Unref() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.refs > 0 {
		c.refs--
	}
}

// complete moves the command to a final status; later completions are
// ignored so Shutdown cannot overwrite Success.
func (c *Command) complete(status types.CommandStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status.Done() {
		return
	}
	c.status = status
	c.cond.Broadcast()
}
