package session

import (
	"sync"

	"github.com/rollcap/recorder/pkg/core"
)

// Context holds the current session metadata and state
type Context struct {
	mu    sync.RWMutex
	meta  core.SessionMetadata
	state State
}

// NewContext creates a new Context in the Idle state
func NewContext() *Context {
	return &Context{state: StateIdle}
}

// Metadata returns a copy of the current metadata
func (c *Context) Metadata() core.SessionMetadata {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.meta
}

// SetMetadata replaces the current metadata
func (c *Context) SetMetadata(meta core.SessionMetadata) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.meta = meta
}

// State returns the current lifecycle state
func (c *Context) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Context) setState(s State) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.state
	c.state = s
	return prev
}

// Current returns the session ID and state name used to tag log records.
// Both are empty before the first metadata is set.
func (c *Context) Current() (id, state string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.meta.ID == "" {
		return "", ""
	}
	return c.meta.ID, c.state.String()
}
