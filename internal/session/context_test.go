package session

import (
	"sync"
	"testing"

	"github.com/rollcap/recorder/pkg/core"
	"github.com/stretchr/testify/assert"
)

func TestNewContext(t *testing.T) {
	c := NewContext()
	assert.Equal(t, StateIdle, c.State())
	assert.Empty(t, c.Metadata().ID)
	id, state := c.Current()
	assert.Empty(t, id)
	assert.Empty(t, state)
}

func TestContext_SetMetadata(t *testing.T) {
	c := NewContext()
	c.SetMetadata(core.SessionMetadata{ID: "abc", MovementMode: "continuous"})
	c.setState(StateRunning)

	assert.Equal(t, "abc", c.Metadata().ID)
	id, state := c.Current()
	assert.Equal(t, "abc", id)
	assert.Equal(t, "running", state)
}

func TestContext_ConcurrentAccess(t *testing.T) {
	c := NewContext()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			c.SetMetadata(core.SessionMetadata{ID: "x"})
			c.setState(StateRunning)
		}()
		go func() {
			defer wg.Done()
			_ = c.Metadata()
			_, _ = c.Current()
		}()
	}
	wg.Wait()
	assert.Equal(t, "x", c.Metadata().ID)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "starting", StateStarting.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "stopping", StateStopping.String())
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "unknown", State(42).String())
}
