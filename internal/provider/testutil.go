package provider

import (
	"context"
	"sync"

	"github.com/throw-if-null/metacrit/internal/api"
)

// ScriptFunc decides the outcome of one Complete call. Call numbering
// starts at 1.
type ScriptFunc func(call int, messages []api.Message, opts Options) (string, error)

// ScriptedClient is a Client for tests: each call is answered by the
// script, and all calls are recorded. Safe for concurrent use.
type ScriptedClient struct {
	Script ScriptFunc

	mu    sync.Mutex
	calls int
	log   [][]api.Message
}

func (c *ScriptedClient) Complete(_ context.Context, messages []api.Message, opts Options) (string, error) {
	c.mu.Lock()
	c.calls++
	call := c.calls
	c.log = append(c.log, messages)
	c.mu.Unlock()
	if c.Script == nil {
		return "ok", nil
	}
	return c.Script(call, messages, opts)
}

// Calls returns how many times Complete was invoked.
func (c *ScriptedClient) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// Conversation returns the messages of the i-th call (0-based).
func (c *ScriptedClient) Conversation(i int) []api.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i < 0 || i >= len(c.log) {
		return nil
	}
	return c.log[i]
}
