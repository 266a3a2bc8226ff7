package dispatch

import (
	"sync"

	"github.com/example/labcoord/pkg/labapi"
)

// CommandQueue holds pending commands per agent. Agents poll their queue on
// each heartbeat cycle; the planner never waits for delivery.
type CommandQueue struct {
	mu     sync.Mutex
	queues map[string][]labapi.Command
}

func NewCommandQueue() *CommandQueue {
	return &CommandQueue{queues: make(map[string][]labapi.Command)}
}

func (q *CommandQueue) Push(agentID string, cmd labapi.Command) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queues[agentID] = append(q.queues[agentID], cmd)
}

// Pull drains up to max commands for an agent in FIFO order.
func (q *CommandQueue) Pull(agentID string, max int) []labapi.Command {
	if max <= 0 {
		max = 10
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	pending := q.queues[agentID]
	if len(pending) == 0 {
		return nil
	}
	n := max
	if n > len(pending) {
		n = len(pending)
	}
	out := make([]labapi.Command, n)
	copy(out, pending[:n])
	rest := pending[n:]
	if len(rest) == 0 {
		delete(q.queues, agentID)
	} else {
		q.queues[agentID] = rest
	}
	return out
}

func (q *CommandQueue) Depth(agentID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[agentID])
}
