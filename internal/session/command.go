package session

import (
	"context"
	"sync"
)

// Command is a requested session transition.
type Command int

const (
	CommandStart Command = iota
	CommandStop
	CommandCancel
)

func (c Command) String() string {
	switch c {
	case CommandStart:
		return "start"
	case CommandStop:
		return "stop"
	case CommandCancel:
		return "cancel"
	default:
		return "unknown"
	}
}

// request is a queued command. A non-empty sessionID targets one session and
// is ignored if that session is no longer live.
type request struct {
	cmd       Command
	sessionID string
	source    string
}

// commandQueue is an unbounded FIFO with a single consumer. push never blocks,
// so control surfaces and the watchdog can enqueue from any goroutine.
type commandQueue struct {
	mu     sync.Mutex
	items  []request
	signal chan struct{}
}

func newCommandQueue() *commandQueue {
	return &commandQueue{signal: make(chan struct{}, 1)}
}

func (q *commandQueue) push(r request) {
	q.mu.Lock()
	q.items = append(q.items, r)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// pop blocks until a request is available or ctx is done.
func (q *commandQueue) pop(ctx context.Context) (request, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			r := q.items[0]
			q.items[0] = request{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return r, true
		}
		q.mu.Unlock()

		select {
		case <-q.signal:
		case <-ctx.Done():
			return request{}, false
		}
	}
}

func (q *commandQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
