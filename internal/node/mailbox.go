package node

import "sync"

// mailbox serializes callbacks from every component onto one goroutine.
// post never blocks, so a callback fired synchronously from inside another
// callback (a channel close during RemovePeer, say) cannot deadlock.
type mailbox struct {
	mu     sync.Mutex
	queue  []func()
	wake   chan struct{}
	closed bool
}

func newMailbox() *mailbox {
	return &mailbox{wake: make(chan struct{}, 1)}
}

func (m *mailbox) post(fn func()) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.queue = append(m.queue, fn)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// run executes posted callbacks in order until done is closed.
func (m *mailbox) run(done <-chan struct{}) {
	for {
		m.mu.Lock()
		batch := m.queue
		m.queue = nil
		m.mu.Unlock()

		for _, fn := range batch {
			fn()
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-m.wake:
		case <-done:
			m.mu.Lock()
			m.closed = true
			m.queue = nil
			m.mu.Unlock()
			return
		}
	}
}
