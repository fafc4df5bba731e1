package workflow

import "sync"

// mailbox is an unbounded FIFO of closures run by a single goroutine.
// Posting never blocks, so channel callbacks can post from anywhere,
// including from inside a closure being run.
type mailbox struct {
	mu     sync.Mutex
	queue  []func()
	signal chan struct{}
	closed bool
}

func newMailbox() *mailbox {
	return &mailbox{signal: make(chan struct{}, 1)}
}

func (m *mailbox) post(fn func()) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.queue = append(m.queue, fn)
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
	return true
}

func (m *mailbox) next() (func(), bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return nil, false
	}
	fn := m.queue[0]
	m.queue[0] = nil
	m.queue = m.queue[1:]
	return fn, true
}

// run executes posted closures in order until quit is closed
func (m *mailbox) run(quit <-chan struct{}) {
	for {
		for {
			fn, ok := m.next()
			if !ok {
				break
			}
			fn()
			select {
			case <-quit:
				m.close()
				return
			default:
			}
		}

		select {
		case <-m.signal:
		case <-quit:
			m.close()
			return
		}
	}
}

func (m *mailbox) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.queue = nil
}
