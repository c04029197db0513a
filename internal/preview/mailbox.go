package preview

import (
	"sync"

	"github.com/coreman2200/funtimes-sandestin/internal/render"
)

type frameMsg struct {
	frame render.Frame
	data  []byte
}

// mailbox is a single-slot buffer: put overwrites whatever the consumer has
// not taken yet, so the producer never waits on a slow reader.
type mailbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	msg    *frameMsg
	drops  uint64
	closed bool
}

func newMailbox() *mailbox {
	m := &mailbox{}
	m.cond = sync.NewCond(&m.mu)
	return m
}

func (m *mailbox) put(msg *frameMsg) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if m.msg != nil {
		m.drops++
	}
	m.msg = msg
	m.cond.Signal()
}

// take blocks until a message is available or the mailbox is closed.
func (m *mailbox) take() (*frameMsg, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for m.msg == nil && !m.closed {
		m.cond.Wait()
	}
	if m.closed {
		return nil, false
	}
	msg := m.msg
	m.msg = nil
	return msg, true
}

func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cond.Broadcast()
}

func (m *mailbox) dropped() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.drops
}
