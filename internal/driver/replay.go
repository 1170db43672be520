package driver

import "sync"

// Replay is an in-memory Driver used by tests and by the CLI commands when
// the configured driver kind is "replay"; there is no automatic fallback
// to it when a raw socket cannot be opened. Frames queued with Inject
// are handed back by Recv in order; frames passed to Send are appended to
// Sent for the caller to assert against.
type Replay struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  [][]byte
	closed bool

	Sent [][]byte
}

// NewReplay returns an empty Replay driver.
func NewReplay() *Replay {
	r := &Replay{}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Inject queues frame to be returned by a future Recv call. The slice is
// copied, so the caller may reuse it immediately.
func (r *Replay) Inject(frame []byte) {
	cp := make([]byte, len(frame))
	copy(cp, frame)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.queue = append(r.queue, cp)
	r.cond.Broadcast()
}

// Recv blocks until a frame has been injected or the driver is closed.
func (r *Replay) Recv(buf []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for len(r.queue) == 0 && !r.closed {
		r.cond.Wait()
	}
	if r.closed {
		return 0, ErrClosed
	}
	frame := r.queue[0]
	r.queue = r.queue[1:]
	n := copy(buf, frame)
	return n, nil
}

// Send records frame in Sent.
func (r *Replay) Send(frame []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	cp := make([]byte, len(frame))
	copy(cp, frame)
	r.Sent = append(r.Sent, cp)
	return nil
}

// Close unblocks any pending Recv and causes subsequent calls to return
// ErrClosed.
func (r *Replay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.cond.Broadcast()
	return nil
}

// LastSent returns the most recently sent frame, or nil if none have been
// sent yet.
func (r *Replay) LastSent() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.Sent) == 0 {
		return nil
	}
	return r.Sent[len(r.Sent)-1]
}

// SentCount returns the number of frames sent so far. Safe to call while
// another goroutine is driving Recv/Send, unlike reading Sent directly.
func (r *Replay) SentCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Sent)
}
