package client

import (
	"sync"
)

// outbox is the ordered queue of CRLF-terminated frames awaiting delivery.
// Producers push at the tail from any goroutine; only the loop drains the head.
type outbox struct {
	mu     sync.Mutex
	frames [][]byte
}

func (o *outbox) push(frame []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.frames = append(o.frames, frame)
}

func (o *outbox) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.frames)
}

func (o *outbox) head() ([]byte, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.frames) == 0 {
		return nil, false
	}
	return o.frames[0], true
}

func (o *outbox) pop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.frames[0] = nil
	o.frames = o.frames[1:]
}

// replaceHead swaps the head frame for its unsent suffix.
func (o *outbox) replaceHead(rest []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.frames[0] = rest
}

func (o *outbox) snapshot() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, len(o.frames))
	for i, f := range o.frames {
		out[i] = string(f)
	}
	return out
}

// drain writes queued frames through send until the queue is empty, the
// peer would block, or a frame is only partly written. It makes at most as
// many attempts as there were frames when it started. A non-nil error is
// fatal for the connection.
func (o *outbox) drain(send func([]byte) (int, error)) error {
	for i, attempts := 0, o.len(); i < attempts; i++ {
		frame, ok := o.head()
		if !ok {
			return nil
		}

		n, err := send(frame)
		if n < 0 {
			n = 0
		}
		if err != nil && !isWouldBlock(err) {
			return err
		}
		if n >= len(frame) {
			o.pop()
			if err != nil {
				return nil
			}
			continue
		}
		if n > 0 {
			o.replaceHead(frame[n:])
		}
		return nil
	}
	return nil
}
