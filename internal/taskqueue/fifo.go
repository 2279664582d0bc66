package taskqueue

import "sync"

// fifo is an unbounded FIFO of task ids. Push never blocks, so Submit can
// enqueue and return immediately regardless of burst size; Pop parks the
// calling worker until an id arrives or the queue is closed.
type fifo struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []string
	closed bool
}

func newFIFO() *fifo {
	f := &fifo{}
	f.cond = sync.NewCond(&f.mu)
	return f
}

func (f *fifo) Push(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.items = append(f.items, id)
	f.cond.Signal()
}

// Pop returns the oldest id. It blocks while the queue is empty and returns
// ok=false once the queue has been closed (pending items are abandoned to
// the database, which re-seeds them on the next start).
func (f *fifo) Pop() (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for len(f.items) == 0 && !f.closed {
		f.cond.Wait()
	}
	if f.closed {
		return "", false
	}
	id := f.items[0]
	f.items = f.items[1:]
	return id, true
}

func (f *fifo) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.cond.Broadcast()
}

func (f *fifo) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}
