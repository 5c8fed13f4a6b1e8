package cellmodem

import "sync"

// callbackList is an append-only list of observers run in registration
// order.
type callbackList struct {
	mu  sync.Mutex
	fns []func()
}

func (l *callbackList) add(fn func()) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fns = append(l.fns, fn)
}

// broadcast runs every callback registered so far. Panics propagate.
func (l *callbackList) broadcast() {
	l.mu.Lock()
	fns := l.fns[:len(l.fns):len(l.fns)]
	l.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
