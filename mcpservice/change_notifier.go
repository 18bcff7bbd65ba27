package mcpservice

import "sync"

// ChangeNotifier is a small in-process pub-sub used by the Registry to signal
// that the tool list changed. Delivery is best-effort: a subscriber that has
// not drained its previous signal misses the coalesced one.
type ChangeNotifier struct {
	mu     sync.Mutex
	subs   map[int]chan struct{}
	nextID int
	closed bool
}

// Notify signals every current subscriber without blocking.
func (cn *ChangeNotifier) Notify() {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	if cn.closed {
		return
	}
	for _, ch := range cn.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Subscribe returns a channel (capacity 1) receiving change signals and a
// function that removes the subscription. After Close the channel is closed.
func (cn *ChangeNotifier) Subscribe() (<-chan struct{}, func()) {
	cn.mu.Lock()
	defer cn.mu.Unlock()

	ch := make(chan struct{}, 1)
	if cn.closed {
		close(ch)
		return ch, func() {}
	}
	if cn.subs == nil {
		cn.subs = make(map[int]chan struct{})
	}
	id := cn.nextID
	cn.nextID++
	cn.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			cn.mu.Lock()
			defer cn.mu.Unlock()
			if _, ok := cn.subs[id]; ok {
				delete(cn.subs, id)
				close(ch)
			}
		})
	}
}

// Close closes every subscriber channel. Further Notify calls are no-ops.
func (cn *ChangeNotifier) Close() {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	if cn.closed {
		return
	}
	cn.closed = true
	for id, ch := range cn.subs {
		delete(cn.subs, id)
		close(ch)
	}
}
