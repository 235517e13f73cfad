package services

import "sync"

// mailbox is an unbounded FIFO with a single consumer. Put never blocks, so
// producers running on pion or store goroutines cannot stall behind the
// consumer.
type mailbox[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	notify chan struct{}
}

func newMailbox[T any]() *mailbox[T] {
	return &mailbox[T]{notify: make(chan struct{}, 1)}
}

// Put appends v and reports false once the mailbox is closed.
func (b *mailbox[T]) Put(v T) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	b.items = append(b.items, v)
	b.mu.Unlock()
	b.wake()
	return true
}

// Remove drops every queued item matching fn and returns how many went.
func (b *mailbox[T]) Remove(fn func(T) bool) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.items[:0]
	removed := 0
	for _, it := range b.items {
		if fn(it) {
			removed++
			continue
		}
		kept = append(kept, it)
	}
	var zero T
	for i := len(kept); i < len(b.items); i++ {
		b.items[i] = zero
	}
	b.items = kept
	return removed
}

func (b *mailbox[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Close stops accepting items. Queued items are still handed out unless
// discard is set.
func (b *mailbox[T]) Close(discard bool) {
	b.mu.Lock()
	b.closed = true
	if discard {
		b.items = nil
	}
	b.mu.Unlock()
	b.wake()
}

// Drain hands items to fn in order until the mailbox is closed and empty.
func (b *mailbox[T]) Drain(fn func(T)) {
	for {
		b.mu.Lock()
		if len(b.items) > 0 {
			v := b.items[0]
			var zero T
			b.items[0] = zero
			b.items = b.items[1:]
			b.mu.Unlock()
			fn(v)
			continue
		}
		if b.closed {
			b.mu.Unlock()
			return
		}
		b.mu.Unlock()
		<-b.notify
	}
}

func (b *mailbox[T]) wake() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}
