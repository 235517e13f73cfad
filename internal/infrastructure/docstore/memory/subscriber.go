package memory

import (
	"context"
	"sync"

	"meshcall/internal/core/ports"
)

// subscriber delivers change batches in order on its own goroutine so a slow
// handler never blocks writers.
type subscriber struct {
	id         uint64
	collection string
	onChanges  func([]ports.DocumentChange)
	onError    func(error)
	unregister func()

	mu     sync.Mutex
	queue  [][]ports.DocumentChange
	notify chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newSubscriber(id uint64, collection string, onChanges func([]ports.DocumentChange), onError func(error)) *subscriber {
	return &subscriber{
		id:         id,
		collection: collection,
		onChanges:  onChanges,
		onError:    onError,
		notify:     make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

func (s *subscriber) enqueue(changes []ports.DocumentChange) {
	s.mu.Lock()
	s.queue = append(s.queue, changes)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscriber) pop() []ports.DocumentChange {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil
	}
	batch := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	return batch
}

func (s *subscriber) run(ctx context.Context) {
	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			s.Stop()
			return
		case <-s.notify:
		}

		for batch := s.pop(); batch != nil; batch = s.pop() {
			select {
			case <-s.done:
				return
			default:
			}
			s.onChanges(batch)
		}
	}
}

func (s *subscriber) Stop() {
	s.once.Do(func() {
		close(s.done)
		if s.unregister != nil {
			s.unregister()
		}
	})
}

// halt stops delivery without touching the store registry and reports the
// closed store to the handler.
func (s *subscriber) halt() {
	s.once.Do(func() {
		close(s.done)
		if s.onError != nil {
			s.onError(ErrClosed)
		}
	})
}
