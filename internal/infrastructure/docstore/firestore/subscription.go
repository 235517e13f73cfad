package firestore

import (
	"context"
	"sync"

	"meshcall/internal/core/ports"

	"cloud.google.com/go/firestore"
	"go.uber.org/zap"
)

type subscription struct {
	iter       *firestore.QuerySnapshotIterator
	cancel     context.CancelFunc
	onChanges  func([]ports.DocumentChange)
	onError    func(error)
	logger     *zap.SugaredLogger
	unregister func()

	done chan struct{}
	once sync.Once
}

// run owns the iterator; Stop only cancels its context so that Next
// returns.
func (s *subscription) run(ctx context.Context) {
	defer s.iter.Stop()
	for {
		qs, err := s.iter.Next()
		if err != nil {
			if quietEnd(ctx, err) {
				s.Stop()
				return
			}
			s.logger.Warnw("firestore listener failed", "error", err)
			s.Stop()
			if s.onError != nil {
				s.onError(err)
			}
			return
		}

		changes := make([]ports.DocumentChange, 0, len(qs.Changes))
		for _, c := range qs.Changes {
			changes = append(changes, ports.DocumentChange{
				Kind: changeKind(c.Kind),
				Doc:  fromSnapshot(c.Doc),
			})
		}
		if len(changes) == 0 {
			continue
		}

		select {
		case <-s.done:
			return
		default:
		}
		s.onChanges(changes)
	}
}

func (s *subscription) Stop() {
	s.once.Do(func() {
		close(s.done)
		s.cancel()
		if s.unregister != nil {
			s.unregister()
		}
	})
}

func changeKind(k firestore.DocumentChangeKind) ports.ChangeKind {
	switch k {
	case firestore.DocumentModified:
		return ports.ChangeModified
	case firestore.DocumentRemoved:
		return ports.ChangeRemoved
	}
	return ports.ChangeAdded
}
