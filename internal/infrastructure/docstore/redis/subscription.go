package redis

import (
	"context"
	"sync"

	"meshcall/internal/core/ports"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type seen struct {
	updated int64
	version int64
}

// subscription turns the change feed into document changes relative to the
// snapshot it started from. Changes the snapshot already reflects are
// skipped, and removals of documents it never reported are dropped.
type subscription struct {
	pubsub     *redis.PubSub
	onChanges  func([]ports.DocumentChange)
	onError    func(error)
	logger     *zap.SugaredLogger
	unregister func()

	known map[string]seen
	done  chan struct{}
	once  sync.Once
}

func newSubscription(pubsub *redis.PubSub, onChanges func([]ports.DocumentChange), onError func(error), logger *zap.SugaredLogger) *subscription {
	return &subscription{
		pubsub:    pubsub,
		onChanges: onChanges,
		onError:   onError,
		logger:    logger,
		known:     make(map[string]seen),
		done:      make(chan struct{}),
	}
}

func (s *subscription) run(ctx context.Context, snapshot []ports.Document, versions map[string]seen) {
	messages := s.pubsub.Channel()

	if len(snapshot) > 0 {
		changes := make([]ports.DocumentChange, 0, len(snapshot))
		for _, doc := range snapshot {
			s.known[doc.ID] = versions[doc.ID]
			changes = append(changes, ports.DocumentChange{Kind: ports.ChangeAdded, Doc: doc})
		}
		if !s.deliver(changes) {
			return
		}
	}

	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			s.Stop()
			return
		case msg, ok := <-messages:
			if !ok {
				s.halt(ErrSubscriptionClosed)
				return
			}
			change, ok := s.apply(msg.Payload)
			if !ok {
				continue
			}
			if !s.deliver([]ports.DocumentChange{change}) {
				return
			}
		}
	}
}

func (s *subscription) apply(payload string) (ports.DocumentChange, bool) {
	kind, id, rec, err := decodeChange([]byte(payload))
	if err != nil {
		s.logger.Warnw("dropping undecodable change", "error", err)
		return ports.DocumentChange{}, false
	}

	last, known := s.known[id]
	switch kind {
	case ports.ChangeRemoved:
		if !known {
			return ports.DocumentChange{}, false
		}
		delete(s.known, id)
	default:
		if known && !rec.newerThan(last.updated, last.version) {
			return ports.DocumentChange{}, false
		}
		s.known[id] = seen{updated: rec.Updated, version: rec.Version}
		if known {
			kind = ports.ChangeModified
		} else {
			kind = ports.ChangeAdded
		}
	}
	return ports.DocumentChange{Kind: kind, Doc: rec.document(id)}, true
}

func (s *subscription) deliver(changes []ports.DocumentChange) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	s.onChanges(changes)
	return true
}

func (s *subscription) Stop() {
	s.once.Do(func() {
		close(s.done)
		_ = s.pubsub.Close()
		if s.unregister != nil {
			s.unregister()
		}
	})
}

func (s *subscription) halt(err error) {
	s.once.Do(func() {
		close(s.done)
		_ = s.pubsub.Close()
		if s.unregister != nil {
			s.unregister()
		}
		if s.onError != nil {
			s.onError(err)
		}
	})
}
