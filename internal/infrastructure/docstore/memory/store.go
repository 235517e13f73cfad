// Package memory is an in-process document store with real-time
// subscriptions. It backs single-process deployments and tests.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"meshcall/internal/core/ports"
	"meshcall/internal/infrastructure/docstore/storeutil"
	"meshcall/pkg/utils"
)

var ErrClosed = errors.New("memory store closed")

type Op string

const (
	OpWrite  Op = "write"
	OpDelete Op = "delete"
	OpList   Op = "list"
)

type record struct {
	data    map[string]interface{}
	created time.Time
	updated time.Time
}

func (r *record) document(id string) ports.Document {
	return ports.Document{
		ID:         id,
		Data:       storeutil.CloneData(r.data),
		CreateTime: r.created,
		UpdateTime: r.updated,
	}
}

type fault struct {
	remaining int
	err       error
}

type Store struct {
	mu          sync.Mutex
	collections map[string]map[string]*record
	subs        map[string]map[uint64]*subscriber
	nextSubID   uint64
	faults      map[Op]*fault
	now         func() time.Time
	last        time.Time
	closed      bool
}

type Option func(*Store)

// WithClock overrides the clock used to resolve server timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		collections: make(map[string]map[string]*record),
		subs:        make(map[string]map[uint64]*subscriber),
		faults:      make(map[Op]*fault),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FailNext makes the next n operations of kind op return err.
func (s *Store) FailNext(op Op, n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = &fault{remaining: n, err: err}
}

func (s *Store) Set(ctx context.Context, path string, data map[string]interface{}) error {
	return s.write(ctx, path, data, false)
}

func (s *Store) Merge(ctx context.Context, path string, data map[string]interface{}) error {
	return s.write(ctx, path, data, true)
}

func (s *Store) Add(ctx context.Context, collection string, data map[string]interface{}) (string, error) {
	if err := utils.ValidateCollectionPath(collection); err != nil {
		return "", err
	}
	id := utils.NewAutoID()
	if err := s.write(ctx, utils.JoinPath(collection, id), data, false); err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) write(ctx context.Context, path string, data map[string]interface{}, merge bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	collection, id, err := utils.SplitDocPath(path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLocked(OpWrite); err != nil {
		return err
	}

	now := s.tickLocked()
	resolved := storeutil.ResolveTimestamps(data, now)

	docs, ok := s.collections[collection]
	if !ok {
		docs = make(map[string]*record)
		s.collections[collection] = docs
	}

	kind := ports.ChangeAdded
	rec, exists := docs[id]
	if exists {
		kind = ports.ChangeModified
		if merge {
			resolved = storeutil.MergeData(rec.data, resolved)
		}
		rec.data = resolved
		rec.updated = now
	} else {
		rec = &record{data: resolved, created: now, updated: now}
		docs[id] = rec
	}

	s.publishLocked(collection, kind, id, rec)
	return nil
}

func (s *Store) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	collection, id, err := utils.SplitDocPath(path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLocked(OpDelete); err != nil {
		return err
	}

	docs := s.collections[collection]
	rec, ok := docs[id]
	if !ok {
		return nil
	}
	delete(docs, id)
	if len(docs) == 0 {
		delete(s.collections, collection)
	}

	s.publishLocked(collection, ports.ChangeRemoved, id, rec)
	return nil
}

func (s *Store) List(ctx context.Context, q ports.Query) ([]ports.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := utils.ValidateCollectionPath(q.Collection); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLocked(OpList); err != nil {
		return nil, err
	}
	return s.snapshotLocked(q), nil
}

func (s *Store) Subscribe(ctx context.Context, q ports.Query, onChanges func([]ports.DocumentChange), onError func(error)) (ports.Subscription, error) {
	if err := utils.ValidateCollectionPath(q.Collection); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}

	s.nextSubID++
	sub := newSubscriber(s.nextSubID, q.Collection, onChanges, onError)
	sub.unregister = func() { s.unsubscribe(sub) }

	// The snapshot and registration happen under one lock so no write can
	// fall between them.
	snapshot := s.snapshotLocked(q)
	if len(snapshot) > 0 {
		changes := make([]ports.DocumentChange, 0, len(snapshot))
		for _, doc := range snapshot {
			changes = append(changes, ports.DocumentChange{Kind: ports.ChangeAdded, Doc: doc})
		}
		sub.enqueue(changes)
	}

	byID, ok := s.subs[q.Collection]
	if !ok {
		byID = make(map[uint64]*subscriber)
		s.subs[q.Collection] = byID
	}
	byID[sub.id] = sub
	s.mu.Unlock()

	go sub.run(ctx)
	return sub, nil
}

func (s *Store) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return ctx.Err()
}

// Close stops every subscription. Further writes fail with ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	var subs []*subscriber
	for _, byID := range s.subs {
		for _, sub := range byID {
			subs = append(subs, sub)
		}
	}
	s.subs = make(map[string]map[uint64]*subscriber)
	s.mu.Unlock()

	for _, sub := range subs {
		sub.halt()
	}
	return nil
}

// Count returns the number of documents in collection.
func (s *Store) Count(collection string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.collections[collection])
}

func (s *Store) unsubscribe(sub *subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if byID, ok := s.subs[sub.collection]; ok {
		delete(byID, sub.id)
		if len(byID) == 0 {
			delete(s.subs, sub.collection)
		}
	}
}

func (s *Store) snapshotLocked(q ports.Query) []ports.Document {
	docs := s.collections[q.Collection]
	out := make([]ports.Document, 0, len(docs))
	for id, rec := range docs {
		out = append(out, rec.document(id))
	}
	storeutil.SortDocuments(out, q.OrderBy)
	return out
}

func (s *Store) publishLocked(collection string, kind ports.ChangeKind, id string, rec *record) {
	for _, sub := range s.subs[collection] {
		sub.enqueue([]ports.DocumentChange{{Kind: kind, Doc: rec.document(id)}})
	}
}

func (s *Store) checkLocked(op Op) error {
	if s.closed {
		return ErrClosed
	}
	if f, ok := s.faults[op]; ok && f.remaining > 0 {
		f.remaining--
		if f.remaining == 0 {
			delete(s.faults, op)
		}
		return f.err
	}
	return nil
}

// tickLocked returns a strictly increasing server time.
func (s *Store) tickLocked() time.Time {
	now := s.now()
	if !now.After(s.last) {
		now = s.last.Add(time.Microsecond)
	}
	s.last = now
	return now
}
