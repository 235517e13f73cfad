// Package firestore is the document store on Cloud Firestore.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"meshcall/internal/core/ports"
	"meshcall/pkg/utils"

	"cloud.google.com/go/firestore"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var ErrClosed = errors.New("firestore store closed")

type Store struct {
	client *firestore.Client
	logger *zap.SugaredLogger

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
}

// NewStore takes ownership of client; Close closes it.
func NewStore(client *firestore.Client, logger *zap.SugaredLogger) *Store {
	return &Store{
		client: client,
		logger: logger,
		subs:   make(map[*subscription]struct{}),
	}
}

func (s *Store) Set(ctx context.Context, path string, data map[string]interface{}) error {
	if _, _, err := utils.SplitDocPath(path); err != nil {
		return err
	}
	if _, err := s.client.Doc(path).Set(ctx, toFirestore(data)); err != nil {
		return fmt.Errorf("set %s: %w", path, err)
	}
	return nil
}

func (s *Store) Merge(ctx context.Context, path string, data map[string]interface{}) error {
	if _, _, err := utils.SplitDocPath(path); err != nil {
		return err
	}
	if _, err := s.client.Doc(path).Set(ctx, toFirestore(data), firestore.MergeAll); err != nil {
		return fmt.Errorf("merge %s: %w", path, err)
	}
	return nil
}

func (s *Store) Add(ctx context.Context, collection string, data map[string]interface{}) (string, error) {
	if err := utils.ValidateCollectionPath(collection); err != nil {
		return "", err
	}
	ref, _, err := s.client.Collection(collection).Add(ctx, toFirestore(data))
	if err != nil {
		return "", fmt.Errorf("add to %s: %w", collection, err)
	}
	return ref.ID, nil
}

func (s *Store) Delete(ctx context.Context, path string) error {
	if _, _, err := utils.SplitDocPath(path); err != nil {
		return err
	}
	if _, err := s.client.Doc(path).Delete(ctx); err != nil && status.Code(err) != codes.NotFound {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	return nil
}

func (s *Store) List(ctx context.Context, q ports.Query) ([]ports.Document, error) {
	if err := utils.ValidateCollectionPath(q.Collection); err != nil {
		return nil, err
	}
	snaps, err := s.query(q).Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", q.Collection, err)
	}
	docs := make([]ports.Document, 0, len(snaps))
	for _, snap := range snaps {
		docs = append(docs, fromSnapshot(snap))
	}
	return docs, nil
}

func (s *Store) Subscribe(ctx context.Context, q ports.Query, onChanges func([]ports.DocumentChange), onError func(error)) (ports.Subscription, error) {
	if err := utils.ValidateCollectionPath(q.Collection); err != nil {
		return nil, err
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		iter:      s.query(q).Snapshots(subCtx),
		cancel:    cancel,
		onChanges: onChanges,
		onError:   onError,
		logger:    s.logger,
		done:      make(chan struct{}),
	}
	sub.unregister = func() { s.forget(sub) }

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		sub.iter.Stop()
		return nil, ErrClosed
	}
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	go sub.run(subCtx)
	return sub, nil
}

// Ping reads a well-known document. A missing document still proves the
// backend answered.
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.client.Doc("_meshcall/ping").Get(ctx)
	if err != nil && status.Code(err) != codes.NotFound {
		return fmt.Errorf("firestore ping: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subs := make([]*subscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subs = make(map[*subscription]struct{})
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Stop()
	}
	return s.client.Close()
}

func (s *Store) query(q ports.Query) firestore.Query {
	coll := s.client.Collection(q.Collection)
	if q.OrderBy != "" {
		return coll.OrderBy(q.OrderBy, firestore.Asc)
	}
	return coll.Query
}

func (s *Store) forget(sub *subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, sub)
}

func fromSnapshot(snap *firestore.DocumentSnapshot) ports.Document {
	return ports.Document{
		ID:         snap.Ref.ID,
		Data:       snap.Data(),
		CreateTime: snap.CreateTime,
		UpdateTime: snap.UpdateTime,
	}
}

// toFirestore swaps the port's server timestamp sentinel for Firestore's.
func toFirestore(data map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(data))
	for k, v := range data {
		switch val := v.(type) {
		case map[string]interface{}:
			out[k] = toFirestore(val)
		default:
			if ports.IsServerTimestamp(v) {
				out[k] = firestore.ServerTimestamp
			} else {
				out[k] = v
			}
		}
	}
	return out
}

// quietEnd reports whether a snapshot iterator error means the listener was
// stopped on purpose.
func quietEnd(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	switch status.Code(err) {
	case codes.Canceled, codes.DeadlineExceeded:
		return true
	}
	return errors.Is(err, context.Canceled)
}
