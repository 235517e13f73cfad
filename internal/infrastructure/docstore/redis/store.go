// Package redis is a document store on Redis. Each document is a JSON value
// under doc:{path}; every collection keeps a sorted-set index under
// idx:{collection} and publishes its changes on chg:{collection}. Server
// timestamps come from the Redis TIME command.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"meshcall/internal/core/ports"
	"meshcall/internal/infrastructure/docstore/storeutil"
	"meshcall/pkg/utils"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	ErrClosed             = errors.New("redis store closed")
	ErrSubscriptionClosed = errors.New("redis change feed closed")
)

const maxTxRetries = 16

type Store struct {
	client *redis.Client
	prefix string
	logger *zap.SugaredLogger

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
}

// NewStore takes ownership of client; Close closes it.
func NewStore(client *redis.Client, prefix string, logger *zap.SugaredLogger) *Store {
	return &Store{
		client: client,
		prefix: keyPrefix(prefix),
		logger: logger,
		subs:   make(map[*subscription]struct{}),
	}
}

func (s *Store) docKey(path string) string              { return s.prefix + "doc:" + path }
func (s *Store) indexKey(collection string) string      { return s.prefix + "idx:" + collection }
func (s *Store) changeChannel(collection string) string { return s.prefix + "chg:" + collection }

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
	if err := s.checkOpen(); err != nil {
		return err
	}
	collection, id, err := utils.SplitDocPath(path)
	if err != nil {
		return err
	}
	now, err := s.client.Time(ctx).Result()
	if err != nil {
		return fmt.Errorf("server time: %w", err)
	}
	resolved := storeutil.ResolveTimestamps(data, now)
	docKey := s.docKey(path)

	txf := func(tx *redis.Tx) error {
		kind := ports.ChangeAdded
		rec := record{Data: resolved, Created: now.UnixNano(), Updated: now.UnixNano(), Version: 1}

		raw, err := tx.Get(ctx, docKey).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			prev, err := decodeRecord(raw)
			if err != nil {
				return err
			}
			kind = ports.ChangeModified
			rec.Created = prev.Created
			rec.Version = prev.Version + 1
			if merge {
				rec.Data = storeutil.MergeData(prev.Data, resolved)
			}
		}

		encoded, err := encodeRecord(rec)
		if err != nil {
			return err
		}
		msg, err := encodeChange(kind, id, rec)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, docKey, encoded, 0)
			pipe.ZAddNX(ctx, s.indexKey(collection), redis.Z{Score: float64(time.Unix(0, rec.Created).UnixMicro()), Member: id})
			pipe.Publish(ctx, s.changeChannel(collection), msg)
			return nil
		})
		return err
	}
	return s.watch(ctx, txf, docKey)
}

func (s *Store) Delete(ctx context.Context, path string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	collection, id, err := utils.SplitDocPath(path)
	if err != nil {
		return err
	}
	docKey := s.docKey(path)

	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, docKey).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		prev, err := decodeRecord(raw)
		if err != nil {
			return err
		}
		msg, err := encodeChange(ports.ChangeRemoved, id, prev)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, docKey)
			pipe.ZRem(ctx, s.indexKey(collection), id)
			pipe.Publish(ctx, s.changeChannel(collection), msg)
			return nil
		})
		return err
	}
	return s.watch(ctx, txf, docKey)
}

func (s *Store) watch(ctx context.Context, txf func(*redis.Tx) error, key string) error {
	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("%s: %w", key, redis.TxFailedErr)
}

func (s *Store) List(ctx context.Context, q ports.Query) ([]ports.Document, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if err := utils.ValidateCollectionPath(q.Collection); err != nil {
		return nil, err
	}
	docs, _, err := s.list(ctx, q)
	return docs, err
}

func (s *Store) list(ctx context.Context, q ports.Query) ([]ports.Document, map[string]seen, error) {
	ids, err := s.client.ZRange(ctx, s.indexKey(q.Collection), 0, -1).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("list %s: %w", q.Collection, err)
	}
	versions := make(map[string]seen, len(ids))
	if len(ids) == 0 {
		return nil, versions, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.docKey(utils.JoinPath(q.Collection, id))
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("list %s: %w", q.Collection, err)
	}

	docs := make([]ports.Document, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// Deleted between the index read and the fetch.
			continue
		}
		rec, err := decodeRecord([]byte(raw))
		if err != nil {
			s.logger.Warnw("skipping undecodable document",
				"path", keys[i],
				"error", err,
			)
			continue
		}
		docs = append(docs, rec.document(ids[i]))
		versions[ids[i]] = seen{updated: rec.Updated, version: rec.Version}
	}
	storeutil.SortDocuments(docs, q.OrderBy)
	return docs, versions, nil
}

// Subscribe listens on the collection's change channel before reading the
// snapshot, so no change can fall between the two.
func (s *Store) Subscribe(ctx context.Context, q ports.Query, onChanges func([]ports.DocumentChange), onError func(error)) (ports.Subscription, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if err := utils.ValidateCollectionPath(q.Collection); err != nil {
		return nil, err
	}

	pubsub := s.client.Subscribe(ctx, s.changeChannel(q.Collection))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", q.Collection, err)
	}

	snapshot, versions, err := s.list(ctx, q)
	if err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	sub := newSubscription(pubsub, onChanges, onError, s.logger)
	sub.unregister = func() { s.forget(sub) }

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = pubsub.Close()
		return nil, ErrClosed
	}
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	go sub.run(ctx, snapshot, versions)
	return sub, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.client.Ping(ctx).Err()
}

// Close stops every subscription and closes the client.
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
		sub.halt(ErrClosed)
	}
	return s.client.Close()
}

func (s *Store) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *Store) forget(sub *subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, sub)
}
