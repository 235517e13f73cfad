package reliability

import (
	"context"
	"fmt"

	"meshcall/internal/core/ports"
	"meshcall/pkg/circuitbreaker"
	"meshcall/pkg/tracing"

	"go.uber.org/zap"
)

// GuardedStore puts a circuit breaker in front of a DocumentStore. Once the
// store keeps failing, writes and reads fail fast with circuitbreaker.ErrOpen
// so presence and signaling retries stop piling onto a dead backend.
//
// Subscribe and Close bypass the breaker: subscriptions are long lived and
// report their own failures, and Close must always reach the store.
type GuardedStore struct {
	store   ports.DocumentStore
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.SugaredLogger
}

func NewGuardedStore(store ports.DocumentStore, cfg circuitbreaker.Config, logger *zap.SugaredLogger) *GuardedStore {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	g := &GuardedStore{
		store:   store,
		breaker: circuitbreaker.New(cfg),
		logger:  logger,
	}
	g.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Infow("document store circuit breaker state changed",
			"from", from.String(),
			"to", to.String(),
		)
	})
	return g
}

func (g *GuardedStore) Set(ctx context.Context, path string, data map[string]interface{}) error {
	return g.exec(ctx, "set", path, func(ctx context.Context) error {
		return g.store.Set(ctx, path, data)
	})
}

func (g *GuardedStore) Merge(ctx context.Context, path string, data map[string]interface{}) error {
	return g.exec(ctx, "merge", path, func(ctx context.Context) error {
		return g.store.Merge(ctx, path, data)
	})
}

func (g *GuardedStore) Add(ctx context.Context, collection string, data map[string]interface{}) (id string, err error) {
	ctx, span := tracing.TraceStoreOperation(ctx, "add", collection)
	defer span.End()
	defer func() { tracing.RecordError(ctx, err) }()

	return circuitbreaker.Do(ctx, g.breaker, func() (string, error) {
		return g.store.Add(ctx, collection, data)
	})
}

func (g *GuardedStore) Delete(ctx context.Context, path string) error {
	return g.exec(ctx, "delete", path, func(ctx context.Context) error {
		return g.store.Delete(ctx, path)
	})
}

func (g *GuardedStore) List(ctx context.Context, q ports.Query) (docs []ports.Document, err error) {
	ctx, span := tracing.TraceStoreOperation(ctx, "list", q.Collection)
	defer span.End()
	defer func() { tracing.RecordError(ctx, err) }()

	return circuitbreaker.Do(ctx, g.breaker, func() ([]ports.Document, error) {
		return g.store.List(ctx, q)
	})
}

func (g *GuardedStore) Subscribe(ctx context.Context, q ports.Query, onChanges func([]ports.DocumentChange), onError func(error)) (ports.Subscription, error) {
	return g.store.Subscribe(ctx, q, onChanges, onError)
}

func (g *GuardedStore) Ping(ctx context.Context) error {
	return g.breaker.Execute(ctx, func() error {
		return g.store.Ping(ctx)
	})
}

func (g *GuardedStore) exec(ctx context.Context, op, path string, fn func(context.Context) error) error {
	ctx, span := tracing.TraceStoreOperation(ctx, op, path)
	defer span.End()

	err := g.breaker.Execute(ctx, func() error { return fn(ctx) })
	tracing.RecordError(ctx, err)
	return err
}

func (g *GuardedStore) Close() error {
	return g.store.Close()
}

// Check reports an error while the breaker is open. It is meant for
// readiness checks and never touches the store.
func (g *GuardedStore) Check(context.Context) error {
	if state := g.breaker.GetState(); state == circuitbreaker.StateOpen {
		return fmt.Errorf("document store %w", circuitbreaker.ErrOpen)
	}
	return nil
}

func (g *GuardedStore) Stats() circuitbreaker.Stats {
	return g.breaker.GetStats()
}

var _ ports.DocumentStore = (*GuardedStore)(nil)
