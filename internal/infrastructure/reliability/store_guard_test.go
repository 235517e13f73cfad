package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"meshcall/internal/core/ports"
	"meshcall/internal/infrastructure/docstore/memory"
	"meshcall/pkg/circuitbreaker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDown = errors.New("store down")

func guardConfig() circuitbreaker.Config {
	return circuitbreaker.Config{
		Enabled:             true,
		FailureThreshold:    2,
		SuccessThreshold:    1,
		Timeout:             50 * time.Millisecond,
		MaxRequestsHalfOpen: 1,
	}
}

func TestGuardedStorePassesThrough(t *testing.T) {
	ctx := context.Background()
	g := NewGuardedStore(memory.NewStore(), guardConfig(), nil)
	defer g.Close()

	require.NoError(t, g.Set(ctx, "calls/g1/participants/alice", map[string]interface{}{"displayName": "Alice"}))
	require.NoError(t, g.Merge(ctx, "calls/g1/participants/alice", map[string]interface{}{"isMuted": true}))
	id, err := g.Add(ctx, "calls/g1/signals", map[string]interface{}{"type": "offer"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	docs, err := g.List(ctx, ports.Query{Collection: "calls/g1/participants"})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, true, docs[0].Data["isMuted"])

	require.NoError(t, g.Delete(ctx, "calls/g1/participants/alice"))
	require.NoError(t, g.Ping(ctx))
	assert.NoError(t, g.Check(ctx))
}

func TestGuardedStoreOpensOnFailures(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	g := NewGuardedStore(store, guardConfig(), nil)
	defer g.Close()

	store.FailNext(memory.OpWrite, 2, errDown)
	for i := 0; i < 2; i++ {
		err := g.Set(ctx, "calls/g1/participants/alice", map[string]interface{}{"a": 1})
		assert.ErrorIs(t, err, errDown)
	}

	err := g.Set(ctx, "calls/g1/participants/alice", map[string]interface{}{"a": 1})
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.ErrorIs(t, g.Check(ctx), circuitbreaker.ErrOpen)
	assert.Equal(t, circuitbreaker.StateOpen, g.Stats().State)

	require.Eventually(t, func() bool {
		return g.Set(ctx, "calls/g1/participants/alice", map[string]interface{}{"a": 2}) == nil
	}, time.Second, 10*time.Millisecond)
	assert.NoError(t, g.Check(ctx))
}

func TestGuardedStoreSubscribeBypassesBreaker(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	g := NewGuardedStore(store, guardConfig(), nil)
	defer g.Close()
	require.NoError(t, store.Set(ctx, "calls/g1/participants/bob", map[string]interface{}{"displayName": "Bob"}))

	store.FailNext(memory.OpWrite, 2, errDown)
	_ = g.Set(ctx, "calls/g1/participants/x", map[string]interface{}{})
	_ = g.Set(ctx, "calls/g1/participants/x", map[string]interface{}{})
	require.Equal(t, circuitbreaker.StateOpen, g.Stats().State)

	got := make(chan []ports.DocumentChange, 1)
	sub, err := g.Subscribe(ctx, ports.Query{Collection: "calls/g1/participants"}, func(ch []ports.DocumentChange) {
		got <- ch
	}, nil)
	require.NoError(t, err)
	defer sub.Stop()

	select {
	case changes := <-got:
		require.Len(t, changes, 1)
		assert.Equal(t, "bob", changes[0].Doc.ID)
	case <-time.After(time.Second):
		t.Fatal("no initial snapshot")
	}
}
