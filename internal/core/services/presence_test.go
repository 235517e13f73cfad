package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
	"meshcall/internal/infrastructure/docstore/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type presenceRecorder struct {
	mu     sync.Mutex
	events []string
}

func (r *presenceRecorder) record(kind string) func(domain.Participant) {
	return func(p domain.Participant) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, kind+":"+string(p.ID))
	}
}

func (r *presenceRecorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func TestPresenceRegistry_Lifecycle(t *testing.T) {
	now := t0
	store := memory.NewStore(memory.WithClock(func() time.Time { return now }))
	reg := NewPresenceRegistry(store, testGroup, testSignaling().Retry, zap.NewNop().Sugar())
	ctx := context.Background()

	rec := &presenceRecorder{}
	sub, err := reg.Subscribe(ctx, PresenceHandlers{
		OnAdded:    rec.record("added"),
		OnModified: rec.record("modified"),
		OnRemoved:  rec.record("removed"),
	})
	require.NoError(t, err)
	defer sub.Stop()

	require.NoError(t, reg.Join(ctx, domain.Participant{ID: "bob", DisplayName: "Bob", PhotoURL: "https://x/b.png"}))
	require.NoError(t, reg.Join(ctx, domain.Participant{ID: "alice", DisplayName: "Alice"}))

	list, err := reg.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, domain.UserID("bob"), list[0].ID, "ordered by join time")
	assert.Equal(t, "Bob", list[0].DisplayName)
	assert.Equal(t, "https://x/b.png", list[0].PhotoURL)
	assert.False(t, list[0].JoinedAt.IsZero())
	assert.True(t, list[0].JoinedAt.Before(list[1].JoinedAt))

	muted := true
	require.NoError(t, reg.UpdateSelf(ctx, "bob", domain.ParticipantUpdate{IsMuted: &muted}))
	require.NoError(t, reg.UpdateSelf(ctx, "bob", domain.ParticipantUpdate{}))
	require.NoError(t, reg.Leave(ctx, "alice"))
	require.NoError(t, reg.Leave(ctx, "alice"))

	require.Eventually(t, func() bool { return len(rec.all()) == 4 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"added:bob", "added:alice", "modified:bob", "removed:alice"}, rec.all())

	list, err = reg.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].IsMuted)
	assert.Equal(t, "Bob", list[0].DisplayName, "merge keeps other fields")
}

func TestPresenceRegistry_SkipsMalformedDocuments(t *testing.T) {
	store := &MockDocumentStore{}
	reg := NewPresenceRegistry(store, testGroup, testSignaling().Retry, zap.NewNop().Sugar())

	store.On("List", mock.Anything, ports.Query{Collection: participantsCollection(testGroup), OrderBy: fieldJoinedAt}).
		Return([]ports.Document{
			{ID: "", Data: map[string]interface{}{}},
			{ID: "carol", Data: map[string]interface{}{fieldDisplayName: "Carol", fieldJoinedAt: t0.Format(time.RFC3339Nano)}},
		}, nil)

	list, err := reg.List(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, domain.UserID("carol"), list[0].ID)
	assert.True(t, list[0].JoinedAt.Equal(t0))
	store.AssertExpectations(t)
}

func TestDecodeParticipant_FallsBackToIDField(t *testing.T) {
	p, err := decodeParticipant(ports.Document{Data: map[string]interface{}{
		fieldID:         "dave",
		fieldIsVideoOff: true,
		fieldJoinedAt:   int64(1700000000000),
	}})
	require.NoError(t, err)
	assert.Equal(t, domain.UserID("dave"), p.ID)
	assert.True(t, p.IsVideoOff)
	assert.Equal(t, int64(1700000000000), p.JoinedAt.UnixMilli())
}
