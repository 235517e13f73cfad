package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/services"
	"meshcall/internal/infrastructure/docstore/memory"
	"meshcall/pkg/retry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := strings.TrimSpace(b.buf.String())
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func TestWatcherPrintsChanges(t *testing.T) {
	store := memory.NewStore()
	log := zap.NewNop().Sugar()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	presence := services.NewPresenceRegistry(store, "g1", retry.DefaultConfig(), log)
	require.NoError(t, presence.Join(ctx, domain.Participant{ID: "alice", DisplayName: "Alice"}))

	out := &syncBuffer{}
	w := newWatcher(store, "g1", out, true, log)
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return len(out.Lines()) == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, presence.Join(ctx, domain.Participant{ID: "bob"}))
	muted := true
	require.NoError(t, presence.UpdateSelf(ctx, "bob", domain.ParticipantUpdate{IsMuted: &muted}))
	require.NoError(t, presence.Leave(ctx, "alice"))

	require.Eventually(t, func() bool { return len(out.Lines()) == 4 }, 2*time.Second, 10*time.Millisecond)

	var lines []watchLine
	for _, l := range out.Lines() {
		var line watchLine
		require.NoError(t, json.Unmarshal([]byte(l), &line))
		lines = append(lines, line)
	}
	assert.Equal(t, "joined", lines[0].Event)
	assert.Equal(t, domain.UserID("alice"), lines[0].Participant.ID)
	assert.Equal(t, "joined", lines[1].Event)
	assert.Equal(t, 2, lines[1].Present)
	assert.Equal(t, "updated", lines[2].Event)
	assert.True(t, lines[2].Participant.IsMuted)
	assert.Equal(t, "left", lines[3].Event)
	assert.Equal(t, 1, lines[3].Present)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestWatcherTextOutput(t *testing.T) {
	out := &syncBuffer{}
	w := newWatcher(memory.NewStore(), "g1", out, false, zap.NewNop().Sugar())
	w.print("joined", domain.Participant{ID: "bob", IsMuted: true, IsVideoOff: true})

	lines := out.Lines()
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "joined")
	assert.Contains(t, lines[0], "bob (bob) [muted, video off] present=1")
}
