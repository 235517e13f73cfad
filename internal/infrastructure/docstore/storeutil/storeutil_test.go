package storeutil

import (
	"testing"
	"time"

	"meshcall/internal/core/ports"

	"github.com/stretchr/testify/assert"
)

func TestResolveTimestamps(t *testing.T) {
	now := time.Now()
	in := map[string]interface{}{
		"at":     ports.ServerTimestamp,
		"name":   "alice",
		"nested": map[string]interface{}{"at": ports.ServerTimestamp},
	}

	out := ResolveTimestamps(in, now)

	assert.Equal(t, now, out["at"])
	assert.Equal(t, "alice", out["name"])
	assert.Equal(t, now, out["nested"].(map[string]interface{})["at"])
	assert.True(t, ports.IsServerTimestamp(in["at"]), "input must not be mutated")
}

func TestMergeData(t *testing.T) {
	base := map[string]interface{}{"isMuted": false, "displayName": "A"}
	out := MergeData(base, map[string]interface{}{"isMuted": true})

	assert.Equal(t, true, out["isMuted"])
	assert.Equal(t, "A", out["displayName"])
	assert.Equal(t, false, base["isMuted"])

	assert.Equal(t, map[string]interface{}{"x": 1}, MergeData(nil, map[string]interface{}{"x": 1}))
}

func TestSortDocuments(t *testing.T) {
	t0 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	docs := []ports.Document{
		{ID: "c", Data: map[string]interface{}{"joinedAt": t0.Add(2 * time.Second)}},
		{ID: "b", Data: map[string]interface{}{"joinedAt": t0}},
		{ID: "a", Data: map[string]interface{}{"joinedAt": t0}},
	}

	SortDocuments(docs, "joinedAt")

	assert.Equal(t, []string{"a", "b", "c"}, []string{docs[0].ID, docs[1].ID, docs[2].ID})
}
