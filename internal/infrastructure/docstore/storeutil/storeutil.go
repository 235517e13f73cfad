// Package storeutil holds helpers shared by the document store drivers.
package storeutil

import (
	"sort"
	"time"

	"meshcall/internal/core/ports"
	"meshcall/pkg/utils"
)

// ResolveTimestamps returns a copy of data with every ports.ServerTimestamp
// value replaced by now.
func ResolveTimestamps(data map[string]interface{}, now time.Time) map[string]interface{} {
	out := make(map[string]interface{}, len(data))
	for k, v := range data {
		switch val := v.(type) {
		case map[string]interface{}:
			out[k] = ResolveTimestamps(val, now)
		default:
			if ports.IsServerTimestamp(v) {
				out[k] = now
			} else {
				out[k] = v
			}
		}
	}
	return out
}

// CloneData deep-copies nested maps so callers cannot mutate stored state.
func CloneData(data map[string]interface{}) map[string]interface{} {
	if data == nil {
		return nil
	}
	out := make(map[string]interface{}, len(data))
	for k, v := range data {
		if m, ok := v.(map[string]interface{}); ok {
			out[k] = CloneData(m)
			continue
		}
		out[k] = v
	}
	return out
}

// MergeData applies patch on top of base at the top level.
func MergeData(base, patch map[string]interface{}) map[string]interface{} {
	out := CloneData(base)
	if out == nil {
		out = make(map[string]interface{}, len(patch))
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}

// SortDocuments orders docs by the orderBy field, falling back to creation
// time and then id so the order is total.
func SortDocuments(docs []ports.Document, orderBy string) {
	sort.SliceStable(docs, func(i, j int) bool {
		if orderBy != "" {
			if c := utils.CompareValues(docs[i].Data[orderBy], docs[j].Data[orderBy]); c != 0 {
				return c < 0
			}
		}
		if c := docs[i].CreateTime.Compare(docs[j].CreateTime); c != 0 {
			return c < 0
		}
		return docs[i].ID < docs[j].ID
	})
}
