package redis

import (
	"encoding/json"
	"fmt"
	"time"

	"meshcall/internal/core/ports"
)

const timeKey = "$time"

// record is the stored form of a document. Timestamps inside data are
// tagged so they decode back to time.Time.
type record struct {
	Data    map[string]interface{} `json:"data"`
	Created int64                  `json:"created"`
	Updated int64                  `json:"updated"`
	// Version counts writes to this incarnation of the document.
	Version int64 `json:"version"`
}

// newerThan orders two records of the same document.
func (r record) newerThan(updated, version int64) bool {
	if r.Updated != updated {
		return r.Updated > updated
	}
	return r.Version > version
}

type change struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
	Doc  record `json:"doc"`
}

func encodeRecord(r record) ([]byte, error) {
	r.Data = tagTimes(r.Data)
	return json.Marshal(r)
}

func decodeRecord(b []byte) (record, error) {
	var r record
	if err := json.Unmarshal(b, &r); err != nil {
		return record{}, fmt.Errorf("decode document: %w", err)
	}
	r.Data = untagTimes(r.Data)
	return r, nil
}

func (r record) document(id string) ports.Document {
	return ports.Document{
		ID:         id,
		Data:       r.Data,
		CreateTime: time.Unix(0, r.Created),
		UpdateTime: time.Unix(0, r.Updated),
	}
}

func encodeChange(kind ports.ChangeKind, id string, r record) ([]byte, error) {
	r.Data = tagTimes(r.Data)
	return json.Marshal(change{Kind: kind.String(), ID: id, Doc: r})
}

func decodeChange(b []byte) (ports.ChangeKind, string, record, error) {
	var c change
	if err := json.Unmarshal(b, &c); err != nil {
		return 0, "", record{}, fmt.Errorf("decode change: %w", err)
	}
	c.Doc.Data = untagTimes(c.Doc.Data)
	switch c.Kind {
	case ports.ChangeAdded.String():
		return ports.ChangeAdded, c.ID, c.Doc, nil
	case ports.ChangeModified.String():
		return ports.ChangeModified, c.ID, c.Doc, nil
	case ports.ChangeRemoved.String():
		return ports.ChangeRemoved, c.ID, c.Doc, nil
	}
	return 0, "", record{}, fmt.Errorf("decode change: unknown kind %q", c.Kind)
}

func tagTimes(data map[string]interface{}) map[string]interface{} {
	if data == nil {
		return nil
	}
	out := make(map[string]interface{}, len(data))
	for k, v := range data {
		switch val := v.(type) {
		case time.Time:
			out[k] = map[string]interface{}{timeKey: val.UTC().Format(time.RFC3339Nano)}
		case map[string]interface{}:
			out[k] = tagTimes(val)
		default:
			out[k] = v
		}
	}
	return out
}

func untagTimes(data map[string]interface{}) map[string]interface{} {
	for k, v := range data {
		m, ok := v.(map[string]interface{})
		if !ok {
			continue
		}
		if s, ok := m[timeKey].(string); ok && len(m) == 1 {
			if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
				data[k] = t
				continue
			}
		}
		data[k] = untagTimes(m)
	}
	return data
}
