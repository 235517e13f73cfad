package ports

import (
	"context"
	"time"
)

type ChangeKind int

const (
	ChangeAdded ChangeKind = iota
	ChangeModified
	ChangeRemoved
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeAdded:
		return "added"
	case ChangeModified:
		return "modified"
	case ChangeRemoved:
		return "removed"
	}
	return "unknown"
}

type Document struct {
	ID         string
	Data       map[string]interface{}
	CreateTime time.Time
	UpdateTime time.Time
}

type DocumentChange struct {
	Kind ChangeKind
	Doc  Document
}

// Query selects a whole collection. OrderBy names a field to sort by in
// ascending order; empty means store order.
type Query struct {
	Collection string
	OrderBy    string
}

type Subscription interface {
	Stop()
}

type serverTimestamp struct{}

// ServerTimestamp may be used as a field value in writes. The store replaces it
// with its own clock at commit time.
var ServerTimestamp interface{} = serverTimestamp{}

func IsServerTimestamp(v interface{}) bool {
	_, ok := v.(serverTimestamp)
	return ok
}

// DocumentStore is the real-time document database the call rides on. Paths
// are slash separated; document paths have an even number of segments and
// collection paths an odd number.
type DocumentStore interface {
	// Set creates or fully replaces the document at path.
	Set(ctx context.Context, path string, data map[string]interface{}) error
	// Merge writes the given top-level fields, creating the document if needed.
	Merge(ctx context.Context, path string, data map[string]interface{}) error
	// Add creates a document with a generated id inside collection.
	Add(ctx context.Context, collection string, data map[string]interface{}) (string, error)
	// Delete removes the document. Deleting a missing document is not an error.
	Delete(ctx context.Context, path string) error
	List(ctx context.Context, q Query) ([]Document, error)
	// Subscribe delivers the current contents as added changes, then every
	// subsequent change, in order, on a store-owned goroutine. onError is
	// called at most once when the subscription breaks.
	Subscribe(ctx context.Context, q Query, onChanges func([]DocumentChange), onError func(error)) (Subscription, error)
	Ping(ctx context.Context) error
	Close() error
}
