// Package remote mirrors local records into a shared document collection and
// maintains the reconciled in-memory cache that the researcher dashboard
// reads. Mirroring is best-effort: the local store stays authoritative and a
// push failure never blocks the participant's flow.
package remote

import (
	"context"

	"github.com/sells-group/study-sync/internal/model"
)

// DocumentStore is the remote collection contract. Put upserts a document
// under its (DataType, Key) pair; List returns every document of one type.
type DocumentStore interface {
	Put(ctx context.Context, doc model.Document) error
	List(ctx context.Context, dataType model.DataType) ([]model.Document, error)
	Close() error
}

// Feed delivers asynchronous change events from the remote store. Run blocks
// until ctx is done, invoking handler for every received document with no
// ordering guarantee relative to local pushes.
type Feed interface {
	Run(ctx context.Context, handler func(model.Document)) error
}
