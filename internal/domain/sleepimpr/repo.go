package sleepimpr

import "context"

// Sink persists canonical records. Upsert merges on conflictKey, Insert always
// appends, and InsertOnce appends unless a row with the same conflictKey
// exists, reporting whether a row was written.
type Sink interface {
	Upsert(ctx context.Context, table string, rec Record, conflictKey ...string) error
	Insert(ctx context.Context, table string, rec Record) error
	InsertOnce(ctx context.Context, table string, rec Record, conflictKey ...string) (bool, error)
}
