// Package store provides the durable key/value storage capability backing
// the bot's configuration records and conversation transcripts.
//
// Two backends implement the same KV contract: SQLite (default, single
// file) and Postgres (for deployments that already run one). Keyspaces
// are flat strings; callers layer their own prefixes on top.
package store

import "context"

// KV is the minimal durable storage capability. Get returns "" with a
// nil error when the key is absent; List returns keys in sorted order.
// No compare-and-swap is offered; callers must tolerate
// last-writer-wins on concurrent updates.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Put(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
	Close() error
}
