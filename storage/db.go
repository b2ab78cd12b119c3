// Package storage provides the generic key-value persistence used for
// agent-local state: the peer roster's scan cursor and the recent-result
// history ring.
// None of this is the content-addressed blob store itself (that is an
// external daemon reached through blockstore) nor the Hive ledger (reached
// through ledger) — it is purely local bookkeeping the agent needs to
// survive a restart without redoing expensive work.
package storage

import "errors"

// ErrNotFound is returned when a requested key does not exist.
var ErrNotFound = errors.New("not found")

// Batch is an atomic write buffer. All operations are applied together
// via Write() or discarded together on error, preventing partial commits.
type Batch interface {
	Set(key, value []byte)
	Delete(key []byte)
	Write() error
	Reset()
}

// DB is the generic key-value store interface.
type DB interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
	Delete(key []byte) error
	NewIterator(prefix []byte) Iterator
	NewBatch() Batch
	Close() error
}

// Iterator walks key-value pairs matching a prefix.
type Iterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Release()
	Error() error
}
