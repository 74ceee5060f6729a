// Package kv defines the ordered key-value store the delivery engine
// persists into: atomic multi-key commits with compare conditions and
// ascending range scans.
package kv

import "context"

// Entry is a single key-value pair.
type Entry struct {
	Key   []byte
	Value []byte
}

// Condition is a precondition checked atomically with a batch commit.
// A nil Value requires the key to be absent; otherwise the stored value
// must be byte-equal.
type Condition struct {
	Key   []byte
	Value []byte
}

// Batch collects writes that must be applied in one atomic commit.
type Batch struct {
	puts       []Entry
	deletes    [][]byte
	conditions []Condition
}

// Put adds a key-value write to the batch.
func (b *Batch) Put(key, value []byte) {
	b.puts = append(b.puts, Entry{Key: key, Value: value})
}

// Delete adds a key deletion to the batch.
func (b *Batch) Delete(key []byte) {
	b.deletes = append(b.deletes, key)
}

// Expect adds a precondition: the commit fails with ErrConditionFailed
// unless the stored value for key equals value (nil means absent).
func (b *Batch) Expect(key, value []byte) {
	b.conditions = append(b.conditions, Condition{Key: key, Value: value})
}

// Puts returns the pending writes.
func (b *Batch) Puts() []Entry { return b.puts }

// Deletes returns the pending deletions.
func (b *Batch) Deletes() [][]byte { return b.deletes }

// Conditions returns the preconditions.
func (b *Batch) Conditions() []Condition { return b.conditions }

// Empty reports whether the batch carries no writes.
func (b *Batch) Empty() bool { return len(b.puts) == 0 && len(b.deletes) == 0 }

// Store is an ordered key-value store with atomic multi-key commit.
type Store interface {
	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key []byte) ([]byte, error)

	// Commit applies all writes in the batch atomically. If any
	// condition fails, nothing is written and ErrConditionFailed is
	// returned.
	Commit(ctx context.Context, batch *Batch) error

	// Scan returns entries with start <= key < end in ascending key
	// order, at most limit entries (limit <= 0 means no limit).
	Scan(ctx context.Context, start, end []byte, limit int) ([]Entry, error)
}

// PrefixEnd returns the smallest key greater than every key with the
// given prefix, for use as a Scan upper bound.
func PrefixEnd(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	// Prefix is all 0xff bytes; scan to the end of the keyspace.
	return nil
}
