package store

import (
	"fmt"

	"github.com/cockroachdb/pebble"
)

// PebbleTier persists records to a Pebble key-value store, keyed by
// table-prefixed primary key ("orders:", "trades:", "positions:"),
// mirroring the teacher's acc:/pos:/ord:/trade: prefix scheme in
// pkg/app/core/account/keys.go collapsed to spec.md §6's three tables.
type PebbleTier struct {
	db *pebble.DB
}

// NewPebbleTier opens (or creates) a Pebble database at path.
func NewPebbleTier(path string) (*PebbleTier, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("store: open pebble at %s: %w", path, err)
	}
	return &PebbleTier{db: db}, nil
}

func tierKey(table Table, key string) []byte {
	return []byte(fmt.Sprintf("%s:%s", table, key))
}

// Upsert writes rec under its table-prefixed key. Pebble's Set is itself
// idempotent by key, satisfying the store's only contract.
func (t *PebbleTier) Upsert(rec Record) error {
	return t.db.Set(tierKey(rec.Table, rec.Key), rec.Data, pebble.Sync)
}

// Get looks up a raw record by table and key, for the rare out-of-band
// read (e.g. a recovery tool) — never called from the hot path.
func (t *PebbleTier) Get(table Table, key string) ([]byte, bool, error) {
	val, closer, err := t.db.Get(tierKey(table, key))
	if err == pebble.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer closer.Close()
	out := make([]byte, len(val))
	copy(out, val)
	return out, true, nil
}

func (t *PebbleTier) Close() error {
	return t.db.Close()
}

var _ Tier = (*PebbleTier)(nil)
