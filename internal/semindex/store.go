package semindex

import "context"

// Store persists index snapshots keyed by fingerprint.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Load returns the most recent snapshot saved under fp, or (nil, nil)
	// when none exists. A returned snapshot's fingerprint always equals fp.
	Load(ctx context.Context, fp Fingerprint) (*Snapshot, error)

	// Save persists snap, replacing any previous snapshot with the same
	// fingerprint.
	Save(ctx context.Context, snap *Snapshot) error
}

// NullStore is a Store that persists nothing. Every build starts from
// scratch; used when no durable storage is configured.
type NullStore struct{}

// Load implements Store.
func (NullStore) Load(context.Context, Fingerprint) (*Snapshot, error) { return nil, nil }

// Save implements Store.
func (NullStore) Save(context.Context, *Snapshot) error { return nil }

// Ensure NullStore implements Store at compile time.
var _ Store = NullStore{}
