package store

import (
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
)

var ErrDBClosed = errors.New("database is closed")

// PebbleStore keeps the ledger in an embedded pebble database. Each commit is
// one synced batch, so the applied sequence and the records it covers move
// together.
type PebbleStore struct {
	db *pebble.DB
}

// OpenPebbleStore opens (or creates) a store under dir.
func OpenPebbleStore(dir string) (*PebbleStore, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble %s: %w", dir, err)
	}
	return &PebbleStore{db: db}, nil
}

func (p *PebbleStore) Begin() Tx {
	return newTx(p)
}

func (p *PebbleStore) get(key string) ([]byte, bool, error) {
	if p.db == nil {
		return nil, false, ErrDBClosed
	}
	val, closer, err := p.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer closer.Close()

	// Copy the value out
	valCopy := make([]byte, len(val))
	copy(valCopy, val)
	return valCopy, true, nil
}

func (p *PebbleStore) apply(writes map[string][]byte, _ int64) error {
	if p.db == nil {
		return ErrDBClosed
	}
	batch := p.db.NewBatch()
	defer batch.Close()

	for k, v := range writes {
		if err := batch.Set([]byte(k), v, nil); err != nil {
			return fmt.Errorf("batch set %s: %w", k, err)
		}
	}
	return batch.Commit(pebble.Sync)
}

func (p *PebbleStore) AppliedSequence() (int64, error) {
	return readAppliedSequence(p)
}

func (p *PebbleStore) Dump() (*Dump, error) {
	if p.db == nil {
		return nil, ErrDBClosed
	}
	iter, err := p.db.NewIter(nil)
	if err != nil {
		return nil, fmt.Errorf("pebble iter: %w", err)
	}
	defer iter.Close()

	d := &Dump{AppliedSequence: -1, Entries: make(map[string][]byte)}
	for iter.First(); iter.Valid(); iter.Next() {
		v := make([]byte, len(iter.Value()))
		copy(v, iter.Value())
		d.Entries[string(iter.Key())] = v
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	seq, err := readAppliedSequenceLocked(d.Entries)
	if err != nil {
		return nil, err
	}
	d.AppliedSequence = seq
	return d, nil
}

func (p *PebbleStore) Restore(d *Dump) error {
	if p.db == nil {
		return ErrDBClosed
	}
	batch := p.db.NewBatch()
	defer batch.Close()

	// Keys are printable ASCII, so [0x00, 0xff) spans all of them.
	if err := batch.DeleteRange([]byte{0x00}, []byte{0xff}, nil); err != nil {
		return fmt.Errorf("clear store: %w", err)
	}
	for _, k := range d.SortedKeys() {
		if err := batch.Set([]byte(k), d.Entries[k], nil); err != nil {
			return fmt.Errorf("restore %s: %w", k, err)
		}
	}
	return batch.Commit(pebble.Sync)
}

func (p *PebbleStore) Close() error {
	if p.db == nil {
		return nil
	}
	err := p.db.Close()
	p.db = nil
	return err
}
