package store

import "sync"

// MemoryStore keeps the ledger in a map. Durability comes from snapshots and
// event-log replay.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string][]byte)}
}

func (m *MemoryStore) Begin() Tx {
	return newTx(m)
}

func (m *MemoryStore) get(key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.entries[key]
	return v, ok, nil
}

func (m *MemoryStore) apply(writes map[string][]byte, _ int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range writes {
		m.entries[k] = v
	}
	return nil
}

func (m *MemoryStore) AppliedSequence() (int64, error) {
	return readAppliedSequence(m)
}

func (m *MemoryStore) Dump() (*Dump, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seq, err := readAppliedSequenceLocked(m.entries)
	if err != nil {
		return nil, err
	}
	d := &Dump{AppliedSequence: seq, Entries: make(map[string][]byte, len(m.entries))}
	for k, v := range m.entries {
		d.Entries[k] = v
	}
	return d, nil
}

func (m *MemoryStore) Restore(d *Dump) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string][]byte, len(d.Entries))
	for k, v := range d.Entries {
		m.entries[k] = v
	}
	return nil
}

func (m *MemoryStore) Close() error { return nil }

func readAppliedSequenceLocked(entries map[string][]byte) (int64, error) {
	raw, ok := entries[keyAppliedSeq]
	if !ok {
		return -1, nil
	}
	var seq int64
	if err := decode(raw, &seq); err != nil {
		return 0, err
	}
	return seq, nil
}
