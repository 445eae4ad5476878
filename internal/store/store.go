package store

import (
	"BackstopBootstrapper/internal/state"
	"errors"
	"fmt"
	"sort"
	"strconv"
)

// ErrNotFound is returned for a bootstrap id that was never created.
var ErrNotFound = errors.New("record not found")

// Instance is the contract-wide configuration written once by initialize.
type Instance struct {
	Backstop      state.Address     `json:"backstop"`
	BackstopToken state.Address     `json:"backstop_token"`
	PoolFactory   state.Address     `json:"pool_factory"`
	Tokens        []state.TokenInfo `json:"tokens"`
}

// Store is the accounting ledger: configs, running totals, deposits,
// settlements and the id counter. It enforces no business rules.
type Store interface {
	// Begin opens a read-write transaction. Writes are invisible to other
	// readers until Commit.
	Begin() Tx

	// AppliedSequence is the core sequence of the last committed transaction,
	// or -1 when nothing has been committed.
	AppliedSequence() (int64, error)

	// Dump and Restore move the whole store in and out of snapshots.
	Dump() (*Dump, error)
	Restore(d *Dump) error

	Close() error
}

// Tx is a transaction over the accounting ledger.
type Tx interface {
	Instance() (*Instance, bool, error)
	SetInstance(inst *Instance) error

	NextID() (uint32, error)
	// AllocateID returns the next id and advances the counter.
	AllocateID() (uint32, error)

	Config(id uint32) (*state.BootstrapConfig, error)
	SetConfig(id uint32, cfg *state.BootstrapConfig) error
	Data(id uint32) (*state.BootstrapData, error)
	SetData(id uint32, data *state.BootstrapData) error

	// Deposit defaults to zero when absent.
	Deposit(id uint32, user state.Address) (int64, error)
	SetDeposit(id uint32, user state.Address, amount int64) error

	Settlement(id uint32, user state.Address) (state.Settlement, error)
	SetSettlement(id uint32, user state.Address, s state.Settlement) error

	RefundPool(id uint32) (*state.RefundPool, bool, error)
	SetRefundPool(id uint32, p state.RefundPool) error

	// Blob and PutBlob hold opaque state persisted alongside the ledger.
	Blob(name string) ([]byte, bool, error)
	PutBlob(name string, data []byte) error

	// Commit writes the transaction and records sequence as applied.
	Commit(sequence int64) error
	Discard()
}

// Dump is a full copy of a store.
type Dump struct {
	AppliedSequence int64             `json:"applied_sequence"`
	Entries         map[string][]byte `json:"entries"`
}

// backend is the raw key/value layer under a Tx.
type backend interface {
	get(key string) ([]byte, bool, error)
	apply(writes map[string][]byte, sequence int64) error
}

// kvTx implements Tx over a backend with a write overlay.
type kvTx struct {
	b      backend
	writes map[string][]byte
	done   bool
}

func newTx(b backend) *kvTx {
	return &kvTx{b: b, writes: make(map[string][]byte)}
}

func (t *kvTx) get(key string) ([]byte, bool, error) {
	if t.done {
		return nil, false, errors.New("transaction finished")
	}
	if v, ok := t.writes[key]; ok {
		return v, true, nil
	}
	return t.b.get(key)
}

func (t *kvTx) getValue(key string, v interface{}) (bool, error) {
	raw, ok, err := t.get(key)
	if err != nil || !ok {
		return ok, err
	}
	if err := decode(raw, v); err != nil {
		return false, fmt.Errorf("key %s: %w", key, err)
	}
	return true, nil
}

func (t *kvTx) put(key string, v interface{}) error {
	if t.done {
		return errors.New("transaction finished")
	}
	raw, err := encode(v)
	if err != nil {
		return fmt.Errorf("key %s: %w", key, err)
	}
	t.writes[key] = raw
	return nil
}

func (t *kvTx) Instance() (*Instance, bool, error) {
	var inst Instance
	ok, err := t.getValue(keyInstance, &inst)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &inst, true, nil
}

func (t *kvTx) SetInstance(inst *Instance) error {
	return t.put(keyInstance, inst)
}

func (t *kvTx) NextID() (uint32, error) {
	var id uint32
	if _, err := t.getValue(keyNextID, &id); err != nil {
		return 0, err
	}
	return id, nil
}

func (t *kvTx) AllocateID() (uint32, error) {
	id, err := t.NextID()
	if err != nil {
		return 0, err
	}
	if err := t.put(keyNextID, id+1); err != nil {
		return 0, err
	}
	return id, nil
}

func (t *kvTx) Config(id uint32) (*state.BootstrapConfig, error) {
	var cfg state.BootstrapConfig
	ok, err := t.getValue(configKey(id), &cfg)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("bootstrap %d config: %w", id, ErrNotFound)
	}
	return &cfg, nil
}

func (t *kvTx) SetConfig(id uint32, cfg *state.BootstrapConfig) error {
	return t.put(configKey(id), cfg)
}

func (t *kvTx) Data(id uint32) (*state.BootstrapData, error) {
	var data state.BootstrapData
	ok, err := t.getValue(dataKey(id), &data)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("bootstrap %d data: %w", id, ErrNotFound)
	}
	return &data, nil
}

func (t *kvTx) SetData(id uint32, data *state.BootstrapData) error {
	return t.put(dataKey(id), data)
}

func (t *kvTx) Deposit(id uint32, user state.Address) (int64, error) {
	var amount int64
	if _, err := t.getValue(depositKey(id, user), &amount); err != nil {
		return 0, err
	}
	return amount, nil
}

func (t *kvTx) SetDeposit(id uint32, user state.Address, amount int64) error {
	return t.put(depositKey(id, user), amount)
}

func (t *kvTx) Settlement(id uint32, user state.Address) (state.Settlement, error) {
	var s state.Settlement
	_, err := t.getValue(settlementKey(id, user), &s)
	return s, err
}

func (t *kvTx) SetSettlement(id uint32, user state.Address, s state.Settlement) error {
	return t.put(settlementKey(id, user), s)
}

func (t *kvTx) RefundPool(id uint32) (*state.RefundPool, bool, error) {
	var p state.RefundPool
	ok, err := t.getValue(refundPoolKey(id), &p)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &p, true, nil
}

func (t *kvTx) SetRefundPool(id uint32, p state.RefundPool) error {
	return t.put(refundPoolKey(id), p)
}

func (t *kvTx) Blob(name string) ([]byte, bool, error) {
	return t.get(blobKey(name))
}

func (t *kvTx) PutBlob(name string, data []byte) error {
	if t.done {
		return errors.New("transaction finished")
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	t.writes[blobKey(name)] = cp
	return nil
}

func (t *kvTx) Commit(sequence int64) error {
	if t.done {
		return errors.New("transaction finished")
	}
	t.done = true
	seqRaw, err := encode(sequence)
	if err != nil {
		return err
	}
	t.writes[keyAppliedSeq] = seqRaw
	return t.b.apply(t.writes, sequence)
}

func (t *kvTx) Discard() {
	t.done = true
	t.writes = nil
}

func readAppliedSequence(b backend) (int64, error) {
	raw, ok, err := b.get(keyAppliedSeq)
	if err != nil {
		return 0, err
	}
	if !ok {
		return -1, nil
	}
	var seq int64
	if err := decode(raw, &seq); err != nil {
		return 0, err
	}
	return seq, nil
}

// SortedKeys returns the dump keys in order, for stable iteration.
func (d *Dump) SortedKeys() []string {
	keys := make([]string, 0, len(d.Entries))
	for k := range d.Entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Principals lists every address holding a deposit or settlement record
// for bootstrap id, sorted and without duplicates.
func (d *Dump) Principals(id uint32) []state.Address {
	seen := make(map[state.Address]bool)
	var out []state.Address
	for _, prefix := range []string{depositKey(id, ""), settlementKey(id, "")} {
		for _, k := range d.SortedKeys() {
			if len(k) <= len(prefix) || k[:len(prefix)] != prefix {
				continue
			}
			addr := state.Address(k[len(prefix):])
			if !seen[addr] {
				seen[addr] = true
				out = append(out, addr)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// BootstrapIDs lists the ids of every config in the dump.
func (d *Dump) BootstrapIDs() []uint32 {
	var ids []uint32
	for _, k := range d.SortedKeys() {
		const p = "config/"
		if len(k) > len(p) && k[:len(p)] == p {
			id, err := strconv.ParseUint(k[len(p):], 10, 32)
			if err == nil {
				ids = append(ids, uint32(id))
			}
		}
	}
	return ids
}
