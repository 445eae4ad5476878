package sandbox

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultLedgerDuration is the close time of one ledger.
const DefaultLedgerDuration = 5 * time.Second

// LedgerClock derives the current ledger sequence from wall time:
//
//	sequence = genesis + elapsed / ledgerDuration + offset
//
// Commands replayed from the log pin the clock to the ledger they were
// stamped with.
type LedgerClock struct {
	mu       sync.Mutex
	clock    clockwork.Clock
	start    time.Time
	genesis  uint32
	duration time.Duration
	offset   int64
	pinned   bool
	pin      uint32
}

// NewLedgerClock starts counting ledgers from genesis at clock.Now().
func NewLedgerClock(clock clockwork.Clock, genesis uint32, ledgerDuration time.Duration) *LedgerClock {
	if ledgerDuration <= 0 {
		ledgerDuration = DefaultLedgerDuration
	}
	return &LedgerClock{
		clock:    clock,
		start:    clock.Now(),
		genesis:  genesis,
		duration: ledgerDuration,
	}
}

// Sequence returns the current ledger.
func (c *LedgerClock) Sequence() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pinned {
		return c.pin
	}
	return c.liveLocked()
}

func (c *LedgerClock) liveLocked() uint32 {
	elapsed := int64(c.clock.Since(c.start) / c.duration)
	seq := int64(c.genesis) + elapsed + c.offset
	if seq < 0 {
		return 0
	}
	if seq > int64(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(seq)
}

// Pin freezes Sequence at seq until Unpin.
func (c *LedgerClock) Pin(seq uint32) {
	c.mu.Lock()
	c.pinned, c.pin = true, seq
	c.mu.Unlock()
}

func (c *LedgerClock) Unpin() {
	c.mu.Lock()
	c.pinned = false
	c.mu.Unlock()
}

// Jump moves the clock by n ledgers.
func (c *LedgerClock) Jump(n int64) {
	c.mu.Lock()
	c.offset += n
	c.mu.Unlock()
}

// Set moves the clock so the live sequence reads seq.
func (c *LedgerClock) Set(seq uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offset += int64(seq) - int64(c.liveLocked())
}

// AdvanceTo moves the clock forward to seq if it is behind. Used after
// recovery so new commands are never stamped below replayed ones.
func (c *LedgerClock) AdvanceTo(seq uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if live := c.liveLocked(); live < seq {
		c.offset += int64(seq) - int64(live)
	}
}
