package state

import "fmt"

// Address identifies a principal or contract (a Stellar strkey in practice).
type Address string

// BootstrapConfig is fixed at creation.
type BootstrapConfig struct {
	Bootstrapper Address `json:"bootstrapper"`
	Pool         Address `json:"pool"`
	Amount       int64   `json:"amount"`
	PairMin      int64   `json:"pair_min"`
	TokenIndex   uint32  `json:"token_index"`
	CloseLedger  uint32  `json:"close_ledger"`
}

// PairIndex is the index of the comet token joiners contribute.
func (c *BootstrapConfig) PairIndex() uint32 {
	return c.TokenIndex ^ 1
}

// BootstrapData holds the running totals of a bootstrap.
type BootstrapData struct {
	// Unconverted bootstrap-token principal
	BootstrapAmount int64 `json:"bootstrap_amount"`
	// Unconverted pair-token principal
	PairAmount int64 `json:"pair_amount"`
	// Net pair deposits; frozen once the bootstrap leaves Active
	TotalPair int64 `json:"total_pair"`
	// Cumulative LP tokens minted by close
	TotalBackstopTokens int64 `json:"total_backstop_tokens"`
	// Set by the first refund. Refunds drain the principal, which would
	// otherwise let a cancelled bootstrap re-derive as Completed.
	Cancelled bool `json:"cancelled,omitempty"`
}

// Status is derived from config, data and the current ledger; never stored.
type Status int32

const (
	StatusActive Status = iota
	StatusClosing
	StatusCompleted
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "Active"
	case StatusClosing:
		return "Closing"
	case StatusCompleted:
		return "Completed"
	case StatusCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// ParseStatus is the inverse of Status.String.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "Active", "active":
		return StatusActive, nil
	case "Closing", "closing":
		return StatusClosing, nil
	case "Completed", "completed":
		return StatusCompleted, nil
	case "Cancelled", "cancelled":
		return StatusCancelled, nil
	default:
		return 0, Errorf(CodeBadRequest, "unknown status %q", s)
	}
}

// DeriveStatus evaluates the lifecycle rules in order:
//
//  1. ledger < close_ledger                                   -> Active
//  2. refunds started or total_pair < pair_min                -> Cancelled
//  3. pair, bootstrap <= dust and minted >= dust              -> Completed
//  4. ledger > close_ledger + grace window                    -> Cancelled
//  5. otherwise                                               -> Closing
func DeriveStatus(cfg *BootstrapConfig, data *BootstrapData, ledger uint32) Status {
	switch {
	case ledger < cfg.CloseLedger:
		return StatusActive
	case data.Cancelled, data.TotalPair < cfg.PairMin:
		return StatusCancelled
	case data.PairAmount <= MaxDustAmount &&
		data.BootstrapAmount <= MaxDustAmount &&
		data.TotalBackstopTokens >= MaxDustAmount:
		return StatusCompleted
	case uint64(cfg.CloseLedger)+uint64(GraceWindowLedgers) < uint64(ledger):
		return StatusCancelled
	default:
		return StatusClosing
	}
}

// Bootstrap is a loaded bootstrap with its status evaluated at load time.
type Bootstrap struct {
	ID     uint32          `json:"id"`
	Status Status          `json:"status"`
	Config BootstrapConfig `json:"config"`
	Data   BootstrapData   `json:"data"`
}

// LoadBootstrap builds a Bootstrap and derives its status at ledger.
func LoadBootstrap(id uint32, cfg BootstrapConfig, data BootstrapData, ledger uint32) *Bootstrap {
	return &Bootstrap{
		ID:     id,
		Status: DeriveStatus(&cfg, &data, ledger),
		Config: cfg,
		Data:   data,
	}
}

// RequireStatus aborts with InvalidBootstrapStatus unless b is in want.
func (b *Bootstrap) RequireStatus(want Status) error {
	if b.Status != want {
		return Errorf(CodeInvalidBootstrapStatus, "bootstrap %d is %s, want %s", b.ID, b.Status, want)
	}
	return nil
}

// Join credits amount of pair token to the running totals.
func (b *Bootstrap) Join(amount int64) {
	b.Data.PairAmount += amount
	b.Data.TotalPair += amount
}

// Exit debits amount of pair token. The caller checks for negative totals.
func (b *Bootstrap) Exit(amount int64) {
	b.Data.PairAmount -= amount
	b.Data.TotalPair -= amount
}

// Convert records tokens absorbed by the pool and LP tokens minted. Spent
// amounts are only applied when positive.
func (b *Bootstrap) Convert(bootstrapSpent, pairSpent, minted int64) {
	if bootstrapSpent > 0 {
		b.Data.BootstrapAmount -= bootstrapSpent
	}
	if pairSpent > 0 {
		b.Data.PairAmount -= pairSpent
	}
	b.Data.TotalBackstopTokens += minted
}

// CanonicalBytes for deterministic hashing
func (b *Bootstrap) CanonicalBytes() []byte {
	buf := make([]byte, 0, 160)

	buf = appendUint32LE(buf, b.ID)
	buf = appendString(buf, string(b.Config.Bootstrapper))
	buf = appendString(buf, string(b.Config.Pool))
	buf = appendInt64LE(buf, b.Config.Amount)
	buf = appendInt64LE(buf, b.Config.PairMin)
	buf = appendUint32LE(buf, b.Config.TokenIndex)
	buf = appendUint32LE(buf, b.Config.CloseLedger)

	buf = appendInt64LE(buf, b.Data.BootstrapAmount)
	buf = appendInt64LE(buf, b.Data.PairAmount)
	buf = appendInt64LE(buf, b.Data.TotalPair)
	buf = appendInt64LE(buf, b.Data.TotalBackstopTokens)

	return buf
}

func (b *Bootstrap) String() string {
	return fmt.Sprintf("bootstrap{id=%d status=%s bootstrap=%d pair=%d total_pair=%d minted=%d}",
		b.ID, b.Status, b.Data.BootstrapAmount, b.Data.PairAmount, b.Data.TotalPair, b.Data.TotalBackstopTokens)
}

// TokenInfo is a comet underlying token with its normalized weight.
type TokenInfo struct {
	Address Address `json:"address"`
	Weight  int64   `json:"weight"`
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

func appendUint32LE(buf []byte, v uint32) []byte {
	return append(buf, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func appendString(buf []byte, s string) []byte {
	buf = appendUint32LE(buf, uint32(len(s)))
	return append(buf, s...)
}
