package event

import (
	"BackstopBootstrapper/internal/state"
	"time"

	"github.com/google/uuid"
)

// Meta carries the fields every command shares.
type Meta struct {
	CommandID uuid.UUID `json:"command_id"`
	Ledger    uint32    `json:"ledger"`
	Timestamp time.Time `json:"timestamp"`
}

// NewMeta returns a Meta with a fresh command id.
func NewMeta() Meta {
	return Meta{CommandID: uuid.New()}
}

func (m *Meta) IdempotencyKey() string { return m.CommandID.String() }
func (m *Meta) LedgerSequence() uint32 { return m.Ledger }
func (m *Meta) Time() time.Time        { return m.Timestamp }

func (m *Meta) Stamp(ledger uint32, ts time.Time) {
	if m.Ledger == 0 {
		m.Ledger = ledger
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = ts
	}
}

// InitializeContract configures the contract once.
type InitializeContract struct {
	Meta
	Backstop      state.Address `json:"backstop"`
	BackstopToken state.Address `json:"backstop_token"`
	PoolFactory   state.Address `json:"pool_factory"`
}

func (e *InitializeContract) EventType() EventType { return EventTypeInitialize }
func (e *InitializeContract) BootstrapID() *uint32 { return nil }

// OpenBootstrap creates a bootstrap.
type OpenBootstrap struct {
	Meta
	Config state.BootstrapConfig `json:"config"`
}

func (e *OpenBootstrap) EventType() EventType { return EventTypeOpenBootstrap }
func (e *OpenBootstrap) BootstrapID() *uint32 { return nil }

// JoinBootstrap deposits pair tokens.
type JoinBootstrap struct {
	Meta
	From   state.Address `json:"from"`
	ID     uint32        `json:"id"`
	Amount int64         `json:"amount"`
}

func (e *JoinBootstrap) EventType() EventType { return EventTypeJoinBootstrap }
func (e *JoinBootstrap) BootstrapID() *uint32 { return &e.ID }

// ExitBootstrap withdraws pair tokens.
type ExitBootstrap struct {
	Meta
	From   state.Address `json:"from"`
	ID     uint32        `json:"id"`
	Amount int64         `json:"amount"`
}

func (e *ExitBootstrap) EventType() EventType { return EventTypeExitBootstrap }
func (e *ExitBootstrap) BootstrapID() *uint32 { return &e.ID }

// CloseBootstrap runs one conversion pass. Anyone may submit it.
type CloseBootstrap struct {
	Meta
	ID uint32 `json:"id"`
}

func (e *CloseBootstrap) EventType() EventType { return EventTypeCloseBootstrap }
func (e *CloseBootstrap) BootstrapID() *uint32 { return &e.ID }

// ClaimBootstrap deposits the caller's LP share into the backstop.
type ClaimBootstrap struct {
	Meta
	From state.Address `json:"from"`
	ID   uint32        `json:"id"`
}

func (e *ClaimBootstrap) EventType() EventType { return EventTypeClaimBootstrap }
func (e *ClaimBootstrap) BootstrapID() *uint32 { return &e.ID }

// RefundBootstrap returns unconverted principal of a cancelled bootstrap.
type RefundBootstrap struct {
	Meta
	From state.Address `json:"from"`
	ID   uint32        `json:"id"`
}

func (e *RefundBootstrap) EventType() EventType { return EventTypeRefundBootstrap }
func (e *RefundBootstrap) BootstrapID() *uint32 { return &e.ID }

// Principal returns the address a command acts for, if any.
func Principal(evt Event) (state.Address, bool) {
	switch e := evt.(type) {
	case *OpenBootstrap:
		return e.Config.Bootstrapper, true
	case *JoinBootstrap:
		return e.From, true
	case *ExitBootstrap:
		return e.From, true
	case *ClaimBootstrap:
		return e.From, true
	case *RefundBootstrap:
		return e.From, true
	default:
		return "", false
	}
}
