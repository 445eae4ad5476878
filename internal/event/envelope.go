package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType discriminator for command payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeInitialize
	EventTypeOpenBootstrap
	EventTypeJoinBootstrap
	EventTypeExitBootstrap
	EventTypeCloseBootstrap
	EventTypeClaimBootstrap
	EventTypeRefundBootstrap
)

// EventEnvelope wraps every applied command in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Bootstrap context (nil for initialize and open)
	BootstrapID *uint32

	// Ledger sequence the command executed at
	Ledger uint32

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// JSON-encoded command
	Payload []byte

	// SHA-256 of state AFTER applying this command
	StateHash [32]byte

	// Previous command's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all commands implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// BootstrapID returns the target bootstrap (nil when the command creates one)
	BootstrapID() *uint32

	// LedgerSequence returns the ledger stamped at ingestion (0 if unstamped)
	LedgerSequence() uint32

	// Time returns the versioned input timestamp
	Time() time.Time

	// Stamp fills in ledger and timestamp when they are unset
	Stamp(ledger uint32, ts time.Time)
}

func (et EventType) String() string {
	switch et {
	case EventTypeInitialize:
		return "Initialize"
	case EventTypeOpenBootstrap:
		return "OpenBootstrap"
	case EventTypeJoinBootstrap:
		return "JoinBootstrap"
	case EventTypeExitBootstrap:
		return "ExitBootstrap"
	case EventTypeCloseBootstrap:
		return "CloseBootstrap"
	case EventTypeClaimBootstrap:
		return "ClaimBootstrap"
	case EventTypeRefundBootstrap:
		return "RefundBootstrap"
	default:
		return "Unknown"
	}
}

// ParseEventType is the inverse of EventType.String.
func ParseEventType(s string) EventType {
	for et := EventTypeInitialize; et <= EventTypeRefundBootstrap; et++ {
		if et.String() == s {
			return et
		}
	}
	return EventTypeUnknown
}

// NewCommand returns an empty command of type et.
func NewCommand(et EventType) (Event, error) {
	switch et {
	case EventTypeInitialize:
		return &InitializeContract{}, nil
	case EventTypeOpenBootstrap:
		return &OpenBootstrap{}, nil
	case EventTypeJoinBootstrap:
		return &JoinBootstrap{}, nil
	case EventTypeExitBootstrap:
		return &ExitBootstrap{}, nil
	case EventTypeCloseBootstrap:
		return &CloseBootstrap{}, nil
	case EventTypeClaimBootstrap:
		return &ClaimBootstrap{}, nil
	case EventTypeRefundBootstrap:
		return &RefundBootstrap{}, nil
	default:
		return nil, fmt.Errorf("unknown event type: %s", et)
	}
}

// DecodePayload rebuilds a command from an envelope payload.
func DecodePayload(et EventType, payload []byte) (Event, error) {
	evt, err := NewCommand(et)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, evt); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", et, err)
	}
	return evt, nil
}
