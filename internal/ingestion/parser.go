package ingestion

import (
	"BackstopBootstrapper/internal/event"
	"BackstopBootstrapper/internal/state"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/stellar/go/strkey"
)

// ParseRawEvent converts a RawEvent (JSON bytes + event type string) into a
// typed command. The shell validates and parses here; contract rules are
// left to the core so rejections carry the contract's error codes.
func ParseRawEvent(raw RawEvent, eventType string) (event.Event, error) {
	switch event.ParseEventType(eventType) {
	case event.EventTypeInitialize:
		return parseInitialize(raw.Data)
	case event.EventTypeOpenBootstrap:
		return parseOpenBootstrap(raw.Data)
	case event.EventTypeJoinBootstrap:
		return parseJoin(raw.Data)
	case event.EventTypeExitBootstrap:
		return parseExit(raw.Data)
	case event.EventTypeCloseBootstrap:
		return parseClose(raw.Data)
	case event.EventTypeClaimBootstrap:
		return parseClaim(raw.Data)
	case event.EventTypeRefundBootstrap:
		return parseRefund(raw.Data)
	default:
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}
}

// --- Address validation ---

// AddressKind restricts which strkeys a field accepts.
type AddressKind int

const (
	// AnyAddress accepts accounts (G...) and contracts (C...).
	AnyAddress AddressKind = iota
	// ContractAddress accepts contracts only.
	ContractAddress
)

// ParseAddress validates s as a Stellar strkey.
func ParseAddress(field, s string, kind AddressKind) (state.Address, error) {
	if s == "" {
		return "", fmt.Errorf("%s: missing address", field)
	}
	if _, err := strkey.Decode(strkey.VersionByteContract, s); err == nil {
		return state.Address(s), nil
	}
	if kind == AnyAddress {
		if _, err := strkey.Decode(strkey.VersionByteAccountID, s); err == nil {
			return state.Address(s), nil
		}
		return "", fmt.Errorf("%s: %q is not an account or contract strkey", field, s)
	}
	return "", fmt.Errorf("%s: %q is not a contract strkey", field, s)
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers.

// metaJSON is shared by every command. Ledger and timestamp are normally
// stamped at ingestion; producers replaying history may set them.
type metaJSON struct {
	CommandID   string `json:"command_id"`
	Ledger      uint32 `json:"ledger,omitempty"`
	TimestampUs int64  `json:"timestamp_us,omitempty"`
}

func (j metaJSON) meta() (event.Meta, error) {
	id, err := uuid.Parse(j.CommandID)
	if err != nil {
		return event.Meta{}, fmt.Errorf("parse command_id: %w", err)
	}
	m := event.Meta{CommandID: id, Ledger: j.Ledger}
	if j.TimestampUs != 0 {
		m.Timestamp = time.UnixMicro(j.TimestampUs).UTC()
	}
	return m, nil
}

type initializeJSON struct {
	metaJSON
	Backstop      string `json:"backstop"`
	BackstopToken string `json:"backstop_token"`
	PoolFactory   string `json:"pool_factory"`
}

func parseInitialize(data []byte) (*event.InitializeContract, error) {
	var j initializeJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Initialize: %w", err)
	}
	m, err := j.meta()
	if err != nil {
		return nil, err
	}
	backstop, err := ParseAddress("backstop", j.Backstop, ContractAddress)
	if err != nil {
		return nil, err
	}
	token, err := ParseAddress("backstop_token", j.BackstopToken, ContractAddress)
	if err != nil {
		return nil, err
	}
	factory, err := ParseAddress("pool_factory", j.PoolFactory, ContractAddress)
	if err != nil {
		return nil, err
	}
	return &event.InitializeContract{Meta: m, Backstop: backstop, BackstopToken: token, PoolFactory: factory}, nil
}

type openBootstrapJSON struct {
	metaJSON
	Bootstrapper string `json:"bootstrapper"`
	Pool         string `json:"pool"`
	Amount       int64  `json:"amount"`
	PairMin      int64  `json:"pair_min"`
	TokenIndex   uint32 `json:"token_index"`
	CloseLedger  uint32 `json:"close_ledger"`
}

func parseOpenBootstrap(data []byte) (*event.OpenBootstrap, error) {
	var j openBootstrapJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse OpenBootstrap: %w", err)
	}
	m, err := j.meta()
	if err != nil {
		return nil, err
	}
	bootstrapper, err := ParseAddress("bootstrapper", j.Bootstrapper, AnyAddress)
	if err != nil {
		return nil, err
	}
	pool, err := ParseAddress("pool", j.Pool, ContractAddress)
	if err != nil {
		return nil, err
	}
	return &event.OpenBootstrap{
		Meta: m,
		Config: state.BootstrapConfig{
			Bootstrapper: bootstrapper,
			Pool:         pool,
			Amount:       j.Amount,
			PairMin:      j.PairMin,
			TokenIndex:   j.TokenIndex,
			CloseLedger:  j.CloseLedger,
		},
	}, nil
}

type amountJSON struct {
	metaJSON
	From   string `json:"from"`
	ID     uint32 `json:"id"`
	Amount int64  `json:"amount"`
}

func parseAmount(data []byte, kind string) (event.Meta, state.Address, amountJSON, error) {
	var j amountJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return event.Meta{}, "", j, fmt.Errorf("parse %s: %w", kind, err)
	}
	m, err := j.meta()
	if err != nil {
		return m, "", j, err
	}
	from, err := ParseAddress("from", j.From, AnyAddress)
	return m, from, j, err
}

func parseJoin(data []byte) (*event.JoinBootstrap, error) {
	m, from, j, err := parseAmount(data, "JoinBootstrap")
	if err != nil {
		return nil, err
	}
	return &event.JoinBootstrap{Meta: m, From: from, ID: j.ID, Amount: j.Amount}, nil
}

func parseExit(data []byte) (*event.ExitBootstrap, error) {
	m, from, j, err := parseAmount(data, "ExitBootstrap")
	if err != nil {
		return nil, err
	}
	return &event.ExitBootstrap{Meta: m, From: from, ID: j.ID, Amount: j.Amount}, nil
}

type closeJSON struct {
	metaJSON
	ID uint32 `json:"id"`
}

func parseClose(data []byte) (*event.CloseBootstrap, error) {
	var j closeJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse CloseBootstrap: %w", err)
	}
	m, err := j.meta()
	if err != nil {
		return nil, err
	}
	return &event.CloseBootstrap{Meta: m, ID: j.ID}, nil
}

type settleJSON struct {
	metaJSON
	From string `json:"from"`
	ID   uint32 `json:"id"`
}

func parseSettle(data []byte, kind string) (event.Meta, state.Address, uint32, error) {
	var j settleJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return event.Meta{}, "", 0, fmt.Errorf("parse %s: %w", kind, err)
	}
	m, err := j.meta()
	if err != nil {
		return m, "", 0, err
	}
	from, err := ParseAddress("from", j.From, AnyAddress)
	return m, from, j.ID, err
}

func parseClaim(data []byte) (*event.ClaimBootstrap, error) {
	m, from, id, err := parseSettle(data, "ClaimBootstrap")
	if err != nil {
		return nil, err
	}
	return &event.ClaimBootstrap{Meta: m, From: from, ID: id}, nil
}

func parseRefund(data []byte) (*event.RefundBootstrap, error) {
	m, from, id, err := parseSettle(data, "RefundBootstrap")
	if err != nil {
		return nil, err
	}
	return &event.RefundBootstrap{Meta: m, From: from, ID: id}, nil
}
