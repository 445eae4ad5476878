package event

import (
	"BackstopBootstrapper/internal/state"
	"fmt"
)

// Contract event names.
const (
	ContractEventBootstrap      = "bootstrap"
	ContractEventBootstrapClose = "bootstrap_close"
)

// ContractEvent is an event the contract emits on success.
type ContractEvent struct {
	Name    string   `json:"name"`
	Topics  []string `json:"topics"`
	Payload []int64  `json:"payload"`
}

// NewBootstrapEvent is emitted when a bootstrap is created:
// topics (bootstrapper, id), payload (token_index, amount, close_ledger).
func NewBootstrapEvent(bootstrapper state.Address, id uint32, cfg *state.BootstrapConfig) ContractEvent {
	return ContractEvent{
		Name:    ContractEventBootstrap,
		Topics:  []string{string(bootstrapper), fmt.Sprintf("%d", id)},
		Payload: []int64{int64(cfg.TokenIndex), cfg.Amount, int64(cfg.CloseLedger)},
	}
}

// NewBootstrapCloseEvent is emitted by every successful close with the
// cumulative LP tokens minted.
func NewBootstrapCloseEvent(id uint32, totalBackstopTokens int64) ContractEvent {
	return ContractEvent{
		Name:    ContractEventBootstrapClose,
		Topics:  []string{fmt.Sprintf("%d", id)},
		Payload: []int64{totalBackstopTokens},
	}
}
