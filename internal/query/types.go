package query

import "time"

// BootstrapResponse is a bootstrap as the read model sees it. Status is
// re-derived at query time against the current ledger, since time alone
// moves a bootstrap out of Active.
type BootstrapResponse struct {
	ID                  uint32 `json:"id"`
	Bootstrapper        string `json:"bootstrapper"`
	Pool                string `json:"pool"`
	Amount              int64  `json:"amount"`
	PairMin             int64  `json:"pair_min"`
	TokenIndex          uint32 `json:"token_index"`
	CloseLedger         uint32 `json:"close_ledger"`
	Status              string `json:"status"`
	TotalPair           int64  `json:"total_pair"`
	TotalBackstopTokens int64  `json:"total_backstop_tokens"`
	BootstrapAmount     int64  `json:"bootstrap_amount"`
	PairAmount          int64  `json:"pair_amount"`
	AsOfLedger          uint32 `json:"as_of_ledger"`
	LastSequence        int64  `json:"last_sequence"`
	AsOfSequence        int64  `json:"as_of_sequence"`
}

// BootstrapList is one page of bootstraps ordered by id.
type BootstrapList struct {
	Bootstraps   []BootstrapResponse `json:"bootstraps"`
	NextAfterID  *uint32             `json:"next_after_id,omitempty"`
	AsOfSequence int64               `json:"as_of_sequence"`
}

// DepositResponse is a principal's position in one bootstrap.
type DepositResponse struct {
	BootstrapID  uint32 `json:"bootstrap_id"`
	Address      string `json:"address"`
	Deposit      int64  `json:"deposit"`
	Basis        int64  `json:"basis"`
	Claimed      bool   `json:"claimed"`
	Refunded     bool   `json:"refunded"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// NextIDResponse is the id the next bootstrap will get.
type NextIDResponse struct {
	NextID       uint32 `json:"next_id"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// HistoryEntry is one applied command touching a bootstrap.
type HistoryEntry struct {
	Sequence       int64     `json:"sequence"`
	EventType      string    `json:"event_type"`
	IdempotencyKey string    `json:"idempotency_key"`
	Ledger         uint32    `json:"ledger"`
	Payload        []byte    `json:"payload"`
	StateHash      []byte    `json:"state_hash"`
	Timestamp      time.Time `json:"timestamp"`
}

// HistoryResponse is a page of a bootstrap's history, newest first.
type HistoryResponse struct {
	BootstrapID  uint32         `json:"bootstrap_id"`
	Entries      []HistoryEntry `json:"entries"`
	AsOfSequence int64          `json:"as_of_sequence"`
}

// JournalEntry represents a token movement for API queries.
type JournalEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	Token         string `json:"token"`
	Amount        int64  `json:"amount"`
	JournalType   int32  `json:"journal_type"`
	Ledger        uint32 `json:"ledger"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy       bool    `json:"is_healthy"`
	HashChainBreaks []int64 `json:"hash_chain_breaks,omitempty"`
	SequenceGaps    []int64 `json:"sequence_gaps,omitempty"`
	ProjectionLag   int64   `json:"projection_lag"`
}
