package ledger

import (
	"BackstopBootstrapper/internal/state"
	"fmt"

	"github.com/google/uuid"
)

// journalNamespace seeds deterministic journal and batch ids so a replayed
// command produces the same rows.
var journalNamespace = uuid.MustParse("7d1c0b9e-5a8f-4d7e-9f2a-3c6b1e0a4d55")

// JournalGenerator records token movements for one invocation at a time.
// Not thread-safe; owned by the sandbox chain.
type JournalGenerator struct {
	eventRef string
	sequence int64
	ledger   uint32
	batchID  uuid.UUID
	journals []Journal
}

func NewJournalGenerator() *JournalGenerator {
	return &JournalGenerator{}
}

// Begin starts collecting movements for the command identified by eventRef.
func (jg *JournalGenerator) Begin(eventRef string, sequence int64, ledger uint32) {
	jg.eventRef = eventRef
	jg.sequence = sequence
	jg.ledger = ledger
	jg.batchID = uuid.NewSHA1(journalNamespace, []byte(fmt.Sprintf("batch:%s:%d", eventRef, sequence)))
	jg.journals = jg.journals[:0]
}

// Reset drops movements collected since Begin.
func (jg *JournalGenerator) Reset() {
	jg.journals = jg.journals[:0]
}

// Transfer records amount of token moving from one holder to another.
func (jg *JournalGenerator) Transfer(token, from, to state.Address, amount int64, jt JournalType) Journal {
	return jg.record(NewHolderAccountKey(token, to), NewHolderAccountKey(token, from), amount, jt)
}

// Mint records new supply of token credited to holder.
func (jg *JournalGenerator) Mint(token, to state.Address, amount int64) Journal {
	return jg.record(NewHolderAccountKey(token, to), NewIssuerAccountKey(token), amount, JournalTypeMint)
}

// Burn records holder's token leaving circulation.
func (jg *JournalGenerator) Burn(token, from state.Address, amount int64) Journal {
	return jg.record(NewIssuerAccountKey(token), NewHolderAccountKey(token, from), amount, JournalTypeBurn)
}

func (jg *JournalGenerator) record(debit, credit AccountKey, amount int64, jt JournalType) Journal {
	j := Journal{
		JournalID: uuid.NewSHA1(journalNamespace,
			[]byte(fmt.Sprintf("journal:%s:%d:%d", jg.eventRef, jg.sequence, len(jg.journals)))),
		BatchID:       jg.batchID,
		EventRef:      jg.eventRef,
		Sequence:      jg.sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		Amount:        amount,
		JournalType:   jt,
		Ledger:        jg.ledger,
	}
	jg.journals = append(jg.journals, j)
	return j
}

// Batch returns the movements collected since Begin, or nil if none.
func (jg *JournalGenerator) Batch() *Batch {
	if len(jg.journals) == 0 {
		return nil
	}
	journals := make([]Journal, len(jg.journals))
	copy(journals, jg.journals)
	return &Batch{
		BatchID:  jg.batchID,
		EventRef: jg.eventRef,
		Sequence: jg.sequence,
		Ledger:   jg.ledger,
		Journals: journals,
	}
}
