package state

// Settlement tracks what a principal has taken out of a finished bootstrap.
// A joiner's deposit record is moved into Basis on their first claim or
// refund, so the deposit reads zero afterwards while later operations still
// know the joiner's share. The bootstrapper has no basis; only the flags.
type Settlement struct {
	Basis    int64 `json:"basis"`
	Claimed  bool  `json:"claimed"`
	Refunded bool  `json:"refunded"`
}

// Empty reports whether the principal has not settled anything yet.
func (s *Settlement) Empty() bool {
	return s.Basis == 0 && !s.Claimed && !s.Refunded
}

// CanonicalBytes for deterministic hashing
func (s *Settlement) CanonicalBytes() []byte {
	buf := make([]byte, 0, 10)
	buf = appendInt64LE(buf, s.Basis)
	buf = append(buf, boolByte(s.Claimed), boolByte(s.Refunded))
	return buf
}

// RefundPool is the pair principal left when a cancelled bootstrap paid its
// first joiner refund. Every joiner refund is prorated against it and not
// against the shrinking pair_amount.
type RefundPool struct {
	PairAmount int64 `json:"pair_amount"`
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
