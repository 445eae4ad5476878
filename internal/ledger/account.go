package ledger

import (
	"BackstopBootstrapper/internal/state"
	"fmt"
	"strings"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	// AccountScopeHolder is a token balance owned by an address.
	AccountScopeHolder AccountScope = iota
	// AccountScopeIssuer is the per-token supply account. It goes negative by
	// the circulating supply so every token sums to zero.
	AccountScopeIssuer
)

// AccountKey is the in-memory key for balance tracking
type AccountKey struct {
	Scope  AccountScope
	Token  state.Address
	Holder state.Address
}

// NewHolderAccountKey creates a key for an address's balance of token.
func NewHolderAccountKey(token, holder state.Address) AccountKey {
	return AccountKey{
		Scope:  AccountScopeHolder,
		Token:  token,
		Holder: holder,
	}
}

// NewIssuerAccountKey creates the supply account of token.
func NewIssuerAccountKey(token state.Address) AccountKey {
	return AccountKey{
		Scope: AccountScopeIssuer,
		Token: token,
	}
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeHolder:
		return fmt.Sprintf("holder:%s:%s", k.Token, k.Holder)
	case AccountScopeIssuer:
		return fmt.Sprintf("issuer:%s", k.Token)
	}
	return "unknown"
}

// ParseAccountPath is the inverse of AccountPath.
func ParseAccountPath(path string) (AccountKey, error) {
	parts := strings.Split(path, ":")

	switch {
	case len(parts) == 3 && parts[0] == "holder":
		return NewHolderAccountKey(state.Address(parts[1]), state.Address(parts[2])), nil
	case len(parts) == 2 && parts[0] == "issuer":
		return NewIssuerAccountKey(state.Address(parts[1])), nil
	}
	return AccountKey{}, fmt.Errorf("malformed account path %q", path)
}
