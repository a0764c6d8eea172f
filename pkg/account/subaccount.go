package account

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// SubaccountSize is the fixed length of a ledger sub-account
const SubaccountSize = 32

// Subaccount discriminates independent balances owned by one principal.
// The zero value is the principal's default account.
type Subaccount [SubaccountSize]byte

// DefaultSubaccount is the all-zero sub-account
var DefaultSubaccount Subaccount

// ProjectSubaccount encodes a project id big-endian in the trailing bytes of an
// otherwise zero sub-account. Distinct ids always give distinct sub-accounts.
func ProjectSubaccount(projectID uint64) Subaccount {
	var sub Subaccount
	binary.BigEndian.PutUint64(sub[SubaccountSize-8:], projectID)
	return sub
}

// SubaccountFromBytes left-pads b with zeros to 32 bytes.
// Input longer than 32 bytes is a caller error and panics.
func SubaccountFromBytes(b []byte) Subaccount {
	if len(b) > SubaccountSize {
		panic(fmt.Sprintf("account: sub-account of %d bytes exceeds %d", len(b), SubaccountSize))
	}
	var sub Subaccount
	copy(sub[SubaccountSize-len(b):], b)
	return sub
}

// IsDefault reports whether s is the all-zero sub-account
func (s Subaccount) IsDefault() bool {
	return s == DefaultSubaccount
}

func (s Subaccount) Hex() string {
	return hex.EncodeToString(s[:])
}

func (s Subaccount) String() string {
	return s.Hex()
}
