// Package account derives the 32-byte account identifiers the ledger routes payments by.
//
// An identifier is crc32(h) ++ h where h = sha224(0x0A "account-id" principal subaccount).
// The field order is fixed by the ledger and must not change.
package account

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// IdentifierSize is the encoded length of an account identifier
const IdentifierSize = ChecksumSize + HashSize

// domainSeparator is 0x0A followed by "account-id"
var domainSeparator = []byte("\x0aaccount-id")

var (
	ErrIdentifierLength   = errors.New("account identifier must be 32 bytes")
	ErrIdentifierChecksum = errors.New("account identifier checksum mismatch")
)

// Identifier is the address of one (principal, sub-account) balance
type Identifier [IdentifierSize]byte

// NewIdentifier derives the account identifier of principal's sub-account
func NewIdentifier(principal Principal, sub Subaccount) Identifier {
	h := sha256.New224()
	h.Write(domainSeparator)
	h.Write(principal.raw)
	h.Write(sub[:])

	var payload [HashSize]byte
	h.Sum(payload[:0])

	var id Identifier
	sum := Checksum(payload[:])
	copy(id[:ChecksumSize], sum[:])
	copy(id[ChecksumSize:], payload[:])
	return id
}

// Default is the principal's account for the all-zero sub-account
func Default(principal Principal) Identifier {
	return NewIdentifier(principal, DefaultSubaccount)
}

// ParseIdentifier decodes a 64 character hex identifier and checks its checksum
func ParseIdentifier(s string) (Identifier, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return Identifier{}, fmt.Errorf("invalid account identifier hex: %w", err)
	}
	if len(raw) != IdentifierSize {
		return Identifier{}, ErrIdentifierLength
	}
	if !VerifyChecksum(raw[ChecksumSize:], raw[:ChecksumSize]) {
		return Identifier{}, ErrIdentifierChecksum
	}

	var id Identifier
	copy(id[:], raw)
	return id, nil
}

func (a Identifier) Hex() string {
	return hex.EncodeToString(a[:])
}

func (a Identifier) String() string {
	return a.Hex()
}

func (a Identifier) MarshalText() ([]byte, error) {
	return []byte(a.Hex()), nil
}

func (a *Identifier) UnmarshalText(text []byte) error {
	id, err := ParseIdentifier(string(text))
	if err != nil {
		return err
	}
	*a = id
	return nil
}
