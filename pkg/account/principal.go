package account

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/multiformats/go-base32"
)

// MaxPrincipalLength is the largest principal the ledger accepts
const MaxPrincipalLength = 29

const principalGroupSize = 5

var (
	ErrPrincipalTooLong      = errors.New("principal exceeds 29 bytes")
	ErrPrincipalChecksum     = errors.New("principal checksum mismatch")
	ErrPrincipalMalformed    = errors.New("principal text is malformed")
	ErrPrincipalNotCanonical = errors.New("principal text is not in canonical form")
)

// Principal is an opaque actor identity. Equality is byte-wise.
type Principal struct {
	raw []byte
}

// PrincipalFromBytes copies b into a new principal
func PrincipalFromBytes(b []byte) (Principal, error) {
	if len(b) > MaxPrincipalLength {
		return Principal{}, ErrPrincipalTooLong
	}
	raw := make([]byte, len(b))
	copy(raw, b)
	return Principal{raw: raw}, nil
}

// MustPrincipalFromBytes is PrincipalFromBytes for constants and tests
func MustPrincipalFromBytes(b []byte) Principal {
	p, err := PrincipalFromBytes(b)
	if err != nil {
		panic(err)
	}
	return p
}

// ParsePrincipal decodes the dashed, checksummed base32 text form,
// e.g. "ryjl3-tyaaa-aaaaa-aaaba-cai".
func ParsePrincipal(text string) (Principal, error) {
	compact := strings.ReplaceAll(text, "-", "")
	if compact == "" {
		return Principal{}, ErrPrincipalMalformed
	}

	decoded, err := base32.RawStdEncoding.DecodeString(strings.ToUpper(compact))
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrPrincipalMalformed, err)
	}
	if len(decoded) < ChecksumSize {
		return Principal{}, ErrPrincipalMalformed
	}

	sum, body := decoded[:ChecksumSize], decoded[ChecksumSize:]
	if !VerifyChecksum(body, sum) {
		return Principal{}, ErrPrincipalChecksum
	}

	p, err := PrincipalFromBytes(body)
	if err != nil {
		return Principal{}, err
	}
	if p.String() != text {
		return Principal{}, ErrPrincipalNotCanonical
	}
	return p, nil
}

// MustParsePrincipal panics when text is not a valid principal
func MustParsePrincipal(text string) Principal {
	p, err := ParsePrincipal(text)
	if err != nil {
		panic(err)
	}
	return p
}

// Bytes returns a copy of the principal's raw bytes
func (p Principal) Bytes() []byte {
	out := make([]byte, len(p.raw))
	copy(out, p.raw)
	return out
}

func (p Principal) Equal(other Principal) bool {
	return bytes.Equal(p.raw, other.raw)
}

// String renders the canonical text form
func (p Principal) String() string {
	sum := Checksum(p.raw)
	buf := make([]byte, 0, ChecksumSize+len(p.raw))
	buf = append(buf, sum[:]...)
	buf = append(buf, p.raw...)

	encoded := strings.ToLower(base32.RawStdEncoding.EncodeToString(buf))

	var sb strings.Builder
	for i := 0; i < len(encoded); i += principalGroupSize {
		if i > 0 {
			sb.WriteByte('-')
		}
		end := i + principalGroupSize
		if end > len(encoded) {
			end = len(encoded)
		}
		sb.WriteString(encoded[i:end])
	}
	return sb.String()
}

func (p Principal) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Principal) UnmarshalText(text []byte) error {
	parsed, err := ParsePrincipal(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
