package blehost

import (
	"encoding/hex"
	"strings"

	"github.com/pkg/errors"
)

// UUID is a 16-bit, 32-bit or 128-bit attribute UUID, stored in
// little-endian wire order.
type UUID []byte

// UUID16 returns a 16-bit UUID.
func UUID16(v uint16) UUID {
	return UUID{byte(v), byte(v >> 8)}
}

// ParseUUID parses a hex UUID string, with or without dashes.
func ParseUUID(s string) (UUID, error) {
	s = strings.Replace(s, "-", "", -1)
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, errors.Wrap(err, "can't parse uuid")
	}
	switch len(b) {
	case 2, 4, 16:
	default:
		return nil, errors.Errorf("invalid uuid length %d", len(b))
	}
	return UUID(reverse(b)), nil
}

// MustParseUUID parses a UUID string, panicking on malformed input.
// For static initializers only.
func MustParseUUID(s string) UUID {
	u, err := ParseUUID(s)
	if err != nil {
		panic(err)
	}
	return u
}

func (u UUID) Len() int {
	return len(u)
}

func (u UUID) String() string {
	return hex.EncodeToString(reverse(u))
}

func (u UUID) Equal(v UUID) bool {
	if len(u) != len(v) {
		return false
	}
	for i := range u {
		if u[i] != v[i] {
			return false
		}
	}
	return true
}

// reverse returns a copy with the byte order flipped, converting
// between wire order and display order.
func reverse(u []byte) []byte {
	b := make([]byte, len(u))
	for i := range u {
		b[i] = u[len(u)-1-i]
	}
	return b
}
