package crypto

import (
	"crypto/sha256"
	"strings"

	"github.com/n9n/retikulo/internal/wire"
)

// Hash256 returns the full 32-byte SHA-256 digest of data.
func Hash256(data ...[]byte) [wire.FullHashSize]byte {
	h := sha256.New()
	for _, d := range data {
		h.Write(d)
	}
	var out [wire.FullHashSize]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Truncate returns the first wire.TruncatedHashSize bytes of the SHA-256
// digest of data, used for destination and packet hashes (spec section 3).
func Truncate(data ...[]byte) [wire.TruncatedHashSize]byte {
	full := Hash256(data...)
	var out [wire.TruncatedHashSize]byte
	copy(out[:], full[:])
	return out
}

// NameHash returns the first wire.NameHashSize bytes of SHA-256(app_name + "." + aspects).
func NameHash(appName string, aspects []string) [wire.NameHashSize]byte {
	full := Hash256([]byte(appName + "." + strings.Join(aspects, ".")))
	var out [wire.NameHashSize]byte
	copy(out[:], full[:])
	return out
}

// RatchetID returns the first wire.RatchetIDSize bytes of SHA-256(ratchetPublic).
func RatchetID(ratchetPublic []byte) [wire.RatchetIDSize]byte {
	full := Hash256(ratchetPublic)
	var out [wire.RatchetIDSize]byte
	copy(out[:], full[:])
	return out
}
