package crypto

import (
	"encoding/hex"

	"golang.org/x/crypto/sha3"
)

// ZeroHash is the all-zero sentinel used as the previous hash of a
// chain's genesis entry.
const ZeroHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Sum256Hex returns the hex-encoded SHA3-256 digest of the
// concatenation of parts.
func Sum256Hex(parts ...[]byte) string {
	h := sha3.New256()
	for _, p := range parts {
		h.Write(p)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// SumStrings256Hex is Sum256Hex over UTF-8 encoded strings.
func SumStrings256Hex(parts ...string) string {
	h := sha3.New256()
	for _, p := range parts {
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}
