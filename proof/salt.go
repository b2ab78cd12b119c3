package proof

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// BuildSalt constructs a per-challenge salt: SHA-256(random16 || hiveBlockHash
// || asciiDecimalTimestampMs), hex-encoded. hiveBlockHash is a recent Hive
// block hash supplied by the ledger client — a value no attacker can
// precompute a valid proof against more than a few seconds in advance,
// since it isn't knowable until that block lands.
func BuildSalt(hiveBlockHash string, timestampMs int64) (string, error) {
	random16 := make([]byte, 16)
	if _, err := rand.Read(random16); err != nil {
		return "", fmt.Errorf("salt: read random bytes: %w", err)
	}
	h := sha256.New()
	h.Write(random16)
	h.Write([]byte(hiveBlockHash))
	h.Write([]byte(fmt.Sprintf("%d", timestampMs)))
	return hex.EncodeToString(h.Sum(nil)), nil
}
