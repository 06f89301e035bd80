package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Digest returns the raw SHA-256 digest of data
func Digest(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// HashHex returns the lowercase hex SHA-256 digest of data
func HashHex(data []byte) string {
	return hex.EncodeToString(Digest(data))
}

// HashString hashes the UTF-8 bytes of s
func HashString(s string) string {
	return HashHex([]byte(s))
}

// HashJSON hashes the JSON encoding of v. encoding/json sorts map keys,
// so map-shaped values hash the same regardless of insertion order.
func HashJSON(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return HashHex(b), nil
}
