package ids

import (
	"crypto/rand"
	"math/big"
)

const DefaultLength = 8

// base62 keeps connection IDs safe for use as file names
const base62 = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

var maxVal = big.NewInt(int64(len(base62)))

// Generate returns a cryptographically random base62 ID of the specified length.
// If length is 0, uses DefaultLength.
func Generate(length int) string {
	if length <= 0 {
		length = DefaultLength
	}

	result := make([]byte, length)
	for i := range length {
		n, err := rand.Int(rand.Reader, maxVal)
		if err != nil {
			panic("crypto/rand failed: " + err.Error())
		}
		result[i] = base62[n.Int64()]
	}

	return string(result)
}

// IsValid reports whether id is a non-empty base62 string.
// Used to reject path traversal before an ID is turned into a file name.
func IsValid(id string) bool {
	if id == "" {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if (c < '0' || c > '9') && (c < 'A' || c > 'Z') && (c < 'a' || c > 'z') {
			return false
		}
	}
	return true
}
