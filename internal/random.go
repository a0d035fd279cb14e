package internal

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"math/big"
	"strings"
)

// NewOTP returns a uniformly random numeric code of the given length.
func NewOTP(digits int) (string, error) {
	if digits < 6 || digits > 10 {
		return "", errors.New("invalid otp digits")
	}

	var b strings.Builder
	b.Grow(digits)

	max := big.NewInt(10)
	for i := 0; i < digits; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + n.Int64()))
	}

	return b.String(), nil
}

// HashCode hashes a one-time code for storage. Codes are never persisted in
// the clear.
func HashCode(code string) [32]byte {
	return sha256.Sum256([]byte(code))
}

// HashFingerprint hashes a client binding value (IP or User-Agent) so the
// refresh store never holds the raw value.
func HashFingerprint(v string) [32]byte {
	return sha256.Sum256([]byte(v))
}

// HashesEqual compares two stored hashes in constant time.
func HashesEqual(a, b [32]byte) bool {
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}
