package lobby

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
)

// codeAlphabet is uppercase alphanumeric without 0/O and 1/I, which get misread when shared aloud.
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// DefaultCodeLength gives 32^6 (~1.07e9) codes.
const DefaultCodeLength = 6

// CodeGenerator produces candidate room codes. Candidates may collide; the store decides.
type CodeGenerator func() (string, error)

// RandomCodes returns a generator of uppercase codes of the given length.
func RandomCodes(length int) CodeGenerator {
	max := big.NewInt(int64(len(codeAlphabet)))
	return func() (string, error) {
		var b strings.Builder
		b.Grow(length)
		for i := 0; i < length; i++ {
			n, err := rand.Int(rand.Reader, max)
			if err != nil {
				return "", fmt.Errorf("read random: %w", err)
			}
			b.WriteByte(codeAlphabet[n.Int64()])
		}
		return b.String(), nil
	}
}

// NormalizeCode makes room codes case-insensitive.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
