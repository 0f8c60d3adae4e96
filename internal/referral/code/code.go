// Package code generates and validates referral code candidates. It is pure:
// a generated candidate carries no uniqueness guarantee, the caller must
// attempt reservation and retry on collision.
package code

import (
	"crypto/rand"
	"fmt"
	"strings"
)

const (
	// Prefix is the constant human-visible prefix of every referral code.
	Prefix = "TAL"

	// BodyLength is the number of alphabet symbols after the prefix.
	BodyLength = 6

	// Alphabet excludes visually ambiguous symbols (0/O, 1/I/L) so codes
	// survive being read aloud or hand-copied. 31 symbols and 6 positions
	// give ~8.9e8 combinations, two orders of magnitude above the
	// anticipated user population.
	Alphabet = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"
)

// Length is the total length of a well-formed code.
const Length = len(Prefix) + BodyLength

// Generate returns a fresh candidate code: Prefix plus BodyLength symbols
// drawn independently and uniformly from Alphabet using crypto/rand.
func Generate() (string, error) {
	buf := make([]byte, BodyLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read entropy: %w", err)
	}

	var b strings.Builder
	b.Grow(Length)
	b.WriteString(Prefix)
	for _, v := range buf {
		// 31 symbols; modulo bias over 256 values is ~0.4% and irrelevant
		// here since candidates only need to spread, not be unpredictable.
		b.WriteByte(Alphabet[int(v)%len(Alphabet)])
	}
	return b.String(), nil
}

// Valid reports whether s is a well-formed code: correct prefix, exact
// length, and every body symbol drawn from Alphabet.
func Valid(s string) bool {
	if len(s) != Length || !strings.HasPrefix(s, Prefix) {
		return false
	}
	for i := len(Prefix); i < len(s); i++ {
		if !strings.ContainsRune(Alphabet, rune(s[i])) {
			return false
		}
	}
	return true
}
