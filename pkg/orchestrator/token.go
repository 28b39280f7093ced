package orchestrator

import (
	"crypto/rand"
	"fmt"
	"regexp"
	"time"
)

const tokenAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// TokenGenerator mints request-scoped trace tokens of the form
// PREFIX_[A-Z0-9]{length}_yyyymmddhhmmss.
type TokenGenerator struct {
	prefix string
	length int
}

// NewTokenGenerator builds a generator with the given prefix and random
// payload length.
func NewTokenGenerator(prefix string, length int) *TokenGenerator {
	if prefix == "" {
		prefix = "HIPAA"
	}
	if length <= 0 {
		length = 32
	}
	return &TokenGenerator{prefix: prefix, length: length}
}

// Generate mints a fresh trace token.
func (g *TokenGenerator) Generate() (string, error) {
	buf := make([]byte, g.length)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	for i, b := range buf {
		buf[i] = tokenAlphabet[int(b)%len(tokenAlphabet)]
	}
	return fmt.Sprintf("%s_%s_%s", g.prefix, buf, time.Now().UTC().Format("20060102150405")), nil
}

// Pattern returns the regexp that all tokens from this generator match.
func (g *TokenGenerator) Pattern() *regexp.Regexp {
	return regexp.MustCompile(fmt.Sprintf(`^%s_[A-Z0-9]{%d}_\d{14}$`, regexp.QuoteMeta(g.prefix), g.length))
}
