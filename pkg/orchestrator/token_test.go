package orchestrator

import (
	"testing"
)

func TestTokenGenerator_Format(t *testing.T) {
	gen := NewTokenGenerator("HIPAA", 32)
	pattern := gen.Pattern()

	token, err := gen.Generate()
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if !pattern.MatchString(token) {
		t.Errorf("token %q does not match %s", token, pattern)
	}
}

func TestTokenGenerator_Defaults(t *testing.T) {
	gen := NewTokenGenerator("", 0)
	token, err := gen.Generate()
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if !gen.Pattern().MatchString(token) {
		t.Errorf("token %q does not match default pattern", token)
	}
}

func TestTokenGenerator_Unique(t *testing.T) {
	gen := NewTokenGenerator("HIPAA", 32)
	seen := make(map[string]bool, 10000)
	for i := 0; i < 10000; i++ {
		token, err := gen.Generate()
		if err != nil {
			t.Fatalf("Generate() error = %v", err)
		}
		if seen[token] {
			t.Fatalf("duplicate token after %d generations: %s", i, token)
		}
		seen[token] = true
	}
}
