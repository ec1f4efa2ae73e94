package engine

import (
	"regexp"
	"testing"
)

func TestDisplayNameIsStable(t *testing.T) {
	a := DisplayName("subj-42")
	b := DisplayName("subj-42")
	if a != b {
		t.Fatalf("same id produced different names: %q vs %q", a, b)
	}
}

func TestDisplayNameFormat(t *testing.T) {
	pattern := regexp.MustCompile(`^[A-Z][a-zA-Z]+[1-9][0-9]{3}$`)
	for _, id := range []string{"a", "subj-1", "x:12345", ""} {
		name := DisplayName(id)
		if !pattern.MatchString(name) {
			t.Errorf("DisplayName(%q) = %q, not AdjectiveNoun#### shaped", id, name)
		}
	}
}

func TestDisplayNameVaries(t *testing.T) {
	seen := map[string]bool{}
	for _, id := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		seen[DisplayName(id)] = true
	}
	// Collisions are possible in principle; all eight landing on one name is not.
	if len(seen) < 2 {
		t.Fatalf("all ids mapped to the same name: %v", seen)
	}
}

func TestNewReferralCodeShape(t *testing.T) {
	pattern := regexp.MustCompile(`^[0-9A-F]{8}$`)
	for i := 0; i < 20; i++ {
		code := NewReferralCode()
		if !pattern.MatchString(code) {
			t.Fatalf("code %q is not 8 uppercase hex chars", code)
		}
	}
}

func TestNewReferralCodeIsRandom(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		seen[NewReferralCode()] = true
	}
	if len(seen) < 45 {
		t.Fatalf("too many duplicate codes in 50 draws: %d unique", len(seen))
	}
}
