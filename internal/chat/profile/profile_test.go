package profile

import (
	"strings"
	"testing"

	"github.com/louisbranch/halyard/internal/chat/storage"
)

func TestNormalizeTrimsFields(t *testing.T) {
	got, err := Normalize(storage.Profile{DisplayName: "  alice  ", FullName: " Alice Example "})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if got.DisplayName != "alice" {
		t.Fatalf("display name = %q, want %q", got.DisplayName, "alice")
	}
	if got.FullName != "Alice Example" {
		t.Fatalf("full name = %q, want %q", got.FullName, "Alice Example")
	}
}

func TestNormalizeRejectsEmptyDisplayName(t *testing.T) {
	if _, err := Normalize(storage.Profile{DisplayName: "   "}); err == nil {
		t.Fatal("expected error for empty display name")
	}
}

func TestNormalizeRejectsControlCharacters(t *testing.T) {
	if _, err := Normalize(storage.Profile{DisplayName: "al\nice"}); err == nil {
		t.Fatal("expected error for control character")
	}
}

func TestNormalizeRejectsLongNames(t *testing.T) {
	if _, err := Normalize(storage.Profile{DisplayName: strings.Repeat("a", 65)}); err == nil {
		t.Fatal("expected error for long display name")
	}
	if _, err := Normalize(storage.Profile{DisplayName: "alice", FullName: strings.Repeat("b", 129)}); err == nil {
		t.Fatal("expected error for long full name")
	}
}

func TestNormalizeAllowsEmptyFullName(t *testing.T) {
	got, err := Normalize(storage.Profile{DisplayName: "alice"})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if got.FullName != "" {
		t.Fatalf("full name = %q, want empty", got.FullName)
	}
}
