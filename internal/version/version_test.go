package version

import (
	"strings"
	"testing"
)

func TestResolve_KeepsStampedValues(t *testing.T) {
	v, c, d := resolve("v1.2.3", "abc123", "2026-01-01T00:00:00Z")
	if v != "v1.2.3" || c != "abc123" || d != "2026-01-01T00:00:00Z" {
		t.Fatalf("resolve rewrote stamped values: %q %q %q", v, c, d)
	}
}

func TestResolve_TreatsPlaceholdersAsUnset(t *testing.T) {
	v, c, d := resolve("v1.2.3", "unknown", "unknown")
	if v != "v1.2.3" {
		t.Fatalf("version = %q", v)
	}
	// Build info may fill commit and date from VCS settings, but the
	// placeholder text itself must never survive.
	if c == "unknown" || d == "unknown" {
		t.Fatalf("placeholders leaked: %q %q", c, d)
	}
}

func TestResolve_EmptyVersionFallsBackToDev(t *testing.T) {
	// Test binaries carry a "(devel)" main module version, so an empty
	// stamp lands on the dev default.
	v, _, _ := resolve("", "unknown", "unknown")
	if v == "" {
		t.Fatal("empty version")
	}
}

func TestString_NonEmptyWithoutPlaceholders(t *testing.T) {
	s := String()
	if s == "" {
		t.Fatal("empty version string")
	}
	if strings.Contains(s, "unknown") {
		t.Fatalf("placeholder leaked into %q", s)
	}
}
