package util

import (
	"strings"
	"testing"
)

func TestNewID(t *testing.T) {
	a := NewID("smn")
	b := NewID("smn")
	if !strings.HasPrefix(a, "smn_") || len(a) != len("smn_")+36 {
		t.Fatalf("unexpected id %q", a)
	}
	if a == b {
		t.Fatal("expected distinct ids")
	}
	if got := NewID(""); len(got) != 36 || strings.Contains(got, "_") {
		t.Fatalf("unexpected bare id %q", got)
	}
}
