package machine

import (
	"context"
	"testing"
)

func TestNamePrefersOverride(t *testing.T) {
	if got := Name(context.Background(), " vm-7 "); got != "vm-7" {
		t.Fatalf("expected override, got %q", got)
	}
}

func TestNameFallsBackToHost(t *testing.T) {
	if got := Name(context.Background(), ""); got == "" {
		t.Fatal("expected a machine name")
	}
}

func TestDetectReturnsHostname(t *testing.T) {
	id, err := Detect(context.Background())
	if err != nil {
		t.Skipf("host info unavailable: %v", err)
	}
	if id.Hostname == "" {
		t.Fatal("expected hostname")
	}
}
