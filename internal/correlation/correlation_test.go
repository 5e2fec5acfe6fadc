package correlation

import (
	"context"
	"strings"
	"testing"

	"google.golang.org/grpc/metadata"
)

func TestNormalize(t *testing.T) {
	valid := "abc-123"
	if got, ok := Normalize(valid); !ok || got != valid {
		t.Fatalf("expected %q to normalize, got %q ok=%v", valid, got, ok)
	}
	trimmed := "  xyz  "
	if got, ok := Normalize(trimmed); !ok || got != "xyz" {
		t.Fatalf("expected trimmed normalize to xyz, got %q ok=%v", got, ok)
	}
	if _, ok := Normalize(""); ok {
		t.Fatal("empty id should be invalid")
	}
	if _, ok := Normalize(strings.Repeat("a", MaxIDLength+1)); ok {
		t.Fatal("overlong id should be invalid")
	}
	if _, ok := Normalize("bad\x01suffix"); ok {
		t.Fatal("non-printable should be invalid")
	}
}

func TestSetAndGet(t *testing.T) {
	ctx := context.Background()
	if Has(ctx) {
		t.Fatalf("expected empty context to have no correlation id")
	}
	ctx = Set(ctx, "")
	if Has(ctx) {
		t.Fatalf("expected invalid set to be ignored")
	}
	ctx = Set(ctx, "foo")
	if !Has(ctx) {
		t.Fatalf("expected correlation id to be present")
	}
	if got := ID(ctx); got != "foo" {
		t.Fatalf("expected foo, got %q", got)
	}
}

func TestEnsure(t *testing.T) {
	ctx, id := Ensure(context.Background(), "caller-id")
	if id != "caller-id" || ID(ctx) != "caller-id" {
		t.Fatalf("expected caller id, got %q", id)
	}
	_, id = Ensure(ctx, "bad\x01")
	if id != "caller-id" {
		t.Fatalf("expected existing id to be kept, got %q", id)
	}
	_, generated := Ensure(context.Background(), "")
	if generated == "" {
		t.Fatal("expected generated id")
	}
}

func TestMetadataRoundTrip(t *testing.T) {
	ctx := AppendOutgoing(Set(context.Background(), "abc"))
	md, ok := metadata.FromOutgoingContext(ctx)
	if !ok {
		t.Fatal("expected outgoing metadata")
	}
	incoming := metadata.NewIncomingContext(context.Background(), md)
	if got := FromIncoming(incoming); got != "abc" {
		t.Fatalf("expected abc, got %q", got)
	}
	if got := FromIncoming(context.Background()); got != "" {
		t.Fatalf("expected empty id, got %q", got)
	}
}

func TestGenerate(t *testing.T) {
	id := Generate()
	if id == "" {
		t.Fatalf("expected generated id")
	}
	if len(id) > MaxIDLength {
		t.Fatalf("generated id length %d exceeds limit", len(id))
	}
	if _, ok := Normalize(id); !ok {
		t.Fatalf("generated id should be valid, got %q", id)
	}
}
