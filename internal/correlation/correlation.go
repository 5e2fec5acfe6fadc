// Package correlation carries request correlation identifiers across the
// HTTP, gRPC and socket transports.
package correlation

import (
	"context"
	"strings"

	"google.golang.org/grpc/metadata"

	"pkt.systems/activityd/internal/uuidv7"
)

const (
	// MaxIDLength defines the maximum number of characters accepted for correlation identifiers.
	MaxIDLength = 128
	// HeaderName is the HTTP header clients use to propagate an identifier.
	HeaderName = "X-Correlation-Id"
	// MetadataKey is the gRPC metadata key carrying the identifier.
	MetadataKey = "x-correlation-id"
)

type contextKey struct{}

// Set records the correlation ID on ctx. Invalid identifiers leave ctx
// unchanged.
func Set(ctx context.Context, id string) context.Context {
	normalized, ok := Normalize(id)
	if !ok {
		return ctx
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, contextKey{}, normalized)
}

// ID retrieves the correlation ID stored on ctx, if any.
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// Has reports whether ctx carries a correlation ID.
func Has(ctx context.Context) bool {
	return ID(ctx) != ""
}

// Ensure returns ctx carrying candidate when valid, or a freshly generated
// identifier otherwise. The chosen identifier is returned alongside.
func Ensure(ctx context.Context, candidate string) (context.Context, string) {
	if id, ok := Normalize(candidate); ok {
		return Set(ctx, id), id
	}
	if id := ID(ctx); id != "" {
		return ctx, id
	}
	id := Generate()
	return Set(ctx, id), id
}

// FromIncoming extracts the identifier from incoming gRPC metadata.
func FromIncoming(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if vals := md.Get(MetadataKey); len(vals) > 0 {
		return vals[0]
	}
	return ""
}

// AppendOutgoing copies the identifier on ctx into outgoing gRPC metadata.
func AppendOutgoing(ctx context.Context) context.Context {
	id := ID(ctx)
	if id == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, MetadataKey, id)
}

// Normalize validates and canonicalizes an external correlation identifier.
// It returns the normalized ID and true if the input is acceptable.
func Normalize(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > MaxIDLength {
		return "", false
	}
	for _, r := range id {
		if r < 0x20 || r > 0x7e {
			return "", false
		}
	}
	return id, true
}

// Generate produces a new random correlation identifier.
func Generate() string {
	return uuidv7.NewString()
}
