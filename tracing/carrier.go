package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"google.golang.org/grpc/metadata"
)

// MetadataCarrier adapts gRPC metadata to the propagation.TextMapCarrier
// interface so Flight calls can carry W3C trace context.
type MetadataCarrier struct {
	MD metadata.MD
}

// Get returns the first value for key, or empty string if not found.
func (c MetadataCarrier) Get(key string) string {
	vals := c.MD.Get(key)
	if len(vals) == 0 {
		return ""
	}
	return vals[0]
}

// Set stores a key-value pair, replacing any existing values for the key.
func (c MetadataCarrier) Set(key, value string) {
	c.MD.Set(key, value)
}

// Keys returns all metadata keys.
func (c MetadataCarrier) Keys() []string {
	keys := make([]string, 0, len(c.MD))
	for k := range c.MD {
		keys = append(keys, k)
	}
	return keys
}

// ExtractGRPC returns ctx carrying the remote span context found in the
// incoming gRPC metadata of ctx, if any.
func ExtractGRPC(ctx context.Context) context.Context {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, MetadataCarrier{MD: md})
}

// InjectGRPC returns ctx with the span context of ctx added to its outgoing
// gRPC metadata.
func InjectGRPC(ctx context.Context) context.Context {
	md, ok := metadata.FromOutgoingContext(ctx)
	if ok {
		md = md.Copy()
	} else {
		md = metadata.MD{}
	}
	otel.GetTextMapPropagator().Inject(ctx, MetadataCarrier{MD: md})
	return metadata.NewOutgoingContext(ctx, md)
}
