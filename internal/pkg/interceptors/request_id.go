// Package interceptors carries saga identifiers across gRPC hops.
package interceptors

import (
	"context"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/jcmexdev/saga-outbox/internal/pkg/interceptors/constants"
)

// UnaryServerInterceptor copies the propagated headers into the context.
// A missing request id is generated.
func UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		md, _ := metadata.FromIncomingContext(ctx)
		for _, p := range constants.Propagated {
			value := first(md, p.Header)
			if p.Key == constants.ContextKeyRequestID && value == "" {
				value = uuid.NewString()
			}
			if value != "" {
				ctx = context.WithValue(ctx, p.Key, value)
			}
		}
		return handler(ctx, req)
	}
}

// GetMetadataValue looks header up in the context values first, then in
// incoming and outgoing metadata.
func GetMetadataValue(ctx context.Context, header string) string {
	for _, p := range constants.Propagated {
		if p.Header == header {
			if v, ok := ctx.Value(p.Key).(string); ok {
				return v
			}
		}
	}
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := first(md, header); v != "" {
			return v
		}
	}
	if md, ok := metadata.FromOutgoingContext(ctx); ok {
		return first(md, header)
	}
	return ""
}

// GetIDFromContext returns the request id or "unknown".
func GetIDFromContext(ctx context.Context) string {
	if id := GetMetadataValue(ctx, constants.HeaderXRequestId); id != "" {
		return id
	}
	return "unknown"
}

// ContextWithPropagatedID appends every known header to the outgoing
// metadata so the next hop sees the same identifiers.
func ContextWithPropagatedID(ctx context.Context) context.Context {
	kv := make([]string, 0, 2*len(constants.Propagated))
	for _, p := range constants.Propagated {
		if v := GetMetadataValue(ctx, p.Header); v != "" {
			kv = append(kv, p.Header, v)
		}
	}
	if len(kv) == 0 {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, kv...)
}

func first(md metadata.MD, key string) string {
	if md == nil {
		return ""
	}
	if vs := md.Get(key); len(vs) > 0 {
		return vs[0]
	}
	return ""
}
