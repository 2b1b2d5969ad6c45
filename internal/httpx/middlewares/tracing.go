package middlewares

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"google.golang.org/grpc/metadata"

	"github.com/jcmexdev/saga-outbox/internal/pkg/interceptors/constants"
)

// AttachTracingMetadata extracts the W3C trace headers and copies the saga
// headers into the request context and the outgoing gRPC metadata.
func AttachTracingMetadata(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

		requestID := middleware.GetReqID(ctx)
		ctx = context.WithValue(ctx, constants.ContextKeyRequestID, requestID)
		kv := []string{constants.HeaderXRequestId, requestID}

		for _, p := range constants.Propagated {
			if p.Key == constants.ContextKeyRequestID {
				continue
			}
			if v := r.Header.Get(p.Header); v != "" {
				ctx = context.WithValue(ctx, p.Key, v)
				kv = append(kv, p.Header, v)
			}
		}
		ctx = metadata.AppendToOutgoingContext(ctx, kv...)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
