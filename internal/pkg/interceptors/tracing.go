package interceptors

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/jcmexdev/saga-outbox/internal/pkg/interceptors/constants"
)

// TraceServerInterceptor logs every unary call with its saga identifiers.
// Chain it after UnaryServerInterceptor.
func TraceServerInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		level := slog.LevelInfo
		if err != nil {
			level = slog.LevelWarn
		}
		logger.Log(ctx, level, "grpc call",
			"method", info.FullMethod,
			"code", status.Code(err).String(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", GetMetadataValue(ctx, constants.HeaderXRequestId),
			"correlation_id", GetMetadataValue(ctx, constants.HeaderXCorrelationID),
			"idempotency_key", GetMetadataValue(ctx, constants.HeaderXIdempotencyKey),
		)
		return resp, err
	}
}
