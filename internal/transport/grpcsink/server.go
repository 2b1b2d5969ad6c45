package grpcsink

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/jcmexdev/saga-outbox/internal/messaging"
	"github.com/jcmexdev/saga-outbox/internal/pkg/interceptors"
	"github.com/jcmexdev/saga-outbox/internal/pkg/interceptors/constants"
	"github.com/jcmexdev/saga-outbox/internal/saga"
)

// Dispatcher is the part of saga.Dispatcher the sink needs.
type Dispatcher interface {
	Dispatch(ctx context.Context, mc saga.MessageContext) (int, error)
}

// Server decodes inbound messages and hands them to a Dispatcher.
type Server struct {
	codec      *messaging.Codec
	dispatcher Dispatcher
	logger     *slog.Logger
}

var _ EventSinkServer = (*Server)(nil)

func NewServer(codec *messaging.Codec, dispatcher Dispatcher, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{codec: codec, dispatcher: dispatcher, logger: logger.With("component", "grpcsink")}
}

// NewGRPCServer builds a grpc.Server with tracing and the identifier
// interceptors, and registers srv on it.
func NewGRPCServer(srv *Server, opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			interceptors.UnaryServerInterceptor(),
			interceptors.TraceServerInterceptor(srv.logger),
		),
	}, opts...)
	gs := grpc.NewServer(opts...)
	RegisterEventSinkServer(gs, srv)
	return gs
}

func (s *Server) Publish(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	env, err := envelopeFrom(ctx, req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	mc, err := s.codec.Context(env)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	handled, err := s.dispatcher.Dispatch(ctx, mc)
	if err != nil {
		s.logger.ErrorContext(ctx, "dispatch failed", "kind", env.Kind, "correlation_id", env.CorrelationID, "error", err)
		return nil, status.Error(codes.Internal, err.Error())
	}

	return structpb.NewStruct(map[string]any{
		"handled":    handled,
		"message_id": env.MessageID,
	})
}

func envelopeFrom(ctx context.Context, req *structpb.Struct) (messaging.Envelope, error) {
	fields := req.GetFields()
	str := func(name string) string { return fields[name].GetStringValue() }
	pick := func(header, field string) string {
		if v := interceptors.GetMetadataValue(ctx, header); v != "" {
			return v
		}
		return str(field)
	}

	env := messaging.Envelope{
		MessageID:     pick(constants.HeaderXMessageID, "message_id"),
		CorrelationID: pick(constants.HeaderXCorrelationID, "correlation_id"),
		SenderID:      pick(constants.HeaderXSenderID, "sender_id"),
		Kind:          saga.Kind(str("kind")),
	}
	if env.MessageID == "" {
		env.MessageID = interceptors.GetMetadataValue(ctx, constants.HeaderXIdempotencyKey)
	}
	if raw := str("payload"); raw != "" {
		if !json.Valid([]byte(raw)) {
			return env, errors.New("grpcsink: payload is not valid JSON")
		}
		env.Payload = json.RawMessage(raw)
	}
	return env, nil
}
