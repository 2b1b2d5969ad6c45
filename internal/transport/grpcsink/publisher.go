package grpcsink

import (
	"context"
	"fmt"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/jcmexdev/saga-outbox/internal/outbox"
	"github.com/jcmexdev/saga-outbox/internal/pkg/interceptors/constants"
)

// Publisher forwards outbox entries to a remote EventSink.
type Publisher struct {
	conn     grpc.ClientConnInterface
	closer   func() error
	senderID string
}

var _ outbox.Publisher = (*Publisher)(nil)

// Dial opens an insecure, traced connection to target.
func Dial(target, senderID string, opts ...grpc.DialOption) (*Publisher, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpcsink: dial %s: %w", target, err)
	}
	p := NewPublisher(conn, senderID)
	p.closer = conn.Close
	return p, nil
}

func NewPublisher(conn grpc.ClientConnInterface, senderID string) *Publisher {
	return &Publisher{conn: conn, senderID: senderID}
}

func (p *Publisher) Publish(ctx context.Context, entry *outbox.Entry) error {
	if entry == nil {
		return outbox.ErrNilEntry
	}
	req, err := structpb.NewStruct(map[string]any{
		"kind":    entry.MessageType,
		"payload": string(entry.Payload),
	})
	if err != nil {
		return fmt.Errorf("grpcsink: build request: %w", err)
	}

	ctx = metadata.AppendToOutgoingContext(ctx,
		constants.HeaderXMessageID, entry.IdempotencyKey,
		constants.HeaderXIdempotencyKey, entry.IdempotencyKey,
		constants.HeaderXCorrelationID, entry.CorrelationID,
		constants.HeaderXSenderID, p.senderID,
	)

	out := new(structpb.Struct)
	if err := p.conn.Invoke(ctx, PublishMethod, req, out); err != nil {
		return fmt.Errorf("grpcsink: publish %s: %w", entry.MessageType, err)
	}
	return nil
}

// Close closes the connection when Dial opened it.
func (p *Publisher) Close() error {
	if p.closer == nil {
		return nil
	}
	return p.closer()
}
