package constants

// contextKey is an unexported type for context keys in this package.
type contextKey string

const (
	HeaderXRequestId      = "x-request-id"
	HeaderXIdempotencyKey = "x-idempotency-key"
	HeaderXMessageID      = "x-message-id"
	HeaderXCorrelationID  = "x-correlation-id"
	HeaderXSenderID       = "x-sender-id"

	ContextKeyRequestID      contextKey = HeaderXRequestId
	ContextKeyIdempotencyKey contextKey = HeaderXIdempotencyKey
	ContextKeyMessageID      contextKey = HeaderXMessageID
	ContextKeyCorrelationID  contextKey = HeaderXCorrelationID
	ContextKeySenderID       contextKey = HeaderXSenderID
)

// Propagated lists the headers lifted from incoming metadata into the
// request context, paired with their context keys.
var Propagated = []struct {
	Header string
	Key    contextKey
}{
	{HeaderXRequestId, ContextKeyRequestID},
	{HeaderXIdempotencyKey, ContextKeyIdempotencyKey},
	{HeaderXMessageID, ContextKeyMessageID},
	{HeaderXCorrelationID, ContextKeyCorrelationID},
	{HeaderXSenderID, ContextKeySenderID},
}
