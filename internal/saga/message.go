package saga

import "strings"

// Kind names a concrete message type. Type-filtered reactions compare kinds
// instead of inspecting Go types.
type Kind string

// Message is any payload routed through a saga.
type Message interface {
	Kind() Kind
}

// MessageContext wraps an inbound message with its transport identifiers.
// It is immutable once built.
type MessageContext struct {
	msg           Message
	messageID     string
	correlationID string
	senderID      string
}

// NewMessageContext builds a context. msg is required.
func NewMessageContext(msg Message, messageID, correlationID, senderID string) (MessageContext, error) {
	if msg == nil {
		return MessageContext{}, ErrMessageRequired
	}
	return MessageContext{
		msg:           msg,
		messageID:     strings.TrimSpace(messageID),
		correlationID: strings.TrimSpace(correlationID),
		senderID:      strings.TrimSpace(senderID),
	}, nil
}

func (c MessageContext) Message() Message      { return c.msg }
func (c MessageContext) MessageID() string     { return c.messageID }
func (c MessageContext) CorrelationID() string { return c.correlationID }
func (c MessageContext) SenderID() string      { return c.senderID }

// Kind is the kind of the wrapped message, or "" for an empty context.
func (c MessageContext) Kind() Kind {
	if c.msg == nil {
		return ""
	}
	return c.msg.Kind()
}
