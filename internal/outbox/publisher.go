package outbox

import "context"

// Publisher delivers one entry to the outside world. It must be safe to
// call again for an entry that was already delivered.
type Publisher interface {
	Publish(ctx context.Context, entry *Entry) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, entry *Entry) error

func (f PublisherFunc) Publish(ctx context.Context, entry *Entry) error { return f(ctx, entry) }
