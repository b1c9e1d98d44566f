package ingest

import (
	"context"

	"github.com/nidhogg/mnemo/internal/bus"
)

// Sink receives normalized messages from a platform adapter. The channel a
// message arrived on becomes its group id.
type Sink func(groupID string, msg bus.Message)

// Adapter connects one chat platform and feeds its messages into a Sink.
type Adapter interface {
	Platform() string
	Connect(ctx context.Context) error
	Close() error
}
