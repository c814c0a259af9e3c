package channels

import (
	"context"
)

// Channel is an outbound operator alert sink.
type Channel interface {
	// Name returns the unique name of the channel (e.g., "telegram").
	Name() string

	// Start forwards alerts until the context is canceled or a fatal error occurs.
	Start(ctx context.Context) error
}
