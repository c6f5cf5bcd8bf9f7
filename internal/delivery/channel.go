package delivery

import "context"

// Channel sends a rendered message to a single recipient.
type Channel interface {
	Name() string
	Send(ctx context.Context, contact, message string) error
}
