// Package notify announces task outcomes to chat and, optionally, accepts
// new tasks from the same chats.
package notify

import "context"

// Notifier is a long-running chat integration.
type Notifier interface {
	// Name returns the integration name, e.g. "telegram".
	Name() string

	// Start blocks until ctx is cancelled or a fatal error occurs.
	Start(ctx context.Context) error
}
