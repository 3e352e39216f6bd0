package dispatch

import "context"

// Notifier receives fired actions for downstream handling, such as
// sending a chat message or publishing to an event bus. Delivery is
// fire-and-forget from the dispatcher's perspective: a returned error is
// logged but never retried.
type Notifier interface {
	Notify(ctx context.Context, a *Action) error
}

// NotifierFunc adapts a plain function to the Notifier interface.
type NotifierFunc func(ctx context.Context, a *Action) error

// Notify implements Notifier.
func (f NotifierFunc) Notify(ctx context.Context, a *Action) error {
	return f(ctx, a)
}
