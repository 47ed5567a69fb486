package room

import "context"

// Transport establishes realtime channels keyed by repository identifier.
// The production implementation lives in internal/transport (Redis); tests
// substitute an in-memory one.
type Transport interface {
	Subscribe(ctx context.Context, channelKey string) (Subscription, error)
}

// Subscription is one established channel. It carries three event classes:
// presence sync snapshots, ephemeral typing broadcasts, and row-change
// notifications from the durable store.
type Subscription interface {
	// PresenceSync delivers full snapshots of the room's presence registry.
	// A snapshot replaces the previous one; there is no incremental patching.
	PresenceSync() <-chan []PresenceEntry

	// Broadcasts delivers typing signals from all subscribers, the local
	// tracker included.
	Broadcasts() <-chan TypingSignal

	// Changes delivers row-change notifications for this channel key, in the
	// order the store emitted them. The subscriber's own writes arrive here
	// exactly like a remote peer's.
	Changes() <-chan RowChange

	// Track announces the local user to the room's shared presence registry.
	Track(ctx context.Context, entry PresenceEntry) error

	// SendBroadcast emits an ephemeral signal to all current subscribers.
	SendBroadcast(ctx context.Context, sig TypingSignal) error

	// Close untracks presence and releases the channel. Idempotent.
	Close() error
}

// Store is the durable, ordered message log. Author-only update/delete is
// enforced by the store's own policy predicate; the session performs no
// authorization checks of its own.
type Store interface {
	Insert(ctx context.Context, msg ChatMessage) error
	Update(ctx context.Context, id string, authorID int, content string) error
	Delete(ctx context.Context, id string, authorID int) error
	SelectAll(ctx context.Context, channelKey string) ([]ChatMessage, error)
}

// ContributorSource lists a repository's contributors for @-mention
// autocomplete. Purely a UX affordance; failures are non-fatal.
type ContributorSource interface {
	Contributors(ctx context.Context, repoFullName string) ([]Contributor, error)
}
