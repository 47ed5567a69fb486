package room

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by operations invoked after Close.
var ErrClosed = errors.New("room: session closed")

// SubscriptionError means the transport could not establish the realtime
// channel. The session never left Closed; callers should surface this as a
// recoverable error, not crash.
type SubscriptionError struct {
	ChannelKey string
	Err        error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("room: subscribe %s: %v", e.ChannelKey, e.Err)
}

func (e *SubscriptionError) Unwrap() error { return e.Err }

// StoreWriteError means an insert, update or delete failed. The rendered
// list is store-derived, so a failed write simply never appears.
type StoreWriteError struct {
	Op        string
	MessageID string
	Err       error
}

func (e *StoreWriteError) Error() string {
	return fmt.Sprintf("room: %s %s: %v", e.Op, e.MessageID, e.Err)
}

func (e *StoreWriteError) Unwrap() error { return e.Err }

// HistoryLoadError means the initial fetch failed. The channel stays
// subscribed (presence and typing keep working) with an empty message list;
// callers may retry with LoadHistory.
type HistoryLoadError struct {
	ChannelKey string
	Err        error
}

func (e *HistoryLoadError) Error() string {
	return fmt.Sprintf("room: load history %s: %v", e.ChannelKey, e.Err)
}

func (e *HistoryLoadError) Unwrap() error { return e.Err }
