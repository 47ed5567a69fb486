package room

import "time"

// ---------------------------------------------
// Database & API Models
// ---------------------------------------------

// ChatMessage is one row of the durable per-room log. The id is generated by
// the sending client (the store never assigns it) and created_at is the
// sender's clock at send time, which is the sole ordering key.
type ChatMessage struct {
	ID           string    `json:"id"`
	ChannelKey   string    `json:"channel_key"`
	AuthorID     int       `json:"author_id"`
	AuthorName   string    `json:"author_name"` // denormalized snapshot at send time
	AuthorAvatar string    `json:"author_avatar"`
	Content      string    `json:"content"`
	CreatedAt    time.Time `json:"created_at"`

	// Removing marks a message mid-unsend so the UI can fade it out.
	// Never persisted; rolled back if the delete fails.
	Removing bool `json:"removing,omitempty"`
}

// PresenceEntry is one viewer of a room. Entries live only in the realtime
// channel's registry and vanish when the owning subscription goes away.
type PresenceEntry struct {
	UserID    int       `json:"user_id"`
	Username  string    `json:"username"`
	AvatarURL string    `json:"avatar_url"`
	LastSeen  time.Time `json:"last_seen"`
}

// TypingSignal is an ephemeral keystroke broadcast. Receivers hold "typing"
// true for a fixed window after the most recent signal.
type TypingSignal struct {
	UserID int `json:"user_id"`
}

// Contributor is a repository contributor, fetched once per room open and
// used only for @-mention autocomplete.
type Contributor struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"` // the account's handle
	AvatarURL string `json:"avatar_url"`
}

// Identity is the acting user, stamped onto every message they send.
type Identity struct {
	ID        int    `json:"id"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatar_url"`
}

// ---------------------------------------------
// Internal Session Models
// ---------------------------------------------

type ChangeKind string

const (
	ChangeInsert ChangeKind = "insert"
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"
)

// RowChange is a push notification emitted by the store whenever a matching
// row is written. For deletes only Message.ID is set.
type RowChange struct {
	Kind    ChangeKind  `json:"kind"`
	Message ChatMessage `json:"message"`
}

type EventKind string

const (
	EventMessages EventKind = "messages"
	EventPresence EventKind = "presence"
	EventTyping   EventKind = "typing"
)

// Event is what a session emits to its UI consumer. Each event carries a
// full snapshot of the piece of state it describes, so consumers never have
// to patch incrementally.
type Event struct {
	Kind     EventKind       `json:"kind"`
	Messages []ChatMessage   `json:"messages,omitempty"`
	Presence []PresenceEntry `json:"presence,omitempty"`
	Typing   bool            `json:"typing"`
}
