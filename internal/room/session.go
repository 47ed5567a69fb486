package room

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type State string

const (
	StateClosed  State = "closed"
	StateOpening State = "opening"
	StateActive  State = "active"
)

const (
	// DefaultTypingWindow is how long a received typing signal holds the
	// indicator true before it auto-reverts.
	DefaultTypingWindow = 1 * time.Second

	// DefaultRemoveDelay is the cosmetic pause between marking a message as
	// removing and issuing the durable delete, so the UI can fade it out.
	DefaultRemoveDelay = 300 * time.Millisecond

	eventBuffer = 64
)

// Config carries everything a session needs to open a room.
type Config struct {
	ChannelKey string
	Self       Identity
	Transport  Transport
	Store      Store

	// Contributors is optional; when set, the list is fetched once on open
	// and cached for the session's lifetime.
	Contributors ContributorSource

	// Zero values fall back to the defaults above. Tests shrink them.
	TypingWindow time.Duration
	RemoveDelay  time.Duration
	Clock        func() time.Time
	NewID        func() string
}

// Session owns the lifecycle of one realtime channel bound to a repository
// identifier and presents a single coherent message list to its consumer.
// The list is always store-derived: sends, edits and unsends take effect
// through the round-trip change notification, never through a local
// optimistic update, so the rendered state can never diverge from what a
// concurrent peer sees.
type Session struct {
	key          string
	self         Identity
	store        Store
	sub          Subscription
	contributors []Contributor
	typingWindow time.Duration
	removeDelay  time.Duration
	clock        func() time.Time
	newID        func() string

	mu       sync.Mutex
	state    State
	messages []ChatMessage
	presence []PresenceEntry
	typing   bool

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
}

// Open allocates one realtime channel and returns once the subscription is
// confirmed, presence is announced and the initial history load has run.
// State machine: Closed -> Opening -> Active -> Closed; a subscription
// failure goes straight back to Closed with a *SubscriptionError and no
// automatic retry.
//
// If only the history fetch fails, Open returns the session together with a
// *HistoryLoadError: the channel is live (presence and typing work) with an
// empty list, and the caller may retry with LoadHistory.
func Open(ctx context.Context, cfg Config) (*Session, error) {
	s := &Session{
		key:          cfg.ChannelKey,
		self:         cfg.Self,
		store:        cfg.Store,
		typingWindow: cfg.TypingWindow,
		removeDelay:  cfg.RemoveDelay,
		clock:        cfg.Clock,
		newID:        cfg.NewID,
		state:        StateOpening,
		events:       make(chan Event, eventBuffer),
		done:         make(chan struct{}),
	}
	if s.typingWindow <= 0 {
		s.typingWindow = DefaultTypingWindow
	}
	if s.removeDelay <= 0 {
		s.removeDelay = DefaultRemoveDelay
	}
	if s.clock == nil {
		s.clock = time.Now
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}

	sub, err := cfg.Transport.Subscribe(ctx, s.key)
	if err != nil {
		s.state = StateClosed
		return nil, &SubscriptionError{ChannelKey: s.key, Err: err}
	}
	s.sub = sub

	// Presence announce and contributor prefetch are best effort: neither
	// affects messaging correctness.
	if err := sub.Track(ctx, PresenceEntry{
		UserID:    s.self.ID,
		Username:  s.self.Username,
		AvatarURL: s.self.AvatarURL,
		LastSeen:  s.clock().UTC(),
	}); err != nil {
		log.Printf("room: presence announce failed on %s: %v", s.key, err)
	}
	if cfg.Contributors != nil {
		list, err := cfg.Contributors.Contributors(ctx, s.key)
		if err != nil {
			log.Printf("room: contributor fetch failed on %s: %v", s.key, err)
		} else {
			s.contributors = list
		}
	}

	var histErr error
	msgs, err := s.store.SelectAll(ctx, s.key)
	if err != nil {
		histErr = &HistoryLoadError{ChannelKey: s.key, Err: err}
		log.Printf("room: %v", histErr)
	} else {
		sortMessages(msgs)
		s.messages = msgs
	}

	s.mu.Lock()
	s.state = StateActive
	s.mu.Unlock()

	go s.loop()
	return s, histErr
}

// Events is the session's observable stream. Every event carries a full
// snapshot, so a consumer that misses one is healed by the next.
func (s *Session) Events() <-chan Event { return s.events }

func (s *Session) ChannelKey() string { return s.key }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Messages returns the current list, ascending by created_at.
func (s *Session) Messages() []ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneMessages(s.messages)
}

// Presence returns the current set of viewers.
func (s *Session) Presence() []PresenceEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return clonePresence(s.presence)
}

// Typing reports whether a remote subscriber signalled typing within the
// decay window.
func (s *Session) Typing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.typing
}

// Contributors returns the list cached at open time.
func (s *Session) Contributors() []Contributor {
	out := make([]Contributor, len(s.contributors))
	copy(out, s.contributors)
	return out
}

// Send writes a freshly identified message to the store. The local list is
// not touched here; the appended state arrives via the change feed.
func (s *Session) Send(ctx context.Context, content string) error {
	if s.closed() {
		return ErrClosed
	}
	msg := ChatMessage{
		ID:           s.newID(),
		ChannelKey:   s.key,
		AuthorID:     s.self.ID,
		AuthorName:   s.self.Username,
		AuthorAvatar: s.self.AvatarURL,
		Content:      content,
		CreatedAt:    s.clock().UTC(),
	}
	if err := s.store.Insert(ctx, msg); err != nil {
		log.Printf("room: send failed on %s: %v", s.key, err)
		return &StoreWriteError{Op: "insert", MessageID: msg.ID, Err: err}
	}
	return nil
}

// Edit replaces a message's content in place. The store's policy predicate
// decides whether the acting user may touch the row; a non-author edit
// matches nothing and fails without side effects.
func (s *Session) Edit(ctx context.Context, id, content string) error {
	if s.closed() {
		return ErrClosed
	}
	if err := s.store.Update(ctx, id, s.self.ID, content); err != nil {
		log.Printf("room: edit %s failed on %s: %v", id, s.key, err)
		return &StoreWriteError{Op: "update", MessageID: id, Err: err}
	}
	return nil
}

// Unsend is two-phase: mark the local rendering as removing so the UI can
// fade it out, wait the cosmetic delay, then issue the durable delete. If
// the delete fails the mark is rolled back and the message stays visible.
func (s *Session) Unsend(ctx context.Context, id string) error {
	if s.closed() {
		return ErrClosed
	}
	if !s.markRemoving(id, true) {
		return nil
	}
	select {
	case <-time.After(s.removeDelay):
	case <-s.done:
		// Closed mid-flight: discard silently.
		return nil
	case <-ctx.Done():
		s.markRemoving(id, false)
		return ctx.Err()
	}
	if err := s.store.Delete(ctx, id, s.self.ID); err != nil {
		s.markRemoving(id, false)
		log.Printf("room: unsend %s failed on %s: %v", id, s.key, err)
		return &StoreWriteError{Op: "delete", MessageID: id, Err: err}
	}
	// The row disappears from the list via the change feed.
	return nil
}

// NotifyTyping emits a typing broadcast. Best effort; throttling repeated
// keystrokes is the caller's concern.
func (s *Session) NotifyTyping(ctx context.Context) {
	if s.closed() {
		return
	}
	if err := s.sub.SendBroadcast(ctx, TypingSignal{UserID: s.self.ID}); err != nil {
		log.Printf("room: typing broadcast failed on %s: %v", s.key, err)
	}
}

// LoadHistory refetches the full persisted log and replaces the local list.
// Called once by Open; exposed so callers can retry after a HistoryLoadError.
func (s *Session) LoadHistory(ctx context.Context) error {
	if s.closed() {
		return ErrClosed
	}
	msgs, err := s.store.SelectAll(ctx, s.key)
	if err != nil {
		return &HistoryLoadError{ChannelKey: s.key, Err: err}
	}
	sortMessages(msgs)
	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return nil
	}
	s.messages = msgs
	snapshot := cloneMessages(s.messages)
	s.mu.Unlock()
	s.emit(Event{Kind: EventMessages, Messages: snapshot})
	return nil
}

// Close unsubscribes and releases the channel. Idempotent; in-flight
// operations complete and their results are discarded.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
		close(s.done)
		if err := s.sub.Close(); err != nil {
			log.Printf("room: close %s: %v", s.key, err)
		}
	})
}

// loop is the session's single event-driven task: it serializes every
// transport event onto private state, so no other locking discipline is
// needed for the typing timer.
func (s *Session) loop() {
	decay := time.NewTimer(s.typingWindow)
	if !decay.Stop() {
		<-decay.C
	}
	defer decay.Stop()

	for {
		select {
		case <-s.done:
			return

		case entries, ok := <-s.sub.PresenceSync():
			if !ok {
				return
			}
			// A sync event is a full snapshot: replace, never patch.
			s.mu.Lock()
			s.presence = entries
			snapshot := clonePresence(entries)
			s.mu.Unlock()
			s.emit(Event{Kind: EventPresence, Presence: snapshot})

		case sig, ok := <-s.sub.Broadcasts():
			if !ok {
				return
			}
			if sig.UserID == s.self.ID {
				continue
			}
			s.mu.Lock()
			s.typing = true
			s.mu.Unlock()
			if !decay.Stop() {
				select {
				case <-decay.C:
				default:
				}
			}
			decay.Reset(s.typingWindow)
			s.emit(Event{Kind: EventTyping, Typing: true})

		case <-decay.C:
			s.mu.Lock()
			s.typing = false
			s.mu.Unlock()
			s.emit(Event{Kind: EventTyping, Typing: false})

		case change, ok := <-s.sub.Changes():
			if !ok {
				return
			}
			s.apply(change)
		}
	}
}

func (s *Session) apply(change RowChange) {
	s.mu.Lock()
	switch change.Kind {
	case ChangeInsert:
		// Our own writes echo back here too; replace on id collision so the
		// echo never duplicates local state.
		replaced := false
		for i := range s.messages {
			if s.messages[i].ID == change.Message.ID {
				s.messages[i] = change.Message
				replaced = true
				break
			}
		}
		if !replaced {
			s.messages = append(s.messages, change.Message)
		}
		sortMessages(s.messages)

	case ChangeUpdate:
		for i := range s.messages {
			if s.messages[i].ID == change.Message.ID {
				s.messages[i].Content = change.Message.Content
				break
			}
		}

	case ChangeDelete:
		kept := s.messages[:0]
		for _, m := range s.messages {
			if m.ID != change.Message.ID {
				kept = append(kept, m)
			}
		}
		s.messages = kept
	}
	snapshot := cloneMessages(s.messages)
	s.mu.Unlock()
	s.emit(Event{Kind: EventMessages, Messages: snapshot})
}

func (s *Session) markRemoving(id string, removing bool) bool {
	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return false
	}
	found := false
	for i := range s.messages {
		if s.messages[i].ID == id {
			s.messages[i].Removing = removing
			found = true
			break
		}
	}
	var snapshot []ChatMessage
	if found {
		snapshot = cloneMessages(s.messages)
	}
	s.mu.Unlock()
	if found {
		s.emit(Event{Kind: EventMessages, Messages: snapshot})
	}
	return found
}

func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		// Consumer is not keeping up; snapshots supersede each other, so
		// dropping the oldest pending state is safe. Make room and retry.
		select {
		case <-s.events:
		default:
		}
		select {
		case s.events <- ev:
		default:
		}
	}
}

func (s *Session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// sortMessages orders ascending by created_at. That timestamp is the sole
// sort key: equal stamps keep arrival order locally and have unspecified
// relative order across clients.
func sortMessages(msgs []ChatMessage) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}

func cloneMessages(msgs []ChatMessage) []ChatMessage {
	out := make([]ChatMessage, len(msgs))
	copy(out, msgs)
	return out
}

func clonePresence(entries []PresenceEntry) []PresenceEntry {
	out := make([]PresenceEntry, len(entries))
	copy(out, entries)
	return out
}
