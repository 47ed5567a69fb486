package room

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// fakeHub plays the hosted realtime platform: a shared presence registry and
// a change/broadcast feed fanning out to every subscription on a channel key,
// the writer's own included.
type fakeHub struct {
	mu       sync.Mutex
	nextID   int
	subs     map[*fakeSub]bool
	presence map[int]PresenceEntry // subscription id -> entry
	failSub  error
}

func newFakeHub() *fakeHub {
	return &fakeHub{
		subs:     make(map[*fakeSub]bool),
		presence: make(map[int]PresenceEntry),
	}
}

func (h *fakeHub) Subscribe(ctx context.Context, channelKey string) (Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failSub != nil {
		return nil, h.failSub
	}
	h.nextID++
	sub := &fakeSub{
		hub:        h,
		id:         h.nextID,
		channelKey: channelKey,
		presenceCh: make(chan []PresenceEntry, 16),
		typingCh:   make(chan TypingSignal, 16),
		changesCh:  make(chan RowChange, 16),
	}
	h.subs[sub] = true
	return sub, nil
}

func (h *fakeHub) syncAllLocked() {
	snapshot := make([]PresenceEntry, 0, len(h.presence))
	for _, e := range h.presence {
		snapshot = append(snapshot, e)
	}
	for sub := range h.subs {
		out := make([]PresenceEntry, len(snapshot))
		copy(out, snapshot)
		sub.presenceCh <- out
	}
}

func (h *fakeHub) broadcastChange(change RowChange) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		sub.changesCh <- change
	}
}

type fakeSub struct {
	hub        *fakeHub
	id         int
	channelKey string
	presenceCh chan []PresenceEntry
	typingCh   chan TypingSignal
	changesCh  chan RowChange
	closeOnce  sync.Once
}

func (s *fakeSub) PresenceSync() <-chan []PresenceEntry { return s.presenceCh }
func (s *fakeSub) Broadcasts() <-chan TypingSignal      { return s.typingCh }
func (s *fakeSub) Changes() <-chan RowChange            { return s.changesCh }

func (s *fakeSub) Track(ctx context.Context, entry PresenceEntry) error {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	s.hub.presence[s.id] = entry
	s.hub.syncAllLocked()
	return nil
}

func (s *fakeSub) SendBroadcast(ctx context.Context, sig TypingSignal) error {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	for sub := range s.hub.subs {
		sub.typingCh <- sig
	}
	return nil
}

func (s *fakeSub) Close() error {
	s.closeOnce.Do(func() {
		s.hub.mu.Lock()
		defer s.hub.mu.Unlock()
		delete(s.hub.subs, s)
		delete(s.hub.presence, s.id)
		s.hub.syncAllLocked()
	})
	return nil
}

// fakeStore is an in-memory durable log. The author predicate on update and
// delete stands in for the backing store's policy layer.
type fakeStore struct {
	hub *fakeHub

	mu         sync.Mutex
	rows       map[string]ChatMessage
	failDelete bool
	failSelect bool
}

func newFakeStore(hub *fakeHub) *fakeStore {
	return &fakeStore{hub: hub, rows: make(map[string]ChatMessage)}
}

func (st *fakeStore) Insert(ctx context.Context, msg ChatMessage) error {
	st.mu.Lock()
	st.rows[msg.ID] = msg
	st.mu.Unlock()
	st.hub.broadcastChange(RowChange{Kind: ChangeInsert, Message: msg})
	return nil
}

func (st *fakeStore) Update(ctx context.Context, id string, authorID int, content string) error {
	st.mu.Lock()
	row, ok := st.rows[id]
	if !ok || row.AuthorID != authorID {
		st.mu.Unlock()
		return errors.New("no matching row")
	}
	row.Content = content
	st.rows[id] = row
	st.mu.Unlock()
	st.hub.broadcastChange(RowChange{Kind: ChangeUpdate, Message: row})
	return nil
}

func (st *fakeStore) Delete(ctx context.Context, id string, authorID int) error {
	st.mu.Lock()
	if st.failDelete {
		st.mu.Unlock()
		return errors.New("delete refused")
	}
	row, ok := st.rows[id]
	if !ok || row.AuthorID != authorID {
		st.mu.Unlock()
		return errors.New("no matching row")
	}
	delete(st.rows, id)
	st.mu.Unlock()
	st.hub.broadcastChange(RowChange{Kind: ChangeDelete, Message: ChatMessage{ID: row.ID}})
	return nil
}

func (st *fakeStore) SelectAll(ctx context.Context, channelKey string) ([]ChatMessage, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.failSelect {
		return nil, errors.New("select refused")
	}
	// Map iteration order is random on purpose: the session, not the store,
	// owns the ascending created_at ordering.
	var out []ChatMessage
	for _, row := range st.rows {
		if row.ChannelKey == channelKey {
			out = append(out, row)
		}
	}
	return out, nil
}

func testConfig(hub *fakeHub, store *fakeStore, self Identity) Config {
	return Config{
		ChannelKey:   "org/repo",
		Self:         self,
		Transport:    hub,
		Store:        store,
		TypingWindow: 40 * time.Millisecond,
		RemoveDelay:  5 * time.Millisecond,
	}
}

func mustOpen(t *testing.T, cfg Config) *Session {
	t.Helper()
	s, err := Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

// waitFor drains the session's event stream until cond is satisfied by the
// session's current state, or fails the test.
func waitFor(t *testing.T, s *Session, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-s.Events():
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		}
	}
}

func hasMessage(s *Session, id string) bool {
	for _, m := range s.Messages() {
		if m.ID == id {
			return true
		}
	}
	return false
}

func TestSendEchoesThroughChangeFeed(t *testing.T) {
	hub := newFakeHub()
	store := newFakeStore(hub)
	s1 := mustOpen(t, testConfig(hub, store, Identity{ID: 1, Username: "ana"}))
	s2 := mustOpen(t, testConfig(hub, store, Identity{ID: 2, Username: "ben"}))

	if err := s1.Send(context.Background(), "hi"); err != nil {
		t.Fatalf("send: %v", err)
	}

	// Both the sender and the remote peer get the message via the change
	// notification, with no further history load.
	waitFor(t, s1, "sender echo", func() bool { return len(s1.Messages()) == 1 })
	waitFor(t, s2, "peer delivery", func() bool { return len(s2.Messages()) == 1 })

	got := s2.Messages()[0]
	if got.Content != "hi" || got.AuthorID != 1 || got.AuthorName != "ana" {
		t.Fatalf("unexpected message: %+v", got)
	}
	if got.ID == "" {
		t.Fatal("message id was not generated")
	}
}

func TestHistoryIsOrderedByCreatedAt(t *testing.T) {
	hub := newFakeHub()
	store := newFakeStore(hub)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	// Seed the store directly, out of order; map iteration randomizes the
	// order SelectAll hands back.
	for i, offset := range []int{4, 0, 2, 3, 1} {
		store.rows[fmt.Sprintf("m%d", i)] = ChatMessage{
			ID:         fmt.Sprintf("m%d", i),
			ChannelKey: "org/repo",
			AuthorID:   1,
			Content:    fmt.Sprintf("msg %d", offset),
			CreatedAt:  base.Add(time.Duration(offset) * time.Second),
		}
	}

	s := mustOpen(t, testConfig(hub, store, Identity{ID: 1, Username: "ana"}))
	msgs := s.Messages()
	if len(msgs) != 5 {
		t.Fatalf("got %d messages, want 5", len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt) {
			t.Fatalf("messages out of order at %d: %v before %v", i, msgs[i].CreatedAt, msgs[i-1].CreatedAt)
		}
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	hub := newFakeHub()
	store := newFakeStore(hub)
	s := mustOpen(t, testConfig(hub, store, Identity{ID: 1, Username: "ana"}))

	s.Close()
	s.Close()

	if got := s.State(); got != StateClosed {
		t.Fatalf("state = %s, want %s", got, StateClosed)
	}
	if err := s.Send(context.Background(), "late"); !errors.Is(err, ErrClosed) {
		t.Fatalf("send after close: %v, want ErrClosed", err)
	}
}

func TestEditByNonAuthorIsRejected(t *testing.T) {
	hub := newFakeHub()
	store := newFakeStore(hub)
	author := mustOpen(t, testConfig(hub, store, Identity{ID: 1, Username: "ana"}))
	other := mustOpen(t, testConfig(hub, store, Identity{ID: 2, Username: "ben"}))

	if err := author.Send(context.Background(), "original"); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, author, "sender echo", func() bool { return len(author.Messages()) == 1 })
	waitFor(t, other, "delivery", func() bool { return len(other.Messages()) == 1 })
	id := other.Messages()[0].ID

	var werr *StoreWriteError
	if err := other.Edit(context.Background(), id, "hijacked"); !errors.As(err, &werr) {
		t.Fatalf("non-author edit: %v, want StoreWriteError", err)
	}

	// Content unchanged and visible to all subscribers.
	for _, s := range []*Session{author, other} {
		if got := s.Messages()[0].Content; got != "original" {
			t.Fatalf("content = %q, want %q", got, "original")
		}
	}

	// The author's own edit goes through and propagates.
	if err := author.Edit(context.Background(), id, "revised"); err != nil {
		t.Fatalf("author edit: %v", err)
	}
	waitFor(t, other, "edit propagation", func() bool {
		return other.Messages()[0].Content == "revised"
	})
}

func TestUnsendRemovesAfterDelay(t *testing.T) {
	hub := newFakeHub()
	store := newFakeStore(hub)
	s1 := mustOpen(t, testConfig(hub, store, Identity{ID: 1, Username: "ana"}))
	s2 := mustOpen(t, testConfig(hub, store, Identity{ID: 2, Username: "ben"}))

	if err := s1.Send(context.Background(), "oops"); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, s1, "echo", func() bool { return len(s1.Messages()) == 1 })
	id := s1.Messages()[0].ID

	if err := s1.Unsend(context.Background(), id); err != nil {
		t.Fatalf("unsend: %v", err)
	}
	waitFor(t, s1, "local removal", func() bool { return !hasMessage(s1, id) })
	waitFor(t, s2, "remote removal", func() bool { return !hasMessage(s2, id) })
}

func TestUnsendRollsBackOnDeleteFailure(t *testing.T) {
	hub := newFakeHub()
	store := newFakeStore(hub)
	s := mustOpen(t, testConfig(hub, store, Identity{ID: 1, Username: "ana"}))

	if err := s.Send(context.Background(), "keep me"); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, s, "echo", func() bool { return len(s.Messages()) == 1 })
	id := s.Messages()[0].ID

	store.mu.Lock()
	store.failDelete = true
	store.mu.Unlock()

	var werr *StoreWriteError
	if err := s.Unsend(context.Background(), id); !errors.As(err, &werr) {
		t.Fatalf("unsend: %v, want StoreWriteError", err)
	}

	// The message must reappear in non-removing state, not stay hidden.
	waitFor(t, s, "rollback", func() bool {
		msgs := s.Messages()
		return len(msgs) == 1 && msgs[0].ID == id && !msgs[0].Removing
	})
}

func TestTypingDecay(t *testing.T) {
	hub := newFakeHub()
	store := newFakeStore(hub)
	s1 := mustOpen(t, testConfig(hub, store, Identity{ID: 1, Username: "ana"}))
	s2 := mustOpen(t, testConfig(hub, store, Identity{ID: 2, Username: "ben"}))

	s1.NotifyTyping(context.Background())

	waitFor(t, s2, "typing on", func() bool { return s2.Typing() })
	waitFor(t, s2, "typing decay", func() bool { return !s2.Typing() })

	// The sender's own signal never flips its local indicator.
	if s1.Typing() {
		t.Fatal("sender saw its own typing signal")
	}
}

func TestPresenceSnapshotSemantics(t *testing.T) {
	hub := newFakeHub()
	store := newFakeStore(hub)
	a := mustOpen(t, testConfig(hub, store, Identity{ID: 1, Username: "ana"}))
	b := mustOpen(t, testConfig(hub, store, Identity{ID: 2, Username: "ben"}))

	seen := func(s *Session, userID int) bool {
		for _, e := range s.Presence() {
			if e.UserID == userID {
				return true
			}
		}
		return false
	}

	waitFor(t, a, "both present", func() bool { return seen(a, 1) && seen(a, 2) })
	waitFor(t, b, "both present", func() bool { return seen(b, 1) && seen(b, 2) })

	b.Close()
	waitFor(t, a, "b gone", func() bool { return seen(a, 1) && !seen(a, 2) })
}

func TestOpenFailsWithSubscriptionError(t *testing.T) {
	hub := newFakeHub()
	hub.failSub = errors.New("transport down")
	store := newFakeStore(hub)

	s, err := Open(context.Background(), testConfig(hub, store, Identity{ID: 1}))
	var serr *SubscriptionError
	if !errors.As(err, &serr) {
		t.Fatalf("open: %v, want SubscriptionError", err)
	}
	if s != nil {
		t.Fatal("open returned a session despite subscription failure")
	}
}

func TestHistoryFailureLeavesChannelLive(t *testing.T) {
	hub := newFakeHub()
	store := newFakeStore(hub)
	store.failSelect = true

	s, err := Open(context.Background(), testConfig(hub, store, Identity{ID: 1, Username: "ana"}))
	var herr *HistoryLoadError
	if !errors.As(err, &herr) {
		t.Fatalf("open: %v, want HistoryLoadError", err)
	}
	if s == nil {
		t.Fatal("open returned no session on history failure")
	}
	t.Cleanup(s.Close)

	if got := s.State(); got != StateActive {
		t.Fatalf("state = %s, want %s", got, StateActive)
	}
	if len(s.Messages()) != 0 {
		t.Fatal("message list should be empty after a failed history load")
	}

	// Presence still works on the subscribed channel.
	other := mustOpen(t, testConfig(hub, store, Identity{ID: 2, Username: "ben"}))
	_ = other
	waitFor(t, s, "presence alive", func() bool { return len(s.Presence()) == 2 })

	// An independent retry fills the list once the store recovers.
	store.mu.Lock()
	store.failSelect = false
	store.rows["m1"] = ChatMessage{ID: "m1", ChannelKey: "org/repo", AuthorID: 2, Content: "hello", CreatedAt: time.Now().UTC()}
	store.mu.Unlock()

	if err := s.LoadHistory(context.Background()); err != nil {
		t.Fatalf("retry load history: %v", err)
	}
	if !hasMessage(s, "m1") {
		t.Fatal("retried history load did not populate the list")
	}
}

func TestDistinctSendsAllSurviveRoundTrip(t *testing.T) {
	hub := newFakeHub()
	store := newFakeStore(hub)

	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	cfg := testConfig(hub, store, Identity{ID: 1, Username: "ana"})
	cfg.Clock = func() time.Time {
		clock = clock.Add(time.Millisecond)
		return clock
	}
	s := mustOpen(t, cfg)

	const n = 10
	for i := 0; i < n; i++ {
		if err := s.Send(context.Background(), fmt.Sprintf("msg %d", i)); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	waitFor(t, s, "all echoes", func() bool { return len(s.Messages()) == n })

	// A fresh session's one-shot history load sees the same ascending order.
	fresh := mustOpen(t, testConfig(hub, store, Identity{ID: 2, Username: "ben"}))
	msgs := fresh.Messages()
	if len(msgs) != n {
		t.Fatalf("history returned %d messages, want %d", len(msgs), n)
	}
	for i := 1; i < n; i++ {
		if msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt) {
			t.Fatalf("history out of order at %d", i)
		}
	}
	ids := make(map[string]bool, n)
	for _, m := range msgs {
		ids[m.ID] = true
	}
	if len(ids) != n {
		t.Fatalf("expected %d distinct ids, got %d", n, len(ids))
	}
}
