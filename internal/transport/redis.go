// Package transport implements the room realtime channel on Redis: pub/sub
// topics per room for row changes and typing broadcasts, and TTL'd
// per-subscriber keys for the presence registry. Subscribers that disconnect
// without a clean close simply stop heartbeating and expire.
package transport

import (
	"context"
	"encoding/json"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/techSaswata/StackLane/internal/room"
)

const (
	presenceTTL       = 30 * time.Second
	heartbeatInterval = 10 * time.Second
	opTimeout         = 5 * time.Second

	// syncPing is the presence-topic payload that tells subscribers to
	// rebuild their snapshot. The registry itself lives in keys, not in the
	// ping.
	syncPing = "sync"
)

func changesTopic(channelKey string) string  { return "room:" + channelKey + ":changes" }
func typingTopic(channelKey string) string   { return "room:" + channelKey + ":typing" }
func presenceTopic(channelKey string) string { return "room:" + channelKey + ":presence" }

func presenceKey(channelKey, sessionID string) string {
	return "room:" + channelKey + ":presence:" + sessionID
}

func presencePattern(channelKey string) string {
	return "room:" + channelKey + ":presence:*"
}

// Redis implements room.Transport.
type Redis struct {
	client *redis.Client
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

// Subscribe opens one pub/sub subscription covering the room's three topics
// and blocks until Redis confirms it, so a session that comes back from here
// is guaranteed to see every change emitted afterwards.
func (t *Redis) Subscribe(ctx context.Context, channelKey string) (room.Subscription, error) {
	pubsub := t.client.Subscribe(ctx,
		changesTopic(channelKey),
		typingTopic(channelKey),
		presenceTopic(channelKey),
	)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, err
	}

	sub := &subscription{
		client:     t.client,
		pubsub:     pubsub,
		channelKey: channelKey,
		sessionID:  uuid.NewString(),
		presenceCh: make(chan []room.PresenceEntry, 8),
		typingCh:   make(chan room.TypingSignal, 8),
		changesCh:  make(chan room.RowChange, 32),
		done:       make(chan struct{}),
	}
	go sub.dispatch()
	return sub, nil
}

type subscription struct {
	client     *redis.Client
	pubsub     *redis.PubSub
	channelKey string
	sessionID  string // one per subscription: two tabs of the same user are two entries

	presenceCh chan []room.PresenceEntry
	typingCh   chan room.TypingSignal
	changesCh  chan room.RowChange

	mu      sync.Mutex
	tracked *room.PresenceEntry

	heartbeatOnce sync.Once
	closeOnce     sync.Once
	done          chan struct{}
}

func (s *subscription) PresenceSync() <-chan []room.PresenceEntry { return s.presenceCh }
func (s *subscription) Broadcasts() <-chan room.TypingSignal      { return s.typingCh }
func (s *subscription) Changes() <-chan room.RowChange            { return s.changesCh }

func (s *subscription) Track(ctx context.Context, entry room.PresenceEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, presenceKey(s.channelKey, s.sessionID), payload, presenceTTL).Err(); err != nil {
		return err
	}
	s.mu.Lock()
	e := entry
	s.tracked = &e
	s.mu.Unlock()
	s.heartbeatOnce.Do(func() { go s.heartbeat() })
	return s.client.Publish(ctx, presenceTopic(s.channelKey), syncPing).Err()
}

func (s *subscription) SendBroadcast(ctx context.Context, sig room.TypingSignal) error {
	payload, err := json.Marshal(sig)
	if err != nil {
		return err
	}
	return s.client.Publish(ctx, typingTopic(s.channelKey), payload).Err()
}

// Close untracks presence, tells peers to resync, and releases the pub/sub
// subscription. Safe to call more than once.
func (s *subscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		if delErr := s.client.Del(ctx, presenceKey(s.channelKey, s.sessionID)).Err(); delErr != nil {
			log.Printf("transport: presence untrack failed on %s: %v", s.channelKey, delErr)
		}
		if pubErr := s.client.Publish(ctx, presenceTopic(s.channelKey), syncPing).Err(); pubErr != nil {
			log.Printf("transport: presence sync publish failed on %s: %v", s.channelKey, pubErr)
		}
		cancel()
		err = s.pubsub.Close()
	})
	return err
}

func (s *subscription) dispatch() {
	msgs := s.pubsub.Channel()
	// The periodic tick rebuilds the snapshot even without a sync ping, which
	// is how entries of crashed subscribers drop out after their TTL.
	refresh := time.NewTicker(presenceTTL)
	defer refresh.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-refresh.C:
			s.pushPresenceSnapshot()
		case m, ok := <-msgs:
			if !ok {
				return
			}
			switch m.Channel {
			case changesTopic(s.channelKey):
				var change room.RowChange
				if err := json.Unmarshal([]byte(m.Payload), &change); err != nil {
					log.Printf("transport: bad row change on %s: %v", s.channelKey, err)
					continue
				}
				select {
				case s.changesCh <- change:
				case <-s.done:
					return
				}
			case typingTopic(s.channelKey):
				var sig room.TypingSignal
				if err := json.Unmarshal([]byte(m.Payload), &sig); err != nil {
					log.Printf("transport: bad typing signal on %s: %v", s.channelKey, err)
					continue
				}
				select {
				case s.typingCh <- sig:
				case <-s.done:
					return
				}
			case presenceTopic(s.channelKey):
				s.pushPresenceSnapshot()
			}
		}
	}
}

func (s *subscription) heartbeat() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.Lock()
			tracked := s.tracked
			s.mu.Unlock()
			if tracked == nil {
				continue
			}
			entry := *tracked
			entry.LastSeen = time.Now().UTC()
			payload, err := json.Marshal(entry)
			if err != nil {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
			if err := s.client.Set(ctx, presenceKey(s.channelKey, s.sessionID), payload, presenceTTL).Err(); err != nil {
				log.Printf("transport: presence heartbeat failed on %s: %v", s.channelKey, err)
			}
			cancel()
		}
	}
}

// pushPresenceSnapshot reads the registry and hands the session a full
// replacement set. Snapshots supersede each other, so if the session is
// mid-read we drop the stale one instead of queueing behind it.
func (s *subscription) pushPresenceSnapshot() {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	entries, err := s.snapshot(ctx)
	if err != nil {
		log.Printf("transport: presence snapshot failed on %s: %v", s.channelKey, err)
		return
	}
	select {
	case s.presenceCh <- entries:
	default:
		select {
		case <-s.presenceCh:
		default:
		}
		select {
		case s.presenceCh <- entries:
		default:
		}
	}
}

func (s *subscription) snapshot(ctx context.Context) ([]room.PresenceEntry, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, presencePattern(s.channelKey), 64).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	entries := make([]room.PresenceEntry, 0, len(keys))
	if len(keys) == 0 {
		return entries, nil
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	for _, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue // expired between SCAN and MGET
		}
		var e room.PresenceEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].UserID < entries[j].UserID })
	return entries, nil
}
