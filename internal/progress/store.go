package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"promptstash/internal/models"
	"promptstash/internal/redis"
)

const (
	// DefaultTTL bounds how long a snapshot outlives its last write.
	DefaultTTL = time.Hour

	keyPrefix     = "import:progress:"
	channelPrefix = "import:progress:events:"
)

// Store holds the latest progress snapshot per session in redis. Every write
// is a full overwrite with a TTL refresh, plus a publish on the session's
// notification channel for consumers able to subscribe. Polling Read is the
// default consumption mode.
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

func NewStore(client *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{client: client, ttl: ttl}
}

func snapshotKey(sessionID string) string {
	return keyPrefix + sessionID
}

func channelName(sessionID string) string {
	return channelPrefix + sessionID
}

// Write overwrites the session's snapshot and refreshes its TTL. Safe to
// repeat: duplicate deliveries converge on the last write.
func (s *Store) Write(ctx context.Context, snapshot models.ProgressSnapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := s.client.Set(ctx, snapshotKey(snapshot.SessionID), data, s.ttl); err != nil {
		return fmt.Errorf("store snapshot: %w", err)
	}
	// Notification side-channel; a failed publish only degrades push
	// consumers to the polling path.
	if err := s.client.Publish(ctx, channelName(snapshot.SessionID), data); err != nil {
		log.Printf("progress publish for session %s failed: %v", snapshot.SessionID, err)
	}
	return nil
}

// Read returns the latest snapshot, or (nil, nil) when none is stored.
func (s *Store) Read(ctx context.Context, sessionID string) (*models.ProgressSnapshot, error) {
	raw, err := s.client.Get(ctx, snapshotKey(sessionID))
	if err == redis.ErrCacheMiss {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	var snapshot models.ProgressSnapshot
	if err := json.Unmarshal([]byte(raw), &snapshot); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snapshot, nil
}

// Clear drops the session's snapshot.
func (s *Store) Clear(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, snapshotKey(sessionID)); err != nil && err != redis.ErrCacheMiss {
		return fmt.Errorf("clear snapshot: %w", err)
	}
	return nil
}

// Subscribe delivers published snapshots for one session to handler until ctx
// is cancelled. Consumers without a persistent runtime should poll Read
// instead.
func (s *Store) Subscribe(ctx context.Context, sessionID string, handler func(models.ProgressSnapshot)) {
	raw := s.client.Raw()
	if raw == nil || handler == nil {
		return
	}
	go func() {
		pubsub := raw.Subscribe(ctx, channelName(sessionID))
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var snapshot models.ProgressSnapshot
				if err := json.Unmarshal([]byte(msg.Payload), &snapshot); err != nil {
					log.Printf("progress event decode failed: %v", err)
					continue
				}
				handler(snapshot)
			}
		}
	}()
}
