package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Job states recorded while a request moves through the pipeline
const (
	StateReceived     = "received"
	StateSynthesizing = "synthesizing"
	StateStoring      = "storing"
	StatePublishing   = "publishing"
	StateAcked        = "acked"
	StateFailed       = "failed"
	StateRequeued     = "requeued"
)

const pruneInterval = time.Minute

// JobStatus is the last known state of a job
type JobStatus struct {
	State     string    `json:"state"`
	Link      string    `json:"link,omitempty"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// StatusStore records job state per chat/message pair
type StatusStore interface {
	SetStatus(ctx context.Context, jobKey string, status JobStatus) error
	GetStatus(ctx context.Context, jobKey string) (JobStatus, bool, error)
}

// JobKey builds the status key for a chat/message pair
func JobKey(chatID, messageID int64) string {
	return strconv.FormatInt(chatID, 10) + ":" + strconv.FormatInt(messageID, 10)
}

// InMemoryStatusStore is a simple in-memory StatusStore. Entries expire ttl
// after their last update.
type InMemoryStatusStore struct {
	results   map[string]statusItem
	mutex     sync.RWMutex
	ttl       time.Duration
	lastPrune time.Time
}

type statusItem struct {
	status    JobStatus
	expiresAt time.Time
}

// RedisStatusStore is a Redis-backed StatusStore
type RedisStatusStore struct {
	client  *redis.Client
	ttl     time.Duration
	keyBase string
}

// NewInMemoryStatusStore creates a new in-memory status store keeping entries for ttl
func NewInMemoryStatusStore(ttl time.Duration) *InMemoryStatusStore {
	return &InMemoryStatusStore{
		results: make(map[string]statusItem),
		ttl:     ttl,
	}
}

// NewRedisStatusStore creates a status store writing hashes under keyBase
func NewRedisStatusStore(client *redis.Client, ttl time.Duration, keyBase string) *RedisStatusStore {
	return &RedisStatusStore{
		client:  client,
		ttl:     ttl,
		keyBase: keyBase,
	}
}

// SetStatus stores status, keeping the link only for acked jobs and the error only for failed ones
func (s *InMemoryStatusStore) SetStatus(ctx context.Context, jobKey string, status JobStatus) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	now := time.Now()
	s.prune(now)
	s.results[jobKey] = statusItem{status: normalize(status), expiresAt: now.Add(s.ttl)}
	return nil
}

// prune drops expired entries, at most once per ttl or pruneInterval, whichever is shorter
func (s *InMemoryStatusStore) prune(now time.Time) {
	if now.Sub(s.lastPrune) < min(s.ttl, pruneInterval) {
		return
	}
	s.lastPrune = now
	for key, item := range s.results {
		if now.After(item.expiresAt) {
			delete(s.results, key)
		}
	}
}

// GetStatus retrieves a status from the in-memory store
func (s *InMemoryStatusStore) GetStatus(ctx context.Context, jobKey string) (JobStatus, bool, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	item, ok := s.results[jobKey]
	if !ok || time.Now().After(item.expiresAt) {
		return JobStatus{}, false, nil
	}
	return item.status, true, nil
}

// Size returns the number of entries held, expired or not
func (s *InMemoryStatusStore) Size() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.results)
}

// SetStatus writes status as a Redis hash
func (s *RedisStatusStore) SetStatus(ctx context.Context, jobKey string, status JobStatus) error {
	status = normalize(status)
	fullKey := s.keyBase + ":" + jobKey

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, fullKey,
		"state", status.State,
		"updated_at", status.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if status.Link != "" {
		pipe.HSet(ctx, fullKey, "link", status.Link)
	} else {
		pipe.HDel(ctx, fullKey, "link")
	}
	if status.Error != "" {
		pipe.HSet(ctx, fullKey, "error", status.Error)
	} else {
		pipe.HDel(ctx, fullKey, "error")
	}
	pipe.Expire(ctx, fullKey, s.ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set status for job %s: %w", jobKey, err)
	}
	return nil
}

// GetStatus reads the status hash for jobKey
func (s *RedisStatusStore) GetStatus(ctx context.Context, jobKey string) (JobStatus, bool, error) {
	fields, err := s.client.HGetAll(ctx, s.keyBase+":"+jobKey).Result()
	if errors.Is(err, redis.Nil) {
		return JobStatus{}, false, nil
	}
	if err != nil {
		return JobStatus{}, false, err
	}
	if len(fields) == 0 {
		return JobStatus{}, false, nil
	}

	status := JobStatus{
		State: fields["state"],
		Link:  fields["link"],
		Error: fields["error"],
	}
	if ts, err := time.Parse(time.RFC3339Nano, fields["updated_at"]); err == nil {
		status.UpdatedAt = ts
	}
	return status, true, nil
}

func normalize(status JobStatus) JobStatus {
	if status.UpdatedAt.IsZero() {
		status.UpdatedAt = time.Now()
	}
	if status.State != StateAcked {
		status.Link = ""
	}
	if status.State != StateFailed && status.State != StateRequeued {
		status.Error = ""
	}
	return status
}
