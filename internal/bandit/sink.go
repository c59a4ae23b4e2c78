package bandit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/clipscommerce/improvement/internal/wal"
)

// RewardEvent is the state of an arm right after a reward update.
type RewardEvent struct {
	ArmID     string    `json:"arm_id"`
	Reward    float64   `json:"reward"`
	Estimate  float64   `json:"estimate"`
	Count     int64     `json:"count"`
	Timestamp time.Time `json:"ts"`
}

// RewardSink durably records the reward signal. It is invoked on every
// update.
type RewardSink interface {
	RecordReward(ctx context.Context, ev RewardEvent) error
}

// NopSink drops every event.
type NopSink struct{}

func (NopSink) RecordReward(context.Context, RewardEvent) error { return nil }

// SinkFunc adapts a function to RewardSink.
type SinkFunc func(ctx context.Context, ev RewardEvent) error

func (f SinkFunc) RecordReward(ctx context.Context, ev RewardEvent) error { return f(ctx, ev) }

const journalPrefix = "rewards"

// JournalSink appends reward events to a local write-ahead journal.
type JournalSink struct {
	journal *wal.Journal
}

// NewJournalSink opens (or creates) the reward journal in dir. A new segment
// is started on the first reward of each day.
func NewJournalSink(dir string) (*JournalSink, error) {
	return newJournalSink(dir, time.Now)
}

func newJournalSink(dir string, now func() time.Time) (*JournalSink, error) {
	j, err := wal.OpenWithClock(dir, journalPrefix, now)
	if err != nil {
		return nil, err
	}
	return &JournalSink{journal: j}, nil
}

func (s *JournalSink) RecordReward(_ context.Context, ev RewardEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal reward event: %w", err)
	}
	if s.journal.Stale() {
		if _, err := s.journal.Rotate(); err != nil {
			return fmt.Errorf("failed to rotate reward journal: %w", err)
		}
	}
	return s.journal.Append(body)
}

func (s *JournalSink) Close() error {
	return s.journal.Close()
}

// LoadJournal replays every reward journal in dir in write order. Records
// that fail to decode are skipped.
func LoadJournal(dir string) ([]RewardEvent, error) {
	entries, err := wal.ReplayDir(dir, journalPrefix)
	if err != nil {
		return nil, err
	}

	events := make([]RewardEvent, 0, len(entries))
	for _, e := range entries {
		var ev RewardEvent
		if err := json.Unmarshal(e.Body, &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// RedisRewardSink keeps one hash per arm under <prefix>:arm:<id> holding the
// latest estimate and count, plus a running reward total.
type RedisRewardSink struct {
	client *redis.Client
	prefix string
}

// NewRedisRewardSink connects to Redis and verifies the connection.
//
// Args:
//   - addr: Redis address (e.g., "localhost:6379")
//   - prefix: key namespace, defaults to "bandit"
func NewRedisRewardSink(addr, prefix string) (*RedisRewardSink, error) {
	if prefix == "" {
		prefix = "bandit"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &RedisRewardSink{client: client, prefix: prefix}, nil
}

func (s *RedisRewardSink) key(armID string) string {
	return fmt.Sprintf("%s:arm:%s", s.prefix, armID)
}

func (s *RedisRewardSink) RecordReward(ctx context.Context, ev RewardEvent) error {
	key := s.key(ev.ArmID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"estimate", ev.Estimate,
			"count", ev.Count,
			"updated_at", ev.Timestamp.UTC().Format(time.RFC3339Nano),
		)
		pipe.HIncrByFloat(ctx, key, "total_reward", ev.Reward)
		pipe.SAdd(ctx, s.prefix+":arms", ev.ArmID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis reward update failed: %w", err)
	}
	return nil
}

// Load reads the latest state of every arm written by this sink.
func (s *RedisRewardSink) Load(ctx context.Context) ([]RewardEvent, error) {
	ids, err := s.client.SMembers(ctx, s.prefix+":arms").Result()
	if err != nil {
		return nil, fmt.Errorf("redis SMEMBERS failed: %w", err)
	}

	events := make([]RewardEvent, 0, len(ids))
	for _, id := range ids {
		fields, err := s.client.HGetAll(ctx, s.key(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("redis HGETALL failed: %w", err)
		}
		estimate, err := strconv.ParseFloat(fields["estimate"], 64)
		if err != nil {
			continue
		}
		count, err := strconv.ParseInt(fields["count"], 10, 64)
		if err != nil {
			continue
		}
		ts, _ := time.Parse(time.RFC3339Nano, fields["updated_at"])
		events = append(events, RewardEvent{ArmID: id, Estimate: estimate, Count: count, Timestamp: ts})
	}
	return events, nil
}

func (s *RedisRewardSink) Close() error {
	return s.client.Close()
}
