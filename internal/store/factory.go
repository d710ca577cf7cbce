package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Stores provides typed repositories over the shared key-value store.
// All live escalation state (alerts, sessions, follow-ups, cooldowns,
// deadlines) lives here; process memory is never the durability source.
type Stores struct {
	client *redis.Client
	prefix string
}

func New(client *redis.Client, prefix string) *Stores {
	if prefix == "" {
		prefix = "ash"
	}
	return &Stores{client: client, prefix: prefix}
}

func (s *Stores) Alerts() AlertStore {
	return &alertStore{kv: s}
}

func (s *Stores) Sessions() SessionStore {
	return &sessionStore{kv: s}
}

func (s *Stores) Followups() FollowupStore {
	return &followupStore{kv: s}
}

func (s *Stores) Cooldowns() CooldownStore {
	return &cooldownStore{kv: s}
}

func (s *Stores) Preferences() PreferenceStore {
	return &preferenceStore{kv: s}
}

func (s *Stores) Deadlines() DeadlineStore {
	return &deadlineStore{kv: s}
}

func (s *Stores) History() HistoryStore {
	return &historyStore{kv: s}
}

func (s *Stores) key(parts ...string) string {
	k := s.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

// casStatus compares-and-sets a plain status key. Returns 1 on success.
var casStatus = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur == ARGV[1] then
  redis.call('SET', KEYS[1], ARGV[2])
  return 1
end
return 0
`)

// releaseIf deletes a pointer key only if it still holds the expected value.
var releaseIf = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

func (s *Stores) setJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func isNil(err error) bool {
	return errors.Is(err, redis.Nil)
}

func (s *Stores) getJSON(ctx context.Context, key string, v any) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if isNil(err) {
			return ErrNotFound
		}
		return fmt.Errorf("get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return nil
}
