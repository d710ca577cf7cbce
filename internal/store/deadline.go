package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

type deadlineStore struct {
	kv *Stores
}

// removeIfDue removes a deadline member only if its score is still <= now.
// A handler that re-armed the entry (e.g. idle refresh) keeps the new fire-at.
var removeIfDue = redis.NewScript(`
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if score and tonumber(score) <= tonumber(ARGV[2]) then
  redis.call('ZREM', KEYS[1], ARGV[1])
  return 1
end
return 0
`)

func (s *deadlineStore) indexKey() string {
	return s.kv.key("deadlines")
}

func member(kind DeadlineKind, entityID int64) string {
	return string(kind) + ":" + strconv.FormatInt(entityID, 10)
}

func parseMember(m string) (DeadlineKind, int64, error) {
	idx := strings.LastIndexByte(m, ':')
	if idx <= 0 {
		return "", 0, fmt.Errorf("malformed deadline member %q", m)
	}
	id, err := strconv.ParseInt(m[idx+1:], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("malformed deadline member %q: %w", m, err)
	}
	return DeadlineKind(m[:idx]), id, nil
}

func (s *deadlineStore) Arm(ctx context.Context, kind DeadlineKind, entityID int64, fireAt time.Time) error {
	err := s.kv.client.ZAdd(ctx, s.indexKey(), redis.Z{
		Score:  float64(fireAt.UnixMilli()),
		Member: member(kind, entityID),
	}).Err()
	if err != nil {
		return fmt.Errorf("arming %s deadline: %w", kind, err)
	}
	return nil
}

func (s *deadlineStore) Cancel(ctx context.Context, kind DeadlineKind, entityID int64) error {
	if err := s.kv.client.ZRem(ctx, s.indexKey(), member(kind, entityID)).Err(); err != nil {
		return fmt.Errorf("cancelling %s deadline: %w", kind, err)
	}
	return nil
}

func (s *deadlineStore) Due(ctx context.Context, now time.Time, limit int64) ([]Deadline, error) {
	entries, err := s.kv.client.ZRangeByScoreWithScores(ctx, s.indexKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("scanning due deadlines: %w", err)
	}

	deadlines := make([]Deadline, 0, len(entries))
	for _, entry := range entries {
		m, ok := entry.Member.(string)
		if !ok {
			continue
		}
		kind, id, err := parseMember(m)
		if err != nil {
			// A malformed member would otherwise wedge the sweep forever.
			_ = s.kv.client.ZRem(ctx, s.indexKey(), m).Err()
			continue
		}
		deadlines = append(deadlines, Deadline{
			Kind:     kind,
			EntityID: id,
			FireAt:   time.UnixMilli(int64(entry.Score)),
		})
	}
	return deadlines, nil
}

func (s *deadlineStore) CompleteIfDue(ctx context.Context, kind DeadlineKind, entityID int64, now time.Time) (bool, error) {
	n, err := removeIfDue.Run(ctx, s.kv.client,
		[]string{s.indexKey()},
		member(kind, entityID),
		strconv.FormatInt(now.UnixMilli(), 10),
	).Int()
	if err != nil {
		return false, fmt.Errorf("completing %s deadline: %w", kind, err)
	}
	return n == 1, nil
}
