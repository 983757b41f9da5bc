// Package redis implements queue.Store on Redis. Each primitive is one Lua
// script, so Redis' single-threaded script execution provides the
// atomicity FindOneAndUpdate needs.
//
// Layout, per queue (the braces keep every key in one cluster slot):
//
//	leaseq:{<queue>}:seq       INCR counter for message ids
//	leaseq:{<queue>}:ids       ZSET of ids scored by id (insertion order)
//	leaseq:{<queue>}:acks      HASH ack -> id for the current lease holder
//	leaseq:{<queue>}:msg:<id>  HASH payload, visible_at, ack, done, tries, created_at, updated_at
//
// Timestamps are unix milliseconds. Stored visible_at values are rounded up
// and filter bounds down, so a lease never ends early.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aridsondez/leaseq/internal/queue"
	"github.com/aridsondez/leaseq/internal/queue/store"
)

var _ queue.Store = (*RedisStore)(nil)

// filterLua defines match(id), evaluating the filter passed in ARGV[2..6]:
// ack, has_ack, done, visible_at_or_before, visible_after. Empty strings do
// not constrain. ARGV[1] is the key prefix.
const filterLua = `
local prefix = ARGV[1]
local function match(id)
  local h = redis.call('HMGET', prefix .. 'msg:' .. id, 'ack', 'done', 'visible_at')
  local ack = h[1] or ''
  local vis = tonumber(h[3])
  if ARGV[2] ~= '' and ack ~= ARGV[2] then return false end
  if ARGV[3] == '1' and ack == '' then return false end
  if ARGV[4] ~= '' and h[2] ~= ARGV[4] then return false end
  if ARGV[5] ~= '' and vis > tonumber(ARGV[5]) then return false end
  if ARGV[6] ~= '' and vis <= tonumber(ARGV[6]) then return false end
  return true
end
local function candidates()
  if ARGV[2] ~= '' then
    local id = redis.call('HGET', KEYS[2], ARGV[2])
    if id then return {id} end
    return {}
  end
  return redis.call('ZRANGE', KEYS[1], 0, -1)
end
`

// KEYS: seq, ids. ARGV: prefix, now, then payload/visible_at pairs.
var insertScript = redis.NewScript(`
local prefix = ARGV[1]
local now = ARGV[2]
local ids = {}
for i = 3, #ARGV, 2 do
  local id = redis.call('INCR', KEYS[1])
  redis.call('HSET', prefix .. 'msg:' .. id,
    'payload', ARGV[i], 'visible_at', ARGV[i + 1], 'done', '0', 'tries', '0',
    'created_at', now, 'updated_at', now)
  redis.call('ZADD', KEYS[2], id, id)
  ids[#ids + 1] = tostring(id)
end
return ids
`)

// KEYS: ids, acks. ARGV[7..11]: inc_tries, ack, visible_at, mark_done, now.
var findAndUpdateScript = redis.NewScript(filterLua + `
for _, id in ipairs(candidates()) do
  if match(id) then
    local key = prefix .. 'msg:' .. id
    if ARGV[7] == '1' then redis.call('HINCRBY', key, 'tries', 1) end
    if ARGV[8] ~= '' then
      local old = redis.call('HGET', key, 'ack')
      if old then redis.call('HDEL', KEYS[2], old) end
      redis.call('HSET', key, 'ack', ARGV[8])
      redis.call('HSET', KEYS[2], ARGV[8], id)
    end
    if ARGV[9] ~= '' then redis.call('HSET', key, 'visible_at', ARGV[9]) end
    if ARGV[10] == '1' then redis.call('HSET', key, 'done', '1') end
    redis.call('HSET', key, 'updated_at', ARGV[11])
    local r = redis.call('HMGET', key, 'payload', 'visible_at', 'ack', 'done', 'tries', 'created_at', 'updated_at')
    return {tostring(id), r[1], r[2], r[3] or '', r[4], r[5], r[6], r[7]}
  end
end
return nil
`)

// KEYS: ids, acks.
var deleteScript = redis.NewScript(filterLua + `
local n = 0
for _, id in ipairs(candidates()) do
  if match(id) then
    local key = prefix .. 'msg:' .. id
    local ack = redis.call('HGET', key, 'ack')
    if ack then redis.call('HDEL', KEYS[2], ack) end
    redis.call('DEL', key)
    redis.call('ZREM', KEYS[1], id)
    n = n + 1
  end
end
return n
`)

// KEYS: ids, acks.
var countScript = redis.NewScript(filterLua + `
local n = 0
for _, id in ipairs(candidates()) do
  if match(id) then n = n + 1 end
end
return n
`)

// RedisStore keeps one queue's messages under its own key prefix. Filters
// other than an exact ack scan the queue, so it suits queues whose backlog
// stays modest.
type RedisStore struct {
	rdb    redis.UniversalClient
	queue  string
	prefix string
	now    func() time.Time
}

func New(rdb redis.UniversalClient, queueName string) *RedisStore {
	return &RedisStore{
		rdb:    rdb,
		queue:  queueName,
		prefix: "leaseq:{" + queueName + "}:",
		now:    time.Now,
	}
}

func (s *RedisStore) keys() []string {
	return []string{s.prefix + "ids", s.prefix + "acks"}
}

func (s *RedisStore) InsertMany(ctx context.Context, records []queue.Record) ([]string, error) {
	args := make([]any, 0, 2+2*len(records))
	args = append(args, s.prefix, s.now().UnixMilli())
	for _, r := range records {
		args = append(args, string(r.Payload), ceilMillis(r.VisibleAt))
	}

	ids, err := insertScript.Run(ctx, s.rdb, []string{s.prefix + "seq", s.prefix + "ids"}, args...).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("insert messages: %w", err)
	}
	return ids, nil
}

func (s *RedisStore) FindOneAndUpdate(ctx context.Context, f queue.Filter, _ queue.Sort, u queue.Update) (*queue.Message, error) {
	args := s.filterArgs(f)
	args = append(args,
		flag(u.IncTries),
		u.Ack,
		ceilMillis(u.VisibleAt),
		flag(u.MarkDone),
		s.now().UnixMilli(),
	)

	vals, err := findAndUpdateScript.Run(ctx, s.rdb, s.keys(), args...).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find and update: %w", err)
	}
	m, err := parseMessage(vals)
	if err != nil {
		return nil, fmt.Errorf("find and update: %w", err)
	}
	return m, nil
}

func (s *RedisStore) DeleteMany(ctx context.Context, f queue.Filter) (int64, error) {
	n, err := deleteScript.Run(ctx, s.rdb, s.keys(), s.filterArgs(f)...).Int64()
	if err != nil {
		return 0, fmt.Errorf("delete messages: %w", err)
	}
	return n, nil
}

func (s *RedisStore) Count(ctx context.Context, f queue.Filter) (int64, error) {
	n, err := countScript.Run(ctx, s.rdb, s.keys(), s.filterArgs(f)...).Int64()
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// filterArgs encodes f in the ARGV layout filterLua expects.
func (s *RedisStore) filterArgs(f queue.Filter) []any {
	done := ""
	if f.Done != nil {
		done = flag(*f.Done)
	}
	return []any{
		s.prefix,
		f.Ack,
		flag(f.HasAck),
		done,
		millis(f.VisibleAtOrBefore),
		millis(f.VisibleAfter),
	}
}

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// millis renders t as unix milliseconds rounded down, or "" for the zero
// time. Filter bounds use it.
func millis(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}

// ceilMillis renders a stored visible_at rounded up to the next millisecond,
// so that stored <= millis(now) only once now has really reached it.
func ceilMillis(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return strconv.FormatInt(store.CeilTime(t, time.Millisecond).UnixMilli(), 10)
}

// parseMessage decodes the reply of findAndUpdateScript:
// id, payload, visible_at, ack, done, tries, created_at, updated_at.
func parseMessage(vals []string) (*queue.Message, error) {
	if len(vals) != 8 {
		return nil, fmt.Errorf("unexpected reply length %d", len(vals))
	}
	var nums [4]int64
	for i, idx := range []int{2, 5, 6, 7} {
		n, err := strconv.ParseInt(vals[idx], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse field %d: %w", idx, err)
		}
		nums[i] = n
	}
	return &queue.Message{
		ID:        vals[0],
		Payload:   []byte(vals[1]),
		VisibleAt: time.UnixMilli(nums[0]),
		Ack:       vals[3],
		Done:      vals[4] == "1",
		Tries:     int(nums[1]),
		CreatedAt: time.UnixMilli(nums[2]),
		UpdatedAt: time.UnixMilli(nums[3]),
	}, nil
}
