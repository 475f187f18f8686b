package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cadsync/cadsync/core/infra/redisutil"
)

const (
	defaultRedisURL = "redis://localhost:6379"

	recKeyPrefix     = "session:rec:"
	reqKeyPrefix     = "session:req:"
	fileIdxPrefix    = "session:idx:file:"
	acctIdxPrefix    = "session:idx:acct:"
	reqIdxPrefix     = "session:idx:req:"
	editMarkerPrefix = "session:editmark:"

	// indexes are advisory and pruned lazily; keep them around long enough
	// to outlive any record TTL.
	indexTTL = 7 * 24 * time.Hour

	acctMemberSep = "|"
)

// RedisStore implements Store backed by Redis. Conditional updates go through
// Lua scripts comparing the embedded record revision.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore constructs a Redis-backed session store from a redis:// URL.
func NewRedisStore(url string) (*RedisStore, error) {
	if url == "" {
		url = defaultRedisURL
	}
	client, err := redisutil.NewClient(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// Close shuts down the Redis client.
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *RedisStore) Create(ctx context.Context, sess *Session, ttl time.Duration) error {
	if sess == nil || sess.FileID == "" || sess.Token == "" {
		return errors.New("file id and token required")
	}
	sess.Rev = 1
	payload, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	ok, err := s.client.SetNX(ctx, recKey(sess.FileID, sess.Token), payload, ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrExists
	}

	now := float64(time.Now().Unix())
	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, fileIdxKey(sess.FileID), redis.Z{Score: now, Member: sess.Token})
	pipe.PExpire(ctx, fileIdxKey(sess.FileID), indexTTL)
	if sess.AccountID != "" {
		pipe.ZAdd(ctx, acctIdxKey(sess.AccountID), redis.Z{Score: now, Member: acctMember(sess.FileID, sess.Token)})
		pipe.PExpire(ctx, acctIdxKey(sess.AccountID), indexTTL)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Get(ctx context.Context, fileID, token string) (*Session, error) {
	payload, err := s.client.Get(ctx, recKey(fileID, token)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var sess Session
	if err := json.Unmarshal(payload, &sess); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &sess, nil
}

func (s *RedisStore) GetByClient(ctx context.Context, fileID, clientSessionID string) (*Session, error) {
	if clientSessionID == "" {
		return nil, ErrNotFound
	}
	list, err := s.List(ctx, fileID)
	if err != nil {
		return nil, err
	}
	for _, sess := range list {
		if sess.ClientSessionID == clientSessionID {
			return sess, nil
		}
	}
	return nil, ErrNotFound
}

const updateScript = `
local cur = redis.call("GET", KEYS[1])
if not cur then
  return "missing"
end
local rec = cjson.decode(cur)
if tonumber(rec["rev"]) ~= tonumber(ARGV[2]) then
  return "conflict"
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[3])
return "ok"
`

func (s *RedisStore) Update(ctx context.Context, sess *Session, ttl time.Duration) error {
	if sess == nil || sess.FileID == "" || sess.Token == "" {
		return errors.New("file id and token required")
	}
	prevRev := sess.Rev
	next := sess.Clone()
	next.Rev = prevRev + 1
	payload, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	res, err := s.client.Eval(ctx, updateScript, []string{recKey(sess.FileID, sess.Token)},
		payload,
		prevRev,
		ttl.Milliseconds(),
	).Result()
	if err != nil {
		return err
	}
	switch res {
	case "ok":
		sess.Rev = next.Rev
		return nil
	case "missing":
		return ErrNotFound
	default:
		return ErrRevConflict
	}
}

func (s *RedisStore) Delete(ctx context.Context, fileID, token string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, recKey(fileID, token))
	pipe.ZRem(ctx, fileIdxKey(fileID), token)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) List(ctx context.Context, fileID string) ([]*Session, error) {
	tokens, err := s.client.ZRange(ctx, fileIdxKey(fileID), 0, -1).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	out := make([]*Session, 0, len(tokens))
	var stale []interface{}
	for _, token := range tokens {
		sess, err := s.Get(ctx, fileID, token)
		if err == ErrNotFound {
			stale = append(stale, token)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	if len(stale) > 0 {
		_ = s.client.ZRem(ctx, fileIdxKey(fileID), stale...).Err()
	}
	return out, nil
}

func (s *RedisStore) ListByAccount(ctx context.Context, accountID string) ([]*Session, error) {
	members, err := s.client.ZRange(ctx, acctIdxKey(accountID), 0, -1).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	out := make([]*Session, 0, len(members))
	var stale []interface{}
	for _, member := range members {
		fileID, token, ok := splitAcctMember(member)
		if !ok {
			stale = append(stale, member)
			continue
		}
		sess, err := s.Get(ctx, fileID, token)
		if err == ErrNotFound {
			stale = append(stale, member)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	if len(stale) > 0 {
		_ = s.client.ZRem(ctx, acctIdxKey(accountID), stale...).Err()
	}
	return out, nil
}

const reserveMarkerScript = `
local cur = redis.call("GET", KEYS[1])
if cur == false then
  redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
  return 1
end
if cur == ARGV[1] then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
  return 1
end
return 0
`

func (s *RedisStore) ReserveEdit(ctx context.Context, fileID, token string, ttl time.Duration) (bool, error) {
	res, err := s.client.Eval(ctx, reserveMarkerScript, []string{editMarkerKey(fileID)},
		token,
		ttl.Milliseconds(),
	).Int64()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

const releaseMarkerScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  redis.call("DEL", KEYS[1])
  return 1
end
return 0
`

func (s *RedisStore) ReleaseEdit(ctx context.Context, fileID, token string) error {
	return s.client.Eval(ctx, releaseMarkerScript, []string{editMarkerKey(fileID)}, token).Err()
}

func (s *RedisStore) CreateRequest(ctx context.Context, r *Request, ttl time.Duration) error {
	if r == nil || r.FileID == "" || r.Requester == "" {
		return errors.New("file id and requester required")
	}
	r.Rev = 1
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	ok, err := s.client.SetNX(ctx, reqKey(r.FileID, r.Requester), payload, ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrExists
	}
	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, reqIdxKey(r.FileID), redis.Z{Score: float64(r.CreatedAt), Member: r.Requester})
	pipe.PExpire(ctx, reqIdxKey(r.FileID), indexTTL)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) GetRequest(ctx context.Context, fileID, requester string) (*Request, error) {
	payload, err := s.client.Get(ctx, reqKey(fileID, requester)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var r Request
	if err := json.Unmarshal(payload, &r); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}
	return &r, nil
}

func (s *RedisStore) ListRequests(ctx context.Context, fileID, editor string) ([]*Request, error) {
	requesters, err := s.client.ZRange(ctx, reqIdxKey(fileID), 0, -1).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	out := make([]*Request, 0, len(requesters))
	var stale []interface{}
	for _, requester := range requesters {
		r, err := s.GetRequest(ctx, fileID, requester)
		if err == ErrNotFound {
			stale = append(stale, requester)
			continue
		}
		if err != nil {
			return nil, err
		}
		if editor != "" && r.Editor != editor {
			continue
		}
		out = append(out, r)
	}
	if len(stale) > 0 {
		_ = s.client.ZRem(ctx, reqIdxKey(fileID), stale...).Err()
	}
	return out, nil
}

const updateRequestScript = `
local cur = redis.call("GET", KEYS[1])
if not cur then
  return "missing"
end
local rec = cjson.decode(cur)
if tonumber(rec["rev"]) ~= tonumber(ARGV[2]) then
  return "conflict"
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl > 0 then
  redis.call("SET", KEYS[1], ARGV[1], "PX", ttl)
else
  redis.call("SET", KEYS[1], ARGV[1])
end
return "ok"
`

func (s *RedisStore) UpdateRequest(ctx context.Context, r *Request) error {
	if r == nil || r.FileID == "" || r.Requester == "" {
		return errors.New("file id and requester required")
	}
	prevRev := r.Rev
	next := *r
	next.Rev = prevRev + 1
	payload, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	res, err := s.client.Eval(ctx, updateRequestScript, []string{reqKey(r.FileID, r.Requester)},
		payload,
		prevRev,
	).Result()
	if err != nil {
		return err
	}
	switch res {
	case "ok":
		r.Rev = next.Rev
		return nil
	case "missing":
		return ErrNotFound
	default:
		return ErrRevConflict
	}
}

func (s *RedisStore) DeleteRequest(ctx context.Context, fileID, requester string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, reqKey(fileID, requester))
	pipe.ZRem(ctx, reqIdxKey(fileID), requester)
	_, err := pipe.Exec(ctx)
	return err
}

func recKey(fileID, token string) string {
	return recKeyPrefix + fileID + ":" + token
}

func reqKey(fileID, requester string) string {
	return reqKeyPrefix + fileID + ":" + requester
}

func fileIdxKey(fileID string) string {
	return fileIdxPrefix + fileID
}

func acctIdxKey(accountID string) string {
	return acctIdxPrefix + accountID
}

func reqIdxKey(fileID string) string {
	return reqIdxPrefix + fileID
}

func editMarkerKey(fileID string) string {
	return editMarkerPrefix + fileID
}

func acctMember(fileID, token string) string {
	return fileID + acctMemberSep + token
}

func splitAcctMember(member string) (fileID, token string, ok bool) {
	idx := strings.LastIndex(member, acctMemberSep)
	if idx <= 0 || idx == len(member)-1 {
		return "", "", false
	}
	return member[:idx], member[idx+1:], true
}
