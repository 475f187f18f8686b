package sessions

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for tests and single-node dev runs.
// Expiry is evaluated lazily on read.
type MemoryStore struct {
	mu       sync.Mutex
	now      func() time.Time
	records  map[string]*memoryRecord
	requests map[string]*memoryRequest
	markers  map[string]memoryMarker
}

type memoryRecord struct {
	sess     *Session
	deadline time.Time
}

type memoryRequest struct {
	req      *Request
	deadline time.Time
}

type memoryMarker struct {
	token    string
	deadline time.Time
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:      time.Now,
		records:  map[string]*memoryRecord{},
		requests: map[string]*memoryRequest{},
		markers:  map[string]memoryMarker{},
	}
}

// SetClock overrides the store clock. Test hook.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) Create(_ context.Context, sess *Session, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := recKey(sess.FileID, sess.Token)
	if rec, ok := s.records[key]; ok && rec.deadline.After(s.now()) {
		return ErrExists
	}
	sess.Rev = 1
	s.records[key] = &memoryRecord{sess: sess.Clone(), deadline: s.now().Add(ttl)}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, fileID, token string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(fileID, token)
}

func (s *MemoryStore) getLocked(fileID, token string) (*Session, error) {
	key := recKey(fileID, token)
	rec, ok := s.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	if !rec.deadline.After(s.now()) {
		delete(s.records, key)
		return nil, ErrNotFound
	}
	return rec.sess.Clone(), nil
}

func (s *MemoryStore) GetByClient(_ context.Context, fileID, clientSessionID string) (*Session, error) {
	if clientSessionID == "" {
		return nil, ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.records {
		if rec.sess.FileID == fileID && rec.sess.ClientSessionID == clientSessionID && rec.deadline.After(s.now()) {
			return rec.sess.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) Update(_ context.Context, sess *Session, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := recKey(sess.FileID, sess.Token)
	rec, ok := s.records[key]
	if !ok || !rec.deadline.After(s.now()) {
		delete(s.records, key)
		return ErrNotFound
	}
	if rec.sess.Rev != sess.Rev {
		return ErrRevConflict
	}
	next := sess.Clone()
	next.Rev = sess.Rev + 1
	s.records[key] = &memoryRecord{sess: next, deadline: s.now().Add(ttl)}
	sess.Rev = next.Rev
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, fileID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, recKey(fileID, token))
	return nil
}

func (s *MemoryStore) List(_ context.Context, fileID string) ([]*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Session
	for key, rec := range s.records {
		if rec.sess.FileID != fileID {
			continue
		}
		if !rec.deadline.After(s.now()) {
			delete(s.records, key)
			continue
		}
		out = append(out, rec.sess.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Token < out[j].Token })
	return out, nil
}

func (s *MemoryStore) ListByAccount(_ context.Context, accountID string) ([]*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Session
	for key, rec := range s.records {
		if rec.sess.AccountID != accountID {
			continue
		}
		if !rec.deadline.After(s.now()) {
			delete(s.records, key)
			continue
		}
		out = append(out, rec.sess.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FileID != out[j].FileID {
			return out[i].FileID < out[j].FileID
		}
		return out[i].Token < out[j].Token
	})
	return out, nil
}

func (s *MemoryStore) ReserveEdit(_ context.Context, fileID, token string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := editMarkerKey(fileID)
	if m, ok := s.markers[key]; ok && m.deadline.After(s.now()) && m.token != token {
		return false, nil
	}
	s.markers[key] = memoryMarker{token: token, deadline: s.now().Add(ttl)}
	return true, nil
}

func (s *MemoryStore) ReleaseEdit(_ context.Context, fileID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := editMarkerKey(fileID)
	if m, ok := s.markers[key]; ok && m.token == token {
		delete(s.markers, key)
	}
	return nil
}

func (s *MemoryStore) CreateRequest(_ context.Context, r *Request, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := reqKey(r.FileID, r.Requester)
	if cur, ok := s.requests[key]; ok && cur.deadline.After(s.now()) {
		return ErrExists
	}
	r.Rev = 1
	dup := *r
	s.requests[key] = &memoryRequest{req: &dup, deadline: s.now().Add(ttl)}
	return nil
}

func (s *MemoryStore) GetRequest(_ context.Context, fileID, requester string) (*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := reqKey(fileID, requester)
	cur, ok := s.requests[key]
	if !ok {
		return nil, ErrNotFound
	}
	if !cur.deadline.After(s.now()) {
		delete(s.requests, key)
		return nil, ErrNotFound
	}
	dup := *cur.req
	return &dup, nil
}

func (s *MemoryStore) ListRequests(_ context.Context, fileID, editor string) ([]*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Request
	for key, cur := range s.requests {
		if cur.req.FileID != fileID {
			continue
		}
		if !cur.deadline.After(s.now()) {
			delete(s.requests, key)
			continue
		}
		if editor != "" && cur.req.Editor != editor {
			continue
		}
		dup := *cur.req
		out = append(out, &dup)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

func (s *MemoryStore) UpdateRequest(_ context.Context, r *Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := reqKey(r.FileID, r.Requester)
	cur, ok := s.requests[key]
	if !ok || !cur.deadline.After(s.now()) {
		delete(s.requests, key)
		return ErrNotFound
	}
	if cur.req.Rev != r.Rev {
		return ErrRevConflict
	}
	next := *r
	next.Rev = r.Rev + 1
	cur.req = &next
	r.Rev = next.Rev
	return nil
}

func (s *MemoryStore) DeleteRequest(_ context.Context, fileID, requester string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.requests, reqKey(fileID, requester))
	return nil
}
