package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Mode is the access role a session holds on a file.
type Mode string

const (
	ModeEdit Mode = "edit"
	ModeView Mode = "view"
)

// State is the lifecycle state of a session record.
type State string

const (
	StateActive      State = "active"
	StateStale       State = "stale"
	StateSavePending State = "save_pending"
)

// Change status markers.
const (
	ChangeCurrent = "current"
	ChangeSaved   = "saved"
)

// Change is an opaque ordered descriptor of one pending or saved modification.
// Appended, never mutated in place except for the status flag.
type Change struct {
	ID        string          `json:"id"`
	Status    string          `json:"status"`
	CreatedAt int64           `json:"created_at"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Session is one record per (fileID, token).
type Session struct {
	FileID          string   `json:"file_id"`
	Token           string   `json:"token"`
	Mode            Mode     `json:"mode"`
	State           State    `json:"state"`
	UserID          string   `json:"user_id"`
	Name            string   `json:"name,omitempty"`
	Surname         string   `json:"surname,omitempty"`
	Email           string   `json:"email,omitempty"`
	ClientSessionID string   `json:"client_session_id,omitempty"`
	Provider        string   `json:"provider,omitempty"`
	AccountID       string   `json:"account_id,omitempty"`
	ExternalID      string   `json:"external_id,omitempty"`
	Device          string   `json:"device,omitempty"`
	LastActivity    int64    `json:"last_activity"`
	ExpiresAt       int64    `json:"expires_at"`
	Changes         []Change `json:"changes,omitempty"`

	// Rev guards conditional updates. Bumped by the store on every write.
	Rev int64 `json:"rev"`
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	dup := *s
	if s.Changes != nil {
		dup.Changes = make([]Change, len(s.Changes))
		copy(dup.Changes, s.Changes)
	}
	return &dup
}

// Request is a time-boxed contention request from a VIEW holder asking the
// current EDIT holder to yield.
type Request struct {
	FileID    string `json:"file_id"`
	Requester string `json:"requester"`
	Editor    string `json:"editor"`
	Denied    bool   `json:"denied"`
	CreatedAt int64  `json:"created_at"`
	ExpiresAt int64  `json:"expires_at"`
	Rev       int64  `json:"rev"`
}

var (
	// ErrNotFound indicates the record is absent or already expired.
	ErrNotFound = errors.New("session_not_found")
	// ErrExists indicates a create collided with a live record.
	ErrExists = errors.New("session_exists")
	// ErrRevConflict indicates the record changed concurrently.
	ErrRevConflict = errors.New("revision_conflict")
)

// Store persists session and contention-request records. All exposed TTLs are
// store-level expiry hints, not guaranteed-instant deletion.
type Store interface {
	// Create persists a new session record; fails with ErrExists on collision.
	Create(ctx context.Context, s *Session, ttl time.Duration) error
	// Get returns a live session or ErrNotFound.
	Get(ctx context.Context, fileID, token string) (*Session, error)
	// GetByClient resolves a session by the client/device session id.
	GetByClient(ctx context.Context, fileID, clientSessionID string) (*Session, error)
	// Update replaces the record if its revision still matches s.Rev;
	// otherwise ErrRevConflict. ErrNotFound when the record vanished.
	Update(ctx context.Context, s *Session, ttl time.Duration) error
	// Delete removes the record; missing records are not an error.
	Delete(ctx context.Context, fileID, token string) error
	// List returns all live sessions for a file.
	List(ctx context.Context, fileID string) ([]*Session, error)
	// ListByAccount returns all live sessions for an external account.
	ListByAccount(ctx context.Context, accountID string) ([]*Session, error)

	// ReserveEdit atomically claims the per-file EDIT marker. Returns false
	// when another token already holds it.
	ReserveEdit(ctx context.Context, fileID, token string, ttl time.Duration) (bool, error)
	// ReleaseEdit drops the marker if held by token.
	ReleaseEdit(ctx context.Context, fileID, token string) error

	// CreateRequest persists a contention request; ErrExists on collision.
	CreateRequest(ctx context.Context, r *Request, ttl time.Duration) error
	// GetRequest returns a live request or ErrNotFound.
	GetRequest(ctx context.Context, fileID, requester string) (*Request, error)
	// ListRequests returns live requests for a file, oldest first. An empty
	// editor matches all.
	ListRequests(ctx context.Context, fileID, editor string) ([]*Request, error)
	// UpdateRequest replaces the request under revision check.
	UpdateRequest(ctx context.Context, r *Request) error
	// DeleteRequest removes the request; missing records are not an error.
	DeleteRequest(ctx context.Context, fileID, requester string) error

	Close() error
}
