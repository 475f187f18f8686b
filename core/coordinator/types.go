package coordinator

import (
	"time"

	"github.com/cadsync/cadsync/core/infra/bus"
	"github.com/cadsync/cadsync/core/infra/checkout"
	"github.com/cadsync/cadsync/core/infra/config"
	"github.com/cadsync/cadsync/core/infra/metrics"
	"github.com/cadsync/cadsync/core/infra/sessions"
	"github.com/cadsync/cadsync/core/infra/storage"
)

// Device classes reported by clients. DeviceWebLegacy marks long-poll view
// clients that cannot refresh their TTL and therefore get a long one.
const (
	DeviceDesktop   = "desktop"
	DeviceWeb       = "web"
	DeviceWebLegacy = "web_legacy"
	DeviceTouch     = "touch"
)

// User identifies the caller on every operation.
type User struct {
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	Surname string `json:"surname,omitempty"`
	Email   string `json:"email,omitempty"`
}

// OpenParams opens a new session on a file.
type OpenParams struct {
	FileID            string        `json:"file_id"`
	User              User          `json:"user"`
	Mode              sessions.Mode `json:"mode"`
	Device            string        `json:"device,omitempty"`
	ClientSessionID   string        `json:"client_session_id,omitempty"`
	Provider          string        `json:"provider,omitempty"`
	AccountID         string        `json:"account_id,omitempty"`
	ExternalID        string        `json:"external_id,omitempty"`
	Force             bool          `json:"force,omitempty"`
	ExpectedVersionID string        `json:"expected_version_id,omitempty"`
}

// OpenResult reports the granted session.
type OpenResult struct {
	Token      string        `json:"token"`
	Mode       sessions.Mode `json:"mode"`
	TTLSeconds int64         `json:"ttl_seconds"`
}

// UpdateParams mutates an existing session. Token or ClientSessionID must be
// set; Token wins when both are present.
type UpdateParams struct {
	FileID          string `json:"file_id"`
	Token           string `json:"token,omitempty"`
	ClientSessionID string `json:"client_session_id,omitempty"`
	User            User   `json:"user"`

	// NewState transitions the record's lifecycle state when set.
	NewState sessions.State `json:"new_state,omitempty"`
	// NewMode requests a mode change when set and different.
	NewMode sessions.Mode `json:"new_mode,omitempty"`
	// Changes are appended to the record's change log.
	Changes []sessions.Change `json:"changes,omitempty"`
	// ChangesSaved flips every CURRENT change to SAVED.
	ChangesSaved bool `json:"changes_saved,omitempty"`
	// ExpectedVersionID guards VIEW to EDIT upgrades.
	ExpectedVersionID string `json:"expected_version_id,omitempty"`
	// Applicant names the contention requester to prefer when a downgrade
	// resolves waiting requests.
	Applicant string `json:"applicant,omitempty"`
	// SkipValidation tolerates a missing record instead of rejecting.
	// Legacy clients that cannot handle FILE_SESSION_EXPIRED set this.
	SkipValidation bool `json:"skip_validation,omitempty"`
}

// UpdateResult reports the session after the mutation.
type UpdateResult struct {
	Token      string         `json:"token"`
	Mode       sessions.Mode  `json:"mode"`
	State      sessions.State `json:"state"`
	TTLSeconds int64          `json:"ttl_seconds"`
	Skipped    bool           `json:"skipped,omitempty"`
}

// CloseParams removes a session.
type CloseParams struct {
	FileID          string `json:"file_id"`
	Token           string `json:"token,omitempty"`
	ClientSessionID string `json:"client_session_id,omitempty"`
	User            User   `json:"user"`
}

// CloseResult reports what was vacated.
type CloseResult struct {
	Removed      int           `json:"removed"`
	VacatedMode  sessions.Mode `json:"vacated_mode,omitempty"`
	CheckinError string        `json:"checkin_error,omitempty"`
}

// CheckParams verifies a session grants write access.
type CheckParams struct {
	FileID string `json:"file_id"`
	Token  string `json:"token"`
	User   User   `json:"user"`
}

// RequestParams asks the current EDIT holder to yield.
type RequestParams struct {
	FileID string `json:"file_id"`
	Token  string `json:"token"`
	User   User   `json:"user"`
}

// RequestResult reports how the ask was delivered.
type RequestResult struct {
	// SelfNotified is set when the requester's own other session holds EDIT.
	SelfNotified bool `json:"self_notified,omitempty"`
}

// DenyParams rejects one or all pending contention requests. Requester is a
// requester token, or "*" for all.
type DenyParams struct {
	FileID    string `json:"file_id"`
	Token     string `json:"token"`
	Requester string `json:"requester"`
	User      User   `json:"user"`
}

// DenyResult reports how many requests were denied.
type DenyResult struct {
	Denied int `json:"denied"`
}

// SessionInfo is the public projection of a session record.
type SessionInfo struct {
	FileID       string         `json:"file_id"`
	Token        string         `json:"token"`
	Mode         sessions.Mode  `json:"mode"`
	State        sessions.State `json:"state"`
	UserID       string         `json:"user_id"`
	Name         string         `json:"name,omitempty"`
	Surname      string         `json:"surname,omitempty"`
	Email        string         `json:"email,omitempty"`
	Device       string         `json:"device,omitempty"`
	Provider     string         `json:"provider,omitempty"`
	AccountID    string         `json:"account_id,omitempty"`
	LastActivity int64          `json:"last_activity"`
	ExpiresAt    int64          `json:"expires_at"`
	Changes      int            `json:"changes"`
	SavedChanges int            `json:"saved_changes"`
}

func infoOf(s *sessions.Session) SessionInfo {
	info := SessionInfo{
		FileID:       s.FileID,
		Token:        s.Token,
		Mode:         s.Mode,
		State:        s.State,
		UserID:       s.UserID,
		Name:         s.Name,
		Surname:      s.Surname,
		Email:        s.Email,
		Device:       s.Device,
		Provider:     s.Provider,
		AccountID:    s.AccountID,
		LastActivity: s.LastActivity,
		ExpiresAt:    s.ExpiresAt,
		Changes:      len(s.Changes),
	}
	for _, c := range s.Changes {
		if c.Status == sessions.ChangeSaved {
			info.SavedChanges++
		}
	}
	return info
}

// Notifier is the slice of the bus the coordinator publishes events on.
type Notifier interface {
	Publish(subject string, v any) error
}

// Coordinator enforces the session, contention and external-lock rules.
type Coordinator struct {
	store    sessions.Store
	queries  storage.Queries
	lock     checkout.Adapter
	notifier Notifier
	metrics  metrics.Metrics
	tun      *config.Tunables

	now func() time.Time
}

// New wires a Coordinator. A nil metrics falls back to a noop implementation.
func New(store sessions.Store, queries storage.Queries, lock checkout.Adapter, notifier Notifier, m metrics.Metrics, tun *config.Tunables) *Coordinator {
	if m == nil {
		m = metrics.Noop{}
	}
	return &Coordinator{
		store:    store,
		queries:  queries,
		lock:     lock,
		notifier: notifier,
		metrics:  m,
		tun:      tun,
		now:      time.Now,
	}
}

// SetClock overrides the time source. Tests only.
func (c *Coordinator) SetClock(now func() time.Time) { c.now = now }

func (c *Coordinator) sessionTTL(mode sessions.Mode, device string) time.Duration {
	if mode == sessions.ModeEdit {
		return c.tun.EditTTL()
	}
	if device == DeviceWebLegacy {
		return c.tun.LegacyViewTTL()
	}
	return c.tun.ViewTTL()
}

func (c *Coordinator) publishEvent(ev bus.Event) {
	if c.notifier == nil {
		return
	}
	subject := bus.EventSubject(ev.Type)
	if subject == "" {
		return
	}
	if ev.At == 0 {
		ev.At = c.now().Unix()
	}
	// Fire-and-forget; a lost notification only delays a client.
	_ = c.notifier.Publish(subject, ev)
}

func editorInfo(s *sessions.Session) *EditorInfo {
	return &EditorInfo{UserID: s.UserID, Name: s.Name, Surname: s.Surname, Email: s.Email}
}
