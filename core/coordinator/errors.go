package coordinator

import (
	"errors"
	"fmt"
	"time"
)

// Kind is the machine-readable failure code surfaced to clients. The gateway
// maps kinds to HTTP statuses; the coordinator never touches transport codes.
type Kind string

const (
	// KindSessionExpired covers a missing or concurrently replaced record.
	// Conditional-write conflicts collapse into this kind so clients always
	// recover the same way: reopen the session.
	KindSessionExpired Kind = "FILE_SESSION_EXPIRED"
	// KindViewOnly rejects write-path calls made with a VIEW session.
	KindViewOnly Kind = "VIEW_ONLY_SESSION"
	// KindSavePending rejects work while an external save is in flight.
	KindSavePending Kind = "FILE_IS_SAVE_PENDING"
	// KindExistingEditor reports another live EDIT holder.
	KindExistingEditor Kind = "EXISTING_EDITING_SESSION"
	// KindVersionConflict reports the caller's base version is stale.
	KindVersionConflict Kind = "FILE_VERSION_CONFLICT"
	// KindLatestVersionError reports the version lookup itself failed.
	KindLatestVersionError Kind = "FILE_LATEST_VERSION_ERROR"
	// KindCheckoutFailed reports the external pessimistic lock could not be
	// acquired or even inspected.
	KindCheckoutFailed Kind = "UNABLE_TO_CHECK_FILE_LOCK"
	// KindIDsMissing reports a call with neither token nor client session id.
	KindIDsMissing Kind = "FILE_SESSION_IDS_MISSING"
	// KindFileDeleted reports the file is trashed or inaccessible.
	KindFileDeleted Kind = "FILE_DELETED"

	// KindRequestMissing reports a deny for a contention request that never
	// existed or was already consumed.
	KindRequestMissing Kind = "SESSION_REQUEST_DOES_NOT_EXIST"
	// KindRequestDenied reports the request was already denied.
	KindRequestDenied Kind = "SESSION_REQUEST_WAS_DENIED"
	// KindRequestExpired reports the request outlived its TTL plus grace.
	KindRequestExpired Kind = "SESSION_REQUEST_HAS_EXPIRED"
	// KindRequestPending asks the requester to wait out its own earlier
	// request before asking again. RetryAfter carries the remaining TTL.
	KindRequestPending Kind = "SESSION_REQUEST_ALREADY_PENDING"
)

// EditorInfo identifies the holder blocking an EDIT grant.
type EditorInfo struct {
	UserID  string `json:"user_id"`
	Name    string `json:"name,omitempty"`
	Surname string `json:"surname,omitempty"`
	Email   string `json:"email,omitempty"`
}

// Error is the coordinator's only error surface.
type Error struct {
	Kind    Kind
	Message string
	// RetryAfter hints how long the caller should wait before retrying.
	// Zero when retrying is pointless.
	RetryAfter time.Duration
	// Editor is populated on KindExistingEditor so clients can show who
	// holds the file.
	Editor *EditorInfo
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// E builds an Error with a formatted message.
func E(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the Kind from err, or "" for foreign errors.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
