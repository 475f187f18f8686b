package bus

// Session event types fanned out to connected clients.
const (
	EventSessionDowngrade = "sessionDowngrade"
	EventSessionDeleted   = "sessionDeleted"
	EventSessionRequested = "sessionRequested"
	EventSessionDenied    = "sessionDenied"
)

// Subjects for the storage-backed request/reply services.
const (
	SubjectVersionGet  = "storage.version.get"
	SubjectTrashGet    = "storage.trash.get"
	SubjectRecentEvict = "storage.recent.evict"
	SubjectRecentTouch = "storage.recent.touch"
	SubjectSubscribe   = "storage.subscribe"
)

const (
	eventSubjectPrefix = "session.event."
	opSubjectPrefix    = "session.op."
)

// EventWildcard matches every session event subject.
const EventWildcard = eventSubjectPrefix + ">"

// Event is the JSON envelope for fire-and-forget session notifications.
type Event struct {
	Type      string `json:"type"`
	FileID    string `json:"file_id"`
	Token     string `json:"token,omitempty"`
	Mode      string `json:"mode,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	UserName  string `json:"user_name,omitempty"`
	UserEmail string `json:"user_email,omitempty"`
	// Applicant identifies the contention requester an event is addressed to.
	Applicant string `json:"applicant,omitempty"`
	At        int64  `json:"at,omitempty"`
}

// EventSubject maps an event type to its bus subject.
func EventSubject(eventType string) string {
	switch eventType {
	case EventSessionDowngrade:
		return eventSubjectPrefix + "downgrade"
	case EventSessionDeleted:
		return eventSubjectPrefix + "deleted"
	case EventSessionRequested:
		return eventSubjectPrefix + "requested"
	case EventSessionDenied:
		return eventSubjectPrefix + "denied"
	default:
		return ""
	}
}

// OpSubject maps a public operation name to its request/reply subject.
func OpSubject(op string) string {
	if op == "" {
		return ""
	}
	return opSubjectPrefix + op
}
