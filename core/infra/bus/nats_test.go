package bus

import (
	"context"
	"testing"
	"time"
)

func TestEventSubject(t *testing.T) {
	cases := map[string]string{
		EventSessionDowngrade: "session.event.downgrade",
		EventSessionDeleted:   "session.event.deleted",
		EventSessionRequested: "session.event.requested",
		EventSessionDenied:    "session.event.denied",
		"bogus":               "",
	}
	for eventType, expect := range cases {
		if got := EventSubject(eventType); got != expect {
			t.Fatalf("event %s expected subject %q got %q", eventType, expect, got)
		}
	}
}

func TestOpSubject(t *testing.T) {
	if OpSubject("") != "" {
		t.Fatalf("expected empty subject")
	}
	if OpSubject("save") != "session.op.save" {
		t.Fatalf("unexpected op subject: %s", OpSubject("save"))
	}
}

func TestNilBusGuards(t *testing.T) {
	var b *NatsBus
	if err := b.Publish("session.event.deleted", Event{}); err != errNilBus {
		t.Fatalf("expected nil bus error, got %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := b.Request(ctx, SubjectTrashGet, nil, nil); err != errNilBus {
		t.Fatalf("expected nil bus error, got %v", err)
	}
	if err := b.Subscribe(EventWildcard, "", func([]byte) {}); err != errNilBus {
		t.Fatalf("expected nil bus error, got %v", err)
	}
	if err := b.Respond(OpSubject("save"), "ops", func([]byte) []byte { return nil }); err != errNilBus {
		t.Fatalf("expected nil bus error, got %v", err)
	}
	if b.IsConnected() {
		t.Fatalf("nil bus cannot be connected")
	}
	if b.Status() != "UNKNOWN" {
		t.Fatalf("unexpected status: %s", b.Status())
	}
	if b.ConnectedURL() != "" {
		t.Fatalf("unexpected url")
	}
}

func TestEmptySubjectGuards(t *testing.T) {
	b := &NatsBus{}
	if err := b.Publish("", Event{}); err != errNilBus {
		// nc is nil, the bus guard fires first
		t.Fatalf("expected nil bus error, got %v", err)
	}
}
