package sessions

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStoreLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	sess := testSession("file-a", "tok-1")
	if err := store.Create(ctx, sess, time.Minute); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, testSession("file-a", "tok-1"), time.Minute); err != ErrExists {
		t.Fatalf("expected ErrExists, got %v", err)
	}

	sess.State = StateSavePending
	if err := store.Update(ctx, sess, time.Minute); err != nil {
		t.Fatalf("update: %v", err)
	}
	if sess.Rev != 2 {
		t.Fatalf("expected rev 2, got %d", sess.Rev)
	}

	stale := sess.Clone()
	stale.Rev = 1
	if err := store.Update(ctx, stale, time.Minute); err != ErrRevConflict {
		t.Fatalf("expected ErrRevConflict, got %v", err)
	}

	got, err := store.Get(ctx, "file-a", "tok-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != StateSavePending {
		t.Fatalf("unexpected state: %s", got.State)
	}

	if err := store.Delete(ctx, "file-a", "tok-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(ctx, "file-a", "tok-1"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreExpiry(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	now := time.Now()
	store.SetClock(func() time.Time { return now })

	if err := store.Create(ctx, testSession("file-b", "tok-1"), time.Minute); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.Get(ctx, "file-b", "tok-1"); err != nil {
		t.Fatalf("get before expiry: %v", err)
	}

	now = now.Add(2 * time.Minute)
	if _, err := store.Get(ctx, "file-b", "tok-1"); err != ErrNotFound {
		t.Fatalf("expected expiry, got %v", err)
	}
	list, err := store.List(ctx, "file-b")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("expected empty list after expiry")
	}
}

func TestMemoryStoreRequestsAndMarkers(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	now := time.Now()
	store.SetClock(func() time.Time { return now })

	req := &Request{
		FileID:    "file-c",
		Requester: "tok-view",
		Editor:    "tok-edit",
		CreatedAt: now.Unix(),
		ExpiresAt: now.Add(2 * time.Minute).Unix(),
	}
	if err := store.CreateRequest(ctx, req, 2*time.Minute); err != nil {
		t.Fatalf("create request: %v", err)
	}

	req.Denied = true
	if err := store.UpdateRequest(ctx, req); err != nil {
		t.Fatalf("update request: %v", err)
	}
	got, err := store.GetRequest(ctx, "file-c", "tok-view")
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if !got.Denied {
		t.Fatalf("expected denied request")
	}

	ok, err := store.ReserveEdit(ctx, "file-c", "tok-1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("reserve: ok=%v err=%v", ok, err)
	}
	ok, _ = store.ReserveEdit(ctx, "file-c", "tok-2", time.Minute)
	if ok {
		t.Fatalf("expected reservation conflict")
	}
	// reservation expires with the clock
	now = now.Add(2 * time.Minute)
	ok, _ = store.ReserveEdit(ctx, "file-c", "tok-2", time.Minute)
	if !ok {
		t.Fatalf("expected reservation after expiry")
	}

	if _, err := store.GetRequest(ctx, "file-c", "tok-view"); err != ErrNotFound {
		t.Fatalf("expected request expiry, got %v", err)
	}
}
