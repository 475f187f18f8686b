package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cadsync/cadsync/core/infra/bus"
	"github.com/cadsync/cadsync/core/infra/checkout"
	"github.com/cadsync/cadsync/core/infra/config"
	"github.com/cadsync/cadsync/core/infra/metrics"
	"github.com/cadsync/cadsync/core/infra/sessions"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeQueries struct {
	mu         sync.Mutex
	version    string
	versionErr error
	trashed    bool
	trashErr   error
	evicted    []string
	touched    []string
	subscribed []string
}

func (f *fakeQueries) LatestVersion(context.Context, string, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.version, f.versionErr
}

func (f *fakeQueries) TrashStatus(context.Context, string, string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.trashed, f.trashErr
}

func (f *fakeQueries) EvictRecent(fileID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evicted = append(f.evicted, fileID+"|"+userID)
	return nil
}

func (f *fakeQueries) TouchRecent(fileID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched = append(f.touched, fileID+"|"+userID)
	return nil
}

func (f *fakeQueries) Subscribe(fileID, provider string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, fileID)
	return nil
}

type fakeLock struct {
	mu           sync.Mutex
	checkoutErrs []error
	checkinErr   error
	checkouts    []checkout.FileContext
	checkins     []checkout.FileContext
}

func (f *fakeLock) Checkout(_ context.Context, fc checkout.FileContext) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkouts = append(f.checkouts, fc)
	if len(f.checkoutErrs) == 0 {
		return nil
	}
	err := f.checkoutErrs[0]
	f.checkoutErrs = f.checkoutErrs[1:]
	return err
}

func (f *fakeLock) Checkin(_ context.Context, fc checkout.FileContext) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkins = append(f.checkins, fc)
	return f.checkinErr
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []bus.Event
}

func (f *fakeNotifier) Publish(_ string, v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ev, ok := v.(bus.Event); ok {
		f.events = append(f.events, ev)
	}
	return nil
}

func (f *fakeNotifier) ofType(eventType string) []bus.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []bus.Event
	for _, ev := range f.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

type fixture struct {
	coord    *Coordinator
	store    *sessions.MemoryStore
	queries  *fakeQueries
	lock     *fakeLock
	notifier *fakeNotifier
	clock    *testClock
	tun      *config.Tunables
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	tun, err := config.LoadTunables("")
	if err != nil {
		t.Fatalf("tunables: %v", err)
	}
	// polls run without real sleeps in tests
	tun.Polling.SavePendingAttempts = 3
	tun.Polling.SavePendingDelaySeconds = 0
	tun.Polling.RemovalAttempts = 3
	tun.Polling.RemovalDelaySeconds = 0

	f := &fixture{
		store:    sessions.NewMemoryStore(),
		queries:  &fakeQueries{version: "v1"},
		lock:     &fakeLock{},
		notifier: &fakeNotifier{},
		clock:    newTestClock(),
		tun:      tun,
	}
	f.store.SetClock(f.clock.Now)
	f.coord = New(f.store, f.queries, f.lock, f.notifier, metrics.Noop{}, tun)
	f.coord.SetClock(f.clock.Now)
	return f
}

func (f *fixture) openEdit(t *testing.T, fileID, userID string) *OpenResult {
	t.Helper()
	res, err := f.coord.Open(context.Background(), OpenParams{
		FileID: fileID,
		User:   User{ID: userID, Name: userID, Email: userID + "@example.com"},
		Mode:   sessions.ModeEdit,
	})
	if err != nil {
		t.Fatalf("open edit: %v", err)
	}
	return res
}

func (f *fixture) openView(t *testing.T, fileID, userID string) *OpenResult {
	t.Helper()
	res, err := f.coord.Open(context.Background(), OpenParams{
		FileID: fileID,
		User:   User{ID: userID},
		Mode:   sessions.ModeView,
	})
	if err != nil {
		t.Fatalf("open view: %v", err)
	}
	return res
}

func TestOpenGrantsEditAndView(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := f.openEdit(t, "file-1", "u-1")
	if res.Token == "" || res.Mode != sessions.ModeEdit {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.TTLSeconds != 300 {
		t.Fatalf("expected edit ttl 300, got %d", res.TTLSeconds)
	}

	// viewers coexist with the editor
	view := f.openView(t, "file-1", "u-2")
	if view.Mode != sessions.ModeView {
		t.Fatalf("unexpected view result: %+v", view)
	}

	list, err := f.coord.Get(ctx, "file-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(list))
	}

	if len(f.queries.subscribed) != 2 || len(f.queries.touched) != 2 {
		t.Fatalf("expected open side effects, got %v %v", f.queries.subscribed, f.queries.touched)
	}
}

func TestOpenTrashedOrInaccessibleFile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.queries.trashed = true
	_, err := f.coord.Open(ctx, OpenParams{FileID: "file-1", User: User{ID: "u-1"}, Mode: sessions.ModeView})
	if !IsKind(err, KindFileDeleted) {
		t.Fatalf("expected FILE_DELETED, got %v", err)
	}

	f.queries.trashed = false
	f.queries.trashErr = errors.New("no access")
	_, err = f.coord.Open(ctx, OpenParams{FileID: "file-1", User: User{ID: "u-1"}, Mode: sessions.ModeView})
	if !IsKind(err, KindFileDeleted) {
		t.Fatalf("expected FILE_DELETED on lookup failure, got %v", err)
	}
	if len(f.queries.evicted) != 2 {
		t.Fatalf("expected recent eviction on both rejections, got %v", f.queries.evicted)
	}
}

func TestOpenMutualExclusion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.openEdit(t, "file-1", "u-1")
	_, err := f.coord.Open(ctx, OpenParams{FileID: "file-1", User: User{ID: "u-2"}, Mode: sessions.ModeEdit})
	if !IsKind(err, KindExistingEditor) {
		t.Fatalf("expected EXISTING_EDITING_SESSION, got %v", err)
	}
	var ce *Error
	if !errors.As(err, &ce) || ce.Editor == nil || ce.Editor.UserID != "u-1" {
		t.Fatalf("expected editor identity in error, got %+v", ce)
	}

	// force does not bypass another user's session
	_, err = f.coord.Open(ctx, OpenParams{FileID: "file-1", User: User{ID: "u-2"}, Mode: sessions.ModeEdit, Force: true})
	if !IsKind(err, KindExistingEditor) {
		t.Fatalf("expected EXISTING_EDITING_SESSION under force, got %v", err)
	}
}

func TestOpenForceTakeoverSameUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.openEdit(t, "file-1", "u-1")
	res, err := f.coord.Open(ctx, OpenParams{FileID: "file-1", User: User{ID: "u-1"}, Mode: sessions.ModeEdit, Force: true})
	if err != nil {
		t.Fatalf("force takeover: %v", err)
	}
	if res.Token == first.Token {
		t.Fatalf("expected a fresh token")
	}

	old, err := f.store.Get(ctx, "file-1", first.Token)
	if err != nil {
		t.Fatalf("old session: %v", err)
	}
	if old.Mode != sessions.ModeView {
		t.Fatalf("expected old session downgraded, got %s", old.Mode)
	}

	downs := f.notifier.ofType(bus.EventSessionDowngrade)
	if len(downs) != 1 || downs[0].Token != first.Token {
		t.Fatalf("expected downgrade event for old token, got %+v", downs)
	}
}

func TestOpenVersionGuard(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.coord.Open(ctx, OpenParams{
		FileID: "file-1", User: User{ID: "u-1"}, Mode: sessions.ModeEdit,
		ExpectedVersionID: "v0",
	})
	if !IsKind(err, KindVersionConflict) {
		t.Fatalf("expected FILE_VERSION_CONFLICT, got %v", err)
	}

	f.queries.versionErr = errors.New("upstream offline")
	_, err = f.coord.Open(ctx, OpenParams{
		FileID: "file-1", User: User{ID: "u-1"}, Mode: sessions.ModeEdit,
		ExpectedVersionID: "v1",
	})
	if !IsKind(err, KindLatestVersionError) {
		t.Fatalf("expected FILE_LATEST_VERSION_ERROR, got %v", err)
	}

	f.queries.versionErr = nil
	if _, err := f.coord.Open(ctx, OpenParams{
		FileID: "file-1", User: User{ID: "u-1"}, Mode: sessions.ModeEdit,
		ExpectedVersionID: "v1",
	}); err != nil {
		t.Fatalf("expected matching version to pass, got %v", err)
	}
}

func TestOpenCheckoutSelfHeal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.lock.checkoutErrs = []error{&checkout.AdapterError{Code: checkout.CodeAlreadyCheckedOut}}
	res, err := f.coord.Open(ctx, OpenParams{
		FileID: "file-1", User: User{ID: "u-1"}, Mode: sessions.ModeEdit,
		Provider: "sharepoint", AccountID: "acct-1", ExternalID: "ext-1",
	})
	if err != nil {
		t.Fatalf("open with self-heal: %v", err)
	}
	if res.Mode != sessions.ModeEdit {
		t.Fatalf("unexpected mode: %s", res.Mode)
	}
	if len(f.lock.checkouts) != 2 || len(f.lock.checkins) != 1 {
		t.Fatalf("expected checkin+checkout recycle, got %d/%d", len(f.lock.checkouts), len(f.lock.checkins))
	}
}

func TestOpenCheckoutFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.lock.checkoutErrs = []error{&checkout.AdapterError{Code: checkout.CodeUnavailable}}
	_, err := f.coord.Open(ctx, OpenParams{
		FileID: "file-1", User: User{ID: "u-1"}, Mode: sessions.ModeEdit,
		Provider: "sharepoint",
	})
	if !IsKind(err, KindCheckoutFailed) {
		t.Fatalf("expected UNABLE_TO_CHECK_FILE_LOCK, got %v", err)
	}
	if _, err := f.coord.Get(ctx, "file-1"); err != nil {
		t.Fatalf("get: %v", err)
	}
}

func TestOpenWaitsOutSavePending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.coord.Open(ctx, OpenParams{
		FileID: "file-1", User: User{ID: "u-1"}, Mode: sessions.ModeEdit,
		Provider: "sharepoint",
	})
	if err != nil {
		t.Fatalf("open holder: %v", err)
	}
	holder, err := f.store.Get(ctx, "file-1", res.Token)
	if err != nil {
		t.Fatalf("holder: %v", err)
	}
	holder.State = sessions.StateSavePending
	if err := f.store.Update(ctx, holder, time.Minute); err != nil {
		t.Fatalf("mark save pending: %v", err)
	}

	// holder never finishes saving, the bounded poll gives up
	_, err = f.coord.Open(ctx, OpenParams{
		FileID: "file-1", User: User{ID: "u-2"}, Mode: sessions.ModeEdit,
		Provider: "sharepoint",
	})
	if !IsKind(err, KindSavePending) {
		t.Fatalf("expected FILE_IS_SAVE_PENDING, got %v", err)
	}

	// once the saver's record is gone the grant goes through
	if err := f.store.Delete(ctx, "file-1", res.Token); err != nil {
		t.Fatalf("delete holder: %v", err)
	}
	if _, err := f.coord.Open(ctx, OpenParams{
		FileID: "file-1", User: User{ID: "u-2"}, Mode: sessions.ModeEdit,
		Provider: "sharepoint",
	}); err != nil {
		t.Fatalf("open after removal: %v", err)
	}
}

func TestOpenEditReservation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.tun.Coordination.EditReservation = true

	// marker left behind by a session that never materialized
	if ok, err := f.store.ReserveEdit(ctx, "file-1", "ghost", time.Minute); err != nil || !ok {
		t.Fatalf("reserve: ok=%v err=%v", ok, err)
	}
	_, err := f.coord.Open(ctx, OpenParams{FileID: "file-1", User: User{ID: "u-1"}, Mode: sessions.ModeEdit})
	if !IsKind(err, KindExistingEditor) {
		t.Fatalf("expected EXISTING_EDITING_SESSION, got %v", err)
	}

	if err := f.store.ReleaseEdit(ctx, "file-1", "ghost"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := f.coord.Open(ctx, OpenParams{FileID: "file-1", User: User{ID: "u-1"}, Mode: sessions.ModeEdit}); err != nil {
		t.Fatalf("open after release: %v", err)
	}
}

func TestUpdateRefreshIsRateLimitedAndMonotonic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := f.openEdit(t, "file-1", "u-1")
	opened, _ := f.store.Get(ctx, "file-1", res.Token)

	// inside the min refresh interval nothing moves
	f.clock.Advance(10 * time.Second)
	upd, err := f.coord.Update(ctx, UpdateParams{FileID: "file-1", Token: res.Token, User: User{ID: "u-1"}})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	after, _ := f.store.Get(ctx, "file-1", res.Token)
	if after.ExpiresAt != opened.ExpiresAt {
		t.Fatalf("expiry moved inside refresh interval: %d != %d", after.ExpiresAt, opened.ExpiresAt)
	}
	if upd.TTLSeconds > 300 {
		t.Fatalf("ttl grew without refresh: %d", upd.TTLSeconds)
	}

	// past the interval the expiry extends, never shrinks
	f.clock.Advance(30 * time.Second)
	if _, err := f.coord.Update(ctx, UpdateParams{FileID: "file-1", Token: res.Token, User: User{ID: "u-1"}}); err != nil {
		t.Fatalf("update: %v", err)
	}
	refreshed, _ := f.store.Get(ctx, "file-1", res.Token)
	if refreshed.ExpiresAt <= opened.ExpiresAt {
		t.Fatalf("expected expiry to extend: %d <= %d", refreshed.ExpiresAt, opened.ExpiresAt)
	}
}

func TestUpdateChangesAndSavedFlip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := f.openEdit(t, "file-1", "u-1")
	if _, err := f.coord.Update(ctx, UpdateParams{
		FileID: "file-1", Token: res.Token, User: User{ID: "u-1"},
		Changes: []sessions.Change{{}, {ID: "ch-2"}},
	}); err != nil {
		t.Fatalf("append changes: %v", err)
	}

	sess, _ := f.store.Get(ctx, "file-1", res.Token)
	if len(sess.Changes) != 2 {
		t.Fatalf("expected 2 changes, got %d", len(sess.Changes))
	}
	for _, ch := range sess.Changes {
		if ch.ID == "" || ch.Status != sessions.ChangeCurrent {
			t.Fatalf("unexpected change: %+v", ch)
		}
	}

	if _, err := f.coord.Update(ctx, UpdateParams{
		FileID: "file-1", Token: res.Token, User: User{ID: "u-1"},
		ChangesSaved: true,
	}); err != nil {
		t.Fatalf("mark saved: %v", err)
	}
	sess, _ = f.store.Get(ctx, "file-1", res.Token)
	for _, ch := range sess.Changes {
		if ch.Status != sessions.ChangeSaved {
			t.Fatalf("expected saved change, got %+v", ch)
		}
	}
}

func TestUpdateSavePendingGate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := f.openEdit(t, "file-1", "u-1")
	if _, err := f.coord.Update(ctx, UpdateParams{
		FileID: "file-1", Token: res.Token, User: User{ID: "u-1"},
		NewState: sessions.StateSavePending,
	}); err != nil {
		t.Fatalf("enter save pending: %v", err)
	}

	_, err := f.coord.Update(ctx, UpdateParams{FileID: "file-1", Token: res.Token, User: User{ID: "u-1"}})
	if !IsKind(err, KindSavePending) {
		t.Fatalf("expected FILE_IS_SAVE_PENDING, got %v", err)
	}

	// the saver itself may flip the state back
	if _, err := f.coord.Update(ctx, UpdateParams{
		FileID: "file-1", Token: res.Token, User: User{ID: "u-1"},
		NewState: sessions.StateActive,
	}); err != nil {
		t.Fatalf("leave save pending: %v", err)
	}
}

func TestUpdateSavePendingLocksMode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := f.openEdit(t, "file-1", "u-1")
	if _, err := f.coord.Update(ctx, UpdateParams{
		FileID: "file-1", Token: res.Token, User: User{ID: "u-1"},
		NewState: sessions.StateSavePending,
	}); err != nil {
		t.Fatalf("enter save pending: %v", err)
	}

	// resolving the state and switching mode in one call is rejected
	_, err := f.coord.Update(ctx, UpdateParams{
		FileID: "file-1", Token: res.Token, User: User{ID: "u-1"},
		NewState: sessions.StateActive, NewMode: sessions.ModeView,
	})
	if !IsKind(err, KindSavePending) {
		t.Fatalf("expected FILE_IS_SAVE_PENDING, got %v", err)
	}
	sess, _ := f.store.Get(ctx, "file-1", res.Token)
	if sess.Mode != sessions.ModeEdit || sess.State != sessions.StateSavePending {
		t.Fatalf("record must be untouched, got %s/%s", sess.Mode, sess.State)
	}

	// resolve first, then downgrade
	if _, err := f.coord.Update(ctx, UpdateParams{
		FileID: "file-1", Token: res.Token, User: User{ID: "u-1"},
		NewState: sessions.StateActive,
	}); err != nil {
		t.Fatalf("resolve state: %v", err)
	}
	if _, err := f.coord.Update(ctx, UpdateParams{
		FileID: "file-1", Token: res.Token, User: User{ID: "u-1"},
		NewMode: sessions.ModeView,
	}); err != nil {
		t.Fatalf("downgrade after resolve: %v", err)
	}
}

func TestUpdateHeartbeatRetiresDuplicateEditor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// two EDIT grants left behind by the check-then-write race
	now := f.clock.Now()
	for _, g := range []struct{ token, user string }{{"tok-1", "u-1"}, {"tok-2", "u-2"}} {
		sess := &sessions.Session{
			FileID: "file-1", Token: g.token,
			Mode: sessions.ModeEdit, State: sessions.StateActive,
			UserID: g.user, LastActivity: now.Unix(),
			ExpiresAt: now.Add(5 * time.Minute).Unix(),
		}
		if err := f.store.Create(ctx, sess, 5*time.Minute); err != nil {
			t.Fatalf("create %s: %v", g.token, err)
		}
	}

	// the first heartbeat to notice the rival loses
	_, err := f.coord.Update(ctx, UpdateParams{FileID: "file-1", Token: "tok-1", User: User{ID: "u-1"}})
	if !IsKind(err, KindExistingEditor) {
		t.Fatalf("expected EXISTING_EDITING_SESSION, got %v", err)
	}
	var ce *Error
	if !errors.As(err, &ce) || ce.Editor == nil || ce.Editor.UserID != "u-2" {
		t.Fatalf("expected rival identity in error, got %+v", ce)
	}

	retired, err := f.store.Get(ctx, "file-1", "tok-1")
	if err != nil {
		t.Fatalf("get retired: %v", err)
	}
	if retired.State != sessions.StateStale {
		t.Fatalf("loser must be retired, got state %s", retired.State)
	}

	// the survivor heartbeats cleanly from then on
	if _, err := f.coord.Update(ctx, UpdateParams{FileID: "file-1", Token: "tok-2", User: User{ID: "u-2"}}); err != nil {
		t.Fatalf("survivor heartbeat: %v", err)
	}
}

func TestUpdateMissingSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.coord.Update(ctx, UpdateParams{FileID: "file-1", Token: "ghost", User: User{ID: "u-1"}})
	if !IsKind(err, KindSessionExpired) {
		t.Fatalf("expected FILE_SESSION_EXPIRED, got %v", err)
	}

	res, err := f.coord.Update(ctx, UpdateParams{
		FileID: "file-1", Token: "ghost", User: User{ID: "u-1"},
		SkipValidation: true,
	})
	if err != nil || !res.Skipped {
		t.Fatalf("expected skipped result, got %+v err=%v", res, err)
	}

	_, err = f.coord.Update(ctx, UpdateParams{FileID: "file-1", User: User{ID: "u-1"}})
	if !IsKind(err, KindIDsMissing) {
		t.Fatalf("expected FILE_SESSION_IDS_MISSING, got %v", err)
	}
}

// revConflictStore fails the first n conditional writes.
type revConflictStore struct {
	sessions.Store
	mu       sync.Mutex
	failures int
	calls    int
}

func (s *revConflictStore) Update(ctx context.Context, sess *sessions.Session, ttl time.Duration) error {
	s.mu.Lock()
	s.calls++
	fail := s.failures > 0
	if fail {
		s.failures--
	}
	s.mu.Unlock()
	if fail {
		return sessions.ErrRevConflict
	}
	return s.Store.Update(ctx, sess, ttl)
}

func TestUpdateRevConflictIsNotRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := f.openEdit(t, "file-1", "u-1")
	wrapped := &revConflictStore{Store: f.store, failures: 1}
	f.coord.store = wrapped

	_, err := f.coord.Update(ctx, UpdateParams{FileID: "file-1", Token: res.Token, User: User{ID: "u-1"}})
	if !IsKind(err, KindSessionExpired) {
		t.Fatalf("expected FILE_SESSION_EXPIRED, got %v", err)
	}
	if wrapped.calls != 1 {
		t.Fatalf("conditional write must not be retried, got %d calls", wrapped.calls)
	}
}

func TestUpdateModeUpgrade(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	editor := f.openEdit(t, "file-1", "u-1")
	viewer := f.openView(t, "file-1", "u-2")

	_, err := f.coord.Update(ctx, UpdateParams{
		FileID: "file-1", Token: viewer.Token, User: User{ID: "u-2"},
		NewMode: sessions.ModeEdit,
	})
	if !IsKind(err, KindExistingEditor) {
		t.Fatalf("expected EXISTING_EDITING_SESSION, got %v", err)
	}

	if _, err := f.coord.Close(ctx, CloseParams{FileID: "file-1", Token: editor.Token, User: User{ID: "u-1"}}); err != nil {
		t.Fatalf("close editor: %v", err)
	}

	upd, err := f.coord.Update(ctx, UpdateParams{
		FileID: "file-1", Token: viewer.Token, User: User{ID: "u-2"},
		NewMode: sessions.ModeEdit, ExpectedVersionID: "v1",
	})
	if err != nil {
		t.Fatalf("upgrade: %v", err)
	}
	if upd.Mode != sessions.ModeEdit {
		t.Fatalf("expected edit mode, got %s", upd.Mode)
	}
}

func TestUpdateUpgradeVersionConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	viewer := f.openView(t, "file-1", "u-2")
	_, err := f.coord.Update(ctx, UpdateParams{
		FileID: "file-1", Token: viewer.Token, User: User{ID: "u-2"},
		NewMode: sessions.ModeEdit, ExpectedVersionID: "v0",
	})
	if !IsKind(err, KindVersionConflict) {
		t.Fatalf("expected FILE_VERSION_CONFLICT, got %v", err)
	}

	// conflict is repeatable, nothing was granted
	_, err = f.coord.Update(ctx, UpdateParams{
		FileID: "file-1", Token: viewer.Token, User: User{ID: "u-2"},
		NewMode: sessions.ModeEdit, ExpectedVersionID: "v0",
	})
	if !IsKind(err, KindVersionConflict) {
		t.Fatalf("expected FILE_VERSION_CONFLICT again, got %v", err)
	}

	sess, _ := f.store.Get(ctx, "file-1", viewer.Token)
	if sess.Mode != sessions.ModeView {
		t.Fatalf("session must stay view after conflict, got %s", sess.Mode)
	}
}

func TestCloseOwnershipAndCheckin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.coord.Open(ctx, OpenParams{
		FileID: "file-1", User: User{ID: "u-1"}, Mode: sessions.ModeEdit,
		Provider: "sharepoint", AccountID: "acct-1", ExternalID: "ext-1",
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	_, err = f.coord.Close(ctx, CloseParams{FileID: "file-1", Token: res.Token, User: User{ID: "u-2"}})
	if !IsKind(err, KindSessionExpired) {
		t.Fatalf("expected ownership rejection, got %v", err)
	}

	out, err := f.coord.Close(ctx, CloseParams{FileID: "file-1", Token: res.Token, User: User{ID: "u-1"}})
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if out.Removed != 1 || out.VacatedMode != sessions.ModeEdit {
		t.Fatalf("unexpected close result: %+v", out)
	}
	if len(f.lock.checkins) != 1 || f.lock.checkins[0].ExternalID != "ext-1" {
		t.Fatalf("expected checkin on close, got %+v", f.lock.checkins)
	}

	dels := f.notifier.ofType(bus.EventSessionDeleted)
	if len(dels) != 1 || dels[0].Mode != string(sessions.ModeEdit) {
		t.Fatalf("expected deleted event with vacated mode, got %+v", dels)
	}

	// closing again is a no-op
	out, err = f.coord.Close(ctx, CloseParams{FileID: "file-1", Token: res.Token, User: User{ID: "u-1"}})
	if err != nil || out.Removed != 0 {
		t.Fatalf("expected idempotent close, got %+v err=%v", out, err)
	}
}

func TestCloseRequiresCallerIdentity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := f.openEdit(t, "file-1", "u-1")
	_, err := f.coord.Close(ctx, CloseParams{FileID: "file-1", Token: res.Token})
	if !IsKind(err, KindIDsMissing) {
		t.Fatalf("expected FILE_SESSION_IDS_MISSING, got %v", err)
	}
	if _, err := f.store.Get(ctx, "file-1", res.Token); err != nil {
		t.Fatalf("session must survive an anonymous close: %v", err)
	}

	if _, err := f.coord.Close(ctx, CloseParams{FileID: "file-1", Token: res.Token, User: User{ID: "u-1"}}); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestCloseReportsCheckinFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.coord.Open(ctx, OpenParams{
		FileID: "file-1", User: User{ID: "u-1"}, Mode: sessions.ModeEdit,
		Provider: "sharepoint",
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	f.lock.checkinErr = &checkout.AdapterError{Code: checkout.CodeUnavailable}
	out, err := f.coord.Close(ctx, CloseParams{FileID: "file-1", Token: res.Token, User: User{ID: "u-1"}})
	if err != nil {
		t.Fatalf("close must not fail on checkin error: %v", err)
	}
	if out.Removed != 1 || out.CheckinError == "" {
		t.Fatalf("expected removal with reported checkin error, got %+v", out)
	}
}

func TestCheck(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.coord.Check(ctx, CheckParams{FileID: "file-1", Token: "ghost"})
	if !IsKind(err, KindSessionExpired) {
		t.Fatalf("expected FILE_SESSION_EXPIRED, got %v", err)
	}

	viewer := f.openView(t, "file-1", "u-1")
	_, err = f.coord.Check(ctx, CheckParams{FileID: "file-1", Token: viewer.Token})
	if !IsKind(err, KindViewOnly) {
		t.Fatalf("expected VIEW_ONLY_SESSION, got %v", err)
	}

	editor := f.openEdit(t, "file-1", "u-2")
	info, err := f.coord.Check(ctx, CheckParams{FileID: "file-1", Token: editor.Token})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if info.Mode != sessions.ModeEdit {
		t.Fatalf("unexpected info: %+v", info)
	}

	if _, err := f.coord.Update(ctx, UpdateParams{
		FileID: "file-1", Token: editor.Token, User: User{ID: "u-2"},
		NewState: sessions.StateSavePending,
	}); err != nil {
		t.Fatalf("enter save pending: %v", err)
	}
	_, err = f.coord.Check(ctx, CheckParams{FileID: "file-1", Token: editor.Token})
	if !IsKind(err, KindSavePending) {
		t.Fatalf("expected FILE_IS_SAVE_PENDING, got %v", err)
	}
}

func TestLegacyViewTTL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.coord.Open(ctx, OpenParams{
		FileID: "file-1", User: User{ID: "u-1"}, Mode: sessions.ModeView,
		Device: DeviceWebLegacy,
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if res.TTLSeconds != 24*60*60 {
		t.Fatalf("expected 24h ttl for legacy view, got %d", res.TTLSeconds)
	}
}

func TestListByAccountSkipsExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.coord.Open(ctx, OpenParams{
		FileID: "file-1", User: User{ID: "u-1"}, Mode: sessions.ModeView,
		AccountID: "acct-1",
	}); err != nil {
		t.Fatalf("open: %v", err)
	}
	list, err := f.coord.ListByAccount(ctx, "acct-1")
	if err != nil || len(list) != 1 {
		t.Fatalf("expected 1 session, got %d err=%v", len(list), err)
	}

	f.clock.Advance(301 * time.Second)
	list, err = f.coord.ListByAccount(ctx, "acct-1")
	if err != nil || len(list) != 0 {
		t.Fatalf("expected no live sessions, got %d err=%v", len(list), err)
	}
}
