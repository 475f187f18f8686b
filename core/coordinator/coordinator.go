package coordinator

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/cadsync/cadsync/core/infra/bus"
	"github.com/cadsync/cadsync/core/infra/checkout"
	"github.com/cadsync/cadsync/core/infra/logging"
	"github.com/cadsync/cadsync/core/infra/sessions"
)

const logComponent = "COORDINATOR"

// Open grants a new session on a file. EDIT grants are serialized against the
// current holder, the latest stored version and, for providers that hold an
// external pessimistic lock, the checkout state.
func (c *Coordinator) Open(ctx context.Context, p OpenParams) (*OpenResult, error) {
	if p.FileID == "" || p.User.ID == "" {
		return nil, E(KindIDsMissing, "file id and user id are required")
	}
	if p.Mode == "" {
		p.Mode = sessions.ModeView
	}

	deleted, err := c.queries.TrashStatus(ctx, p.FileID, p.Provider)
	if err != nil || deleted {
		// The file is gone or unreadable either way; drop it from the
		// caller's recent list so they stop landing here.
		_ = c.queries.EvictRecent(p.FileID, p.User.ID)
		if err != nil {
			return nil, E(KindFileDeleted, "file %s is not accessible: %v", p.FileID, err)
		}
		return nil, E(KindFileDeleted, "file %s is trashed", p.FileID)
	}

	if p.Mode == sessions.ModeEdit {
		if err := c.clearEditPath(ctx, p); err != nil {
			return nil, err
		}
		if p.ExpectedVersionID != "" {
			if err := c.checkVersion(ctx, p.FileID, p.Provider, p.ExpectedVersionID); err != nil {
				return nil, err
			}
		}
	}

	token := uuid.NewString()
	reserved := false
	if p.Mode == sessions.ModeEdit && c.tun.Coordination.EditReservation {
		ok, err := c.store.ReserveEdit(ctx, p.FileID, token, c.tun.EditTTL())
		if err != nil {
			return nil, err
		}
		if !ok {
			c.metrics.IncSessionConflict("edit_reservation")
			return nil, E(KindExistingEditor, "file %s is already reserved for editing", p.FileID)
		}
		reserved = true
	}

	if p.Mode == sessions.ModeEdit && c.tun.RequiresCheckout(p.Provider) {
		if err := c.ensureCheckout(ctx, checkout.FileContext{
			FileID:     p.FileID,
			Provider:   p.Provider,
			AccountID:  p.AccountID,
			ExternalID: p.ExternalID,
			UserID:     p.User.ID,
		}); err != nil {
			if reserved {
				_ = c.store.ReleaseEdit(ctx, p.FileID, token)
			}
			return nil, err
		}
	}

	ttl := c.sessionTTL(p.Mode, p.Device)
	now := c.now()
	sess := &sessions.Session{
		FileID:          p.FileID,
		Token:           token,
		Mode:            p.Mode,
		State:           sessions.StateActive,
		UserID:          p.User.ID,
		Name:            p.User.Name,
		Surname:         p.User.Surname,
		Email:           p.User.Email,
		ClientSessionID: p.ClientSessionID,
		Provider:        p.Provider,
		AccountID:       p.AccountID,
		ExternalID:      p.ExternalID,
		Device:          p.Device,
		LastActivity:    now.Unix(),
		ExpiresAt:       now.Add(ttl).Unix(),
	}
	if err := c.store.Create(ctx, sess, ttl); err != nil {
		if reserved {
			_ = c.store.ReleaseEdit(ctx, p.FileID, token)
		}
		return nil, err
	}

	c.metrics.IncSessionOpened(string(p.Mode), p.Provider)
	logging.Info(logComponent, "session opened",
		"file", p.FileID, "mode", p.Mode, "user", p.User.ID, "device", p.Device)
	c.announceOpen(p)

	return &OpenResult{Token: token, Mode: p.Mode, TTLSeconds: int64(ttl.Seconds())}, nil
}

// clearEditPath resolves any live EDIT holder blocking a new EDIT grant.
// Returns nil when the path is clear.
func (c *Coordinator) clearEditPath(ctx context.Context, p OpenParams) error {
	holder, err := c.activeEditor(ctx, p.FileID, "")
	if err != nil {
		return err
	}
	if holder == nil {
		return nil
	}

	if c.tun.RequiresCheckout(p.Provider) && holder.State == sessions.StateSavePending {
		if err := c.awaitSaveAndRemoval(ctx, p.FileID, holder.Token); err != nil {
			return err
		}
		holder, err = c.activeEditor(ctx, p.FileID, "")
		if err != nil {
			return err
		}
		if holder == nil {
			return nil
		}
	}

	if p.Force && holder.UserID == p.User.ID {
		return c.takeOver(ctx, holder)
	}

	c.metrics.IncSessionConflict("existing_editor")
	e := E(KindExistingEditor, "file %s is being edited", p.FileID)
	e.Editor = editorInfo(holder)
	return e
}

// takeOver downgrades the caller's own stray EDIT session so the new one can
// be granted. The displaced client learns about it via the downgrade event.
func (c *Coordinator) takeOver(ctx context.Context, holder *sessions.Session) error {
	down := holder.Clone()
	down.Mode = sessions.ModeView
	remaining := time.Unix(holder.ExpiresAt, 0).Sub(c.now())
	if remaining < time.Second {
		remaining = time.Second
	}
	err := c.store.Update(ctx, down, remaining)
	switch {
	case err == nil:
	case errors.Is(err, sessions.ErrNotFound):
		// holder vanished on its own, nothing to displace
		return nil
	case errors.Is(err, sessions.ErrRevConflict):
		c.metrics.IncSessionConflict("takeover_race")
		return E(KindExistingEditor, "editing session for file %s changed, retry", holder.FileID)
	default:
		return err
	}
	_ = c.store.ReleaseEdit(ctx, holder.FileID, holder.Token)
	c.publishEvent(bus.Event{
		Type:   bus.EventSessionDowngrade,
		FileID: holder.FileID,
		Token:  holder.Token,
		Mode:   string(sessions.ModeView),
		UserID: holder.UserID,
	})
	logging.Info(logComponent, "forced takeover downgraded prior session",
		"file", holder.FileID, "token", holder.Token, "user", holder.UserID)
	return nil
}

// awaitSaveAndRemoval waits out an EDIT holder that is flushing its changes to
// the external store: first for SAVE_PENDING to clear, then for the record to
// disappear. Both polls are bounded.
func (c *Coordinator) awaitSaveAndRemoval(ctx context.Context, fileID, token string) error {
	cleared, err := poll(ctx, c.tun.Polling.SavePendingAttempts, c.tun.SavePendingDelay(), func(ctx context.Context) (bool, error) {
		s, err := c.store.Get(ctx, fileID, token)
		if errors.Is(err, sessions.ErrNotFound) {
			return true, nil
		}
		if err != nil {
			return false, err
		}
		return s.State != sessions.StateSavePending, nil
	})
	if err != nil {
		return err
	}
	if !cleared {
		c.metrics.IncPollExhausted("save_pending")
		return E(KindSavePending, "file %s save still pending", fileID)
	}

	removed, err := poll(ctx, c.tun.Polling.RemovalAttempts, c.tun.RemovalDelay(), func(ctx context.Context) (bool, error) {
		_, err := c.store.Get(ctx, fileID, token)
		if errors.Is(err, sessions.ErrNotFound) {
			return true, nil
		}
		if err != nil {
			return false, err
		}
		return false, nil
	})
	if err != nil {
		return err
	}
	if !removed {
		c.metrics.IncPollExhausted("removal")
		return E(KindSavePending, "previous editing session on file %s still closing", fileID)
	}
	return nil
}

// ensureCheckout acquires the provider's pessimistic lock. A lock left behind
// by a crashed editor is recycled with a checkin followed by a fresh checkout.
func (c *Coordinator) ensureCheckout(ctx context.Context, fc checkout.FileContext) error {
	err := c.lock.Checkout(ctx, fc)
	if err == nil {
		return nil
	}
	if checkout.IsAlreadyCheckedOut(err) {
		if inErr := c.lock.Checkin(ctx, fc); inErr == nil {
			if outErr := c.lock.Checkout(ctx, fc); outErr == nil {
				c.metrics.IncCheckoutSelfHeal()
				logging.Info(logComponent, "recovered dangling checkout",
					"file", fc.FileID, "provider", fc.Provider)
				return nil
			}
		}
	}
	c.metrics.IncSessionConflict("checkout")
	logging.Error(logComponent, "checkout failed",
		"file", fc.FileID, "provider", fc.Provider, "err", err)
	return E(KindCheckoutFailed, "checkout failed for file %s: %v", fc.FileID, err)
}

func (c *Coordinator) checkVersion(ctx context.Context, fileID, provider, expected string) error {
	latest, err := c.queries.LatestVersion(ctx, fileID, provider)
	if err != nil {
		return E(KindLatestVersionError, "latest version lookup failed for file %s: %v", fileID, err)
	}
	if latest != expected {
		c.metrics.IncSessionConflict("version")
		return E(KindVersionConflict, "file %s is at version %s, expected %s", fileID, latest, expected)
	}
	return nil
}

func (c *Coordinator) announceOpen(p OpenParams) {
	_ = c.queries.Subscribe(p.FileID, p.Provider)
	_ = c.queries.TouchRecent(p.FileID, p.User.ID)
}

// activeEditor returns the live EDIT holder for a file, or nil. Stale and
// clock-expired records do not count.
func (c *Coordinator) activeEditor(ctx context.Context, fileID, excludeToken string) (*sessions.Session, error) {
	list, err := c.store.List(ctx, fileID)
	if err != nil {
		return nil, err
	}
	now := c.now().Unix()
	for _, s := range list {
		if s.Token == excludeToken {
			continue
		}
		if s.Mode != sessions.ModeEdit || s.State == sessions.StateStale {
			continue
		}
		if s.ExpiresAt > 0 && s.ExpiresAt <= now {
			continue
		}
		return s, nil
	}
	return nil, nil
}

// Update mutates an existing session under a conditional write. A lost
// revision race surfaces as FILE_SESSION_EXPIRED and is never retried; the
// client reopens instead.
func (c *Coordinator) Update(ctx context.Context, p UpdateParams) (*UpdateResult, error) {
	if p.FileID == "" || (p.Token == "" && p.ClientSessionID == "") {
		return nil, E(KindIDsMissing, "file id and a session identifier are required")
	}

	sess, err := c.resolve(ctx, p.FileID, p.Token, p.ClientSessionID)
	if err != nil {
		if errors.Is(err, sessions.ErrNotFound) {
			if p.SkipValidation {
				return &UpdateResult{Skipped: true}, nil
			}
			return nil, E(KindSessionExpired, "no session for file %s", p.FileID)
		}
		return nil, err
	}
	if p.User.ID != "" && sess.UserID != p.User.ID {
		return nil, E(KindSessionExpired, "session on file %s is not owned by caller", p.FileID)
	}
	// SAVE_PENDING freezes the record except for explicit state transitions
	// (the saver itself flips it back or forward). Mode stays locked until
	// the state is resolved, even on the resolving call.
	if sess.State == sessions.StateSavePending {
		if p.NewState == "" {
			c.metrics.IncSessionConflict("save_pending")
			return nil, E(KindSavePending, "file %s save is pending", p.FileID)
		}
		if p.NewMode != "" && p.NewMode != sess.Mode {
			c.metrics.IncSessionConflict("save_pending")
			return nil, E(KindSavePending, "file %s save is pending, mode is locked until it resolves", p.FileID)
		}
	}

	// A raced double EDIT grant is caught here: the first heartbeat that
	// notices a rival editor loses and its record is retired, so the
	// survivor's next heartbeat sees a clear file.
	if sess.Mode == sessions.ModeEdit && p.NewMode != sessions.ModeView {
		rival, err := c.activeEditor(ctx, p.FileID, sess.Token)
		if err != nil {
			return nil, err
		}
		if rival != nil {
			c.retireDuplicate(ctx, sess)
			c.metrics.IncSessionConflict("duplicate_edit")
			e := E(KindExistingEditor, "file %s has a concurrent editing session", p.FileID)
			e.Editor = editorInfo(rival)
			return nil, e
		}
	}

	next := sess.Clone()
	if p.NewState != "" {
		next.State = p.NewState
	}
	now := c.now()
	for _, ch := range p.Changes {
		if ch.ID == "" {
			ch.ID = uuid.NewString()
		}
		if ch.Status == "" {
			ch.Status = sessions.ChangeCurrent
		}
		if ch.CreatedAt == 0 {
			ch.CreatedAt = now.Unix()
		}
		next.Changes = append(next.Changes, ch)
	}
	if p.ChangesSaved {
		for i := range next.Changes {
			next.Changes[i].Status = sessions.ChangeSaved
		}
	}

	modeChanged := false
	if p.NewMode != "" && p.NewMode != sess.Mode {
		switch p.NewMode {
		case sessions.ModeEdit:
			if err := c.upgrade(ctx, sess, p.ExpectedVersionID); err != nil {
				return nil, err
			}
		case sessions.ModeView:
			// release happens after the write lands
		default:
			return nil, E(KindIDsMissing, "unknown mode %q", p.NewMode)
		}
		next.Mode = p.NewMode
		modeChanged = true
	}

	// TTL refresh is rate limited and never shortens the record's life.
	full := c.sessionTTL(next.Mode, next.Device)
	curExpiry := time.Unix(sess.ExpiresAt, 0)
	expiry := curExpiry
	if modeChanged || now.Sub(time.Unix(sess.LastActivity, 0)) >= c.tun.MinRefreshInterval() {
		next.LastActivity = now.Unix()
		if e := now.Add(full); e.After(expiry) {
			expiry = e
		}
	}
	next.ExpiresAt = expiry.Unix()
	ttl := expiry.Sub(now)
	if ttl < time.Second {
		ttl = time.Second
	}

	if err := c.store.Update(ctx, next, ttl); err != nil {
		if errors.Is(err, sessions.ErrRevConflict) || errors.Is(err, sessions.ErrNotFound) {
			c.metrics.IncSessionConflict("revision")
			return nil, E(KindSessionExpired, "session on file %s changed concurrently", p.FileID)
		}
		return nil, err
	}

	if modeChanged && next.Mode == sessions.ModeView {
		_ = c.store.ReleaseEdit(ctx, p.FileID, next.Token)
		c.resolveContention(ctx, p.FileID, next.Token, p.Applicant)
		if c.tun.RequiresCheckout(next.Provider) {
			c.checkinQuietly(ctx, next)
		}
		logging.Info(logComponent, "session downgraded",
			"file", p.FileID, "token", next.Token, "user", next.UserID)
	}

	return &UpdateResult{
		Token:      next.Token,
		Mode:       next.Mode,
		State:      next.State,
		TTLSeconds: int64(ttl.Seconds()),
	}, nil
}

// retireDuplicate marks the losing half of a double EDIT grant stale. A lost
// write here means the record changed under us and the next heartbeat
// re-evaluates anyway.
func (c *Coordinator) retireDuplicate(ctx context.Context, sess *sessions.Session) {
	down := sess.Clone()
	down.State = sessions.StateStale
	remaining := time.Unix(sess.ExpiresAt, 0).Sub(c.now())
	if remaining < time.Second {
		remaining = time.Second
	}
	err := c.store.Update(ctx, down, remaining)
	if err != nil && !errors.Is(err, sessions.ErrNotFound) && !errors.Is(err, sessions.ErrRevConflict) {
		logging.Error(logComponent, "failed to retire duplicate editing session",
			"file", sess.FileID, "token", sess.Token, "err", err)
	}
	_ = c.store.ReleaseEdit(ctx, sess.FileID, sess.Token)
}

// upgrade clears the VIEW to EDIT transition for sess.
func (c *Coordinator) upgrade(ctx context.Context, sess *sessions.Session, expectedVersion string) error {
	holder, err := c.activeEditor(ctx, sess.FileID, sess.Token)
	if err != nil {
		return err
	}
	if holder != nil {
		c.metrics.IncSessionConflict("existing_editor")
		e := E(KindExistingEditor, "file %s is being edited", sess.FileID)
		e.Editor = editorInfo(holder)
		return e
	}
	if expectedVersion != "" {
		if err := c.checkVersion(ctx, sess.FileID, sess.Provider, expectedVersion); err != nil {
			return err
		}
	}
	reserved := false
	if c.tun.Coordination.EditReservation {
		ok, err := c.store.ReserveEdit(ctx, sess.FileID, sess.Token, c.tun.EditTTL())
		if err != nil {
			return err
		}
		if !ok {
			c.metrics.IncSessionConflict("edit_reservation")
			return E(KindExistingEditor, "file %s is already reserved for editing", sess.FileID)
		}
		reserved = true
	}
	if c.tun.RequiresCheckout(sess.Provider) {
		if err := c.ensureCheckout(ctx, fileContextOf(sess)); err != nil {
			if reserved {
				_ = c.store.ReleaseEdit(ctx, sess.FileID, sess.Token)
			}
			return err
		}
	}
	return nil
}

// Close removes a session. Removal is an owner-only operation; removing a
// missing session is not an error.
func (c *Coordinator) Close(ctx context.Context, p CloseParams) (*CloseResult, error) {
	if p.FileID == "" || p.User.ID == "" || (p.Token == "" && p.ClientSessionID == "") {
		return nil, E(KindIDsMissing, "file id, user id and a session identifier are required")
	}

	sess, err := c.resolve(ctx, p.FileID, p.Token, p.ClientSessionID)
	if err != nil {
		if errors.Is(err, sessions.ErrNotFound) {
			return &CloseResult{Removed: 0}, nil
		}
		return nil, err
	}
	if sess.UserID != p.User.ID {
		return nil, E(KindSessionExpired, "session on file %s is not owned by caller", p.FileID)
	}

	var checkinErr string
	if sess.Mode == sessions.ModeEdit && c.tun.RequiresCheckout(sess.Provider) {
		if err := c.lock.Checkin(ctx, fileContextOf(sess)); err != nil && !isNotCheckedOut(err) {
			// the record still goes away; the lock is recycled by the
			// next editor's self-heal
			checkinErr = err.Error()
			logging.Error(logComponent, "checkin failed on close",
				"file", p.FileID, "provider", sess.Provider, "err", err)
		}
	}

	_ = c.store.ReleaseEdit(ctx, p.FileID, sess.Token)
	if err := c.store.Delete(ctx, p.FileID, sess.Token); err != nil {
		return nil, err
	}

	c.publishEvent(bus.Event{
		Type:   bus.EventSessionDeleted,
		FileID: p.FileID,
		Token:  sess.Token,
		Mode:   string(sess.Mode),
		UserID: sess.UserID,
	})
	c.metrics.IncSessionClosed(string(sess.Mode))
	logging.Info(logComponent, "session closed",
		"file", p.FileID, "mode", sess.Mode, "user", sess.UserID)

	return &CloseResult{Removed: 1, VacatedMode: sess.Mode, CheckinError: checkinErr}, nil
}

// Check verifies that token still grants write access to the file.
func (c *Coordinator) Check(ctx context.Context, p CheckParams) (*SessionInfo, error) {
	if p.FileID == "" || p.Token == "" {
		return nil, E(KindIDsMissing, "file id and token are required")
	}
	sess, err := c.store.Get(ctx, p.FileID, p.Token)
	if err != nil {
		if errors.Is(err, sessions.ErrNotFound) {
			return nil, E(KindSessionExpired, "no session for file %s", p.FileID)
		}
		return nil, err
	}
	if sess.ExpiresAt > 0 && sess.ExpiresAt <= c.now().Unix() {
		return nil, E(KindSessionExpired, "session on file %s expired", p.FileID)
	}
	if sess.Mode != sessions.ModeEdit {
		return nil, E(KindViewOnly, "session on file %s is view only", p.FileID)
	}
	if sess.State == sessions.StateSavePending {
		return nil, E(KindSavePending, "file %s save is pending", p.FileID)
	}
	info := infoOf(sess)
	return &info, nil
}

// Get lists the live sessions on a file.
func (c *Coordinator) Get(ctx context.Context, fileID string) ([]SessionInfo, error) {
	if fileID == "" {
		return nil, E(KindIDsMissing, "file id is required")
	}
	list, err := c.store.List(ctx, fileID)
	if err != nil {
		return nil, err
	}
	return c.project(list), nil
}

// ListByAccount lists the live sessions tied to an external account.
func (c *Coordinator) ListByAccount(ctx context.Context, accountID string) ([]SessionInfo, error) {
	if accountID == "" {
		return nil, E(KindIDsMissing, "account id is required")
	}
	list, err := c.store.ListByAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return c.project(list), nil
}

func (c *Coordinator) project(list []*sessions.Session) []SessionInfo {
	now := c.now().Unix()
	out := make([]SessionInfo, 0, len(list))
	for _, s := range list {
		if s.ExpiresAt > 0 && s.ExpiresAt <= now {
			continue
		}
		out = append(out, infoOf(s))
	}
	return out
}

func (c *Coordinator) resolve(ctx context.Context, fileID, token, clientSessionID string) (*sessions.Session, error) {
	if token != "" {
		return c.store.Get(ctx, fileID, token)
	}
	return c.store.GetByClient(ctx, fileID, clientSessionID)
}

func (c *Coordinator) checkinQuietly(ctx context.Context, sess *sessions.Session) {
	if err := c.lock.Checkin(ctx, fileContextOf(sess)); err != nil && !isNotCheckedOut(err) {
		logging.Error(logComponent, "checkin failed on downgrade",
			"file", sess.FileID, "provider", sess.Provider, "err", err)
	}
}

func fileContextOf(s *sessions.Session) checkout.FileContext {
	return checkout.FileContext{
		FileID:     s.FileID,
		Provider:   s.Provider,
		AccountID:  s.AccountID,
		ExternalID: s.ExternalID,
		UserID:     s.UserID,
	}
}

func isNotCheckedOut(err error) bool {
	var ae *checkout.AdapterError
	return errors.As(err, &ae) && ae.Code == checkout.CodeNotCheckedOut
}
