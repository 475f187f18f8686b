package coordinator

import (
	"context"
	"errors"
	"time"

	"github.com/cadsync/cadsync/core/infra/bus"
	"github.com/cadsync/cadsync/core/infra/logging"
	"github.com/cadsync/cadsync/core/infra/sessions"
)

// requestRetention keeps a consumed request record around past its TTL and
// grace so a late deny gets the precise stale error instead of "missing".
const requestRetention = time.Minute

// RequestEdit asks the current EDIT holder to yield the file. The ask is a
// time-boxed record plus a notification; nothing is granted until the holder
// downgrades or leaves.
func (c *Coordinator) RequestEdit(ctx context.Context, p RequestParams) (*RequestResult, error) {
	if p.FileID == "" || p.Token == "" {
		return nil, E(KindIDsMissing, "file id and token are required")
	}
	requester, err := c.store.Get(ctx, p.FileID, p.Token)
	if err != nil {
		if errors.Is(err, sessions.ErrNotFound) {
			return nil, E(KindSessionExpired, "no session for file %s", p.FileID)
		}
		return nil, err
	}

	holder, err := c.activeEditor(ctx, p.FileID, "")
	if err != nil {
		return nil, err
	}
	if holder == nil {
		return nil, E(KindRequestMissing, "no editing session on file %s to request", p.FileID)
	}
	if holder.Token == requester.Token {
		// The caller's own other tab holds EDIT. Poke it directly.
		c.publishEvent(bus.Event{
			Type:      bus.EventSessionRequested,
			FileID:    p.FileID,
			Token:     holder.Token,
			Applicant: requester.Token,
			UserID:    requester.UserID,
			UserName:  requester.Name,
			UserEmail: requester.Email,
		})
		return &RequestResult{SelfNotified: true}, nil
	}

	now := c.now()
	if prev, err := c.store.GetRequest(ctx, p.FileID, p.Token); err == nil {
		remaining := time.Unix(prev.ExpiresAt, 0).Sub(now)
		if remaining > 0 {
			e := E(KindRequestPending, "request already pending, wait %d seconds", int64(remaining.Seconds())+1)
			e.RetryAfter = remaining
			return nil, e
		}
		// leftover past its TTL, replace it
		_ = c.store.DeleteRequest(ctx, p.FileID, p.Token)
	} else if !errors.Is(err, sessions.ErrNotFound) {
		return nil, err
	}

	req := &sessions.Request{
		FileID:    p.FileID,
		Requester: requester.Token,
		Editor:    holder.Token,
		CreatedAt: now.Unix(),
		ExpiresAt: now.Add(c.tun.RequestTTL()).Unix(),
	}
	storeTTL := c.tun.RequestTTL() + c.tun.RequestGrace() + requestRetention
	if err := c.store.CreateRequest(ctx, req, storeTTL); err != nil {
		if errors.Is(err, sessions.ErrExists) {
			e := E(KindRequestPending, "request already pending, wait %d seconds", int64(c.tun.RequestTTL().Seconds()))
			e.RetryAfter = c.tun.RequestTTL()
			return nil, e
		}
		return nil, err
	}

	c.publishEvent(bus.Event{
		Type:      bus.EventSessionRequested,
		FileID:    p.FileID,
		Token:     holder.Token,
		Applicant: requester.Token,
		UserID:    requester.UserID,
		UserName:  requester.Name,
		UserEmail: requester.Email,
	})
	c.metrics.IncContentionRequested()
	logging.Info(logComponent, "edit requested",
		"file", p.FileID, "requester", requester.Token, "editor", holder.Token)
	return &RequestResult{}, nil
}

// Deny rejects one pending contention request, or all of them when Requester
// is "*". Only the current holder of the named editor token may deny.
func (c *Coordinator) Deny(ctx context.Context, p DenyParams) (*DenyResult, error) {
	if p.FileID == "" || p.Token == "" || p.Requester == "" {
		return nil, E(KindIDsMissing, "file id, token and requester are required")
	}
	editor, err := c.store.Get(ctx, p.FileID, p.Token)
	if err != nil {
		if errors.Is(err, sessions.ErrNotFound) {
			return nil, E(KindSessionExpired, "no session for file %s", p.FileID)
		}
		return nil, err
	}

	if p.Requester == "*" {
		reqs, err := c.store.ListRequests(ctx, p.FileID, editor.Token)
		if err != nil {
			return nil, err
		}
		denied := 0
		for _, r := range reqs {
			if err := c.denyOne(ctx, r); err == nil {
				denied++
			}
		}
		return &DenyResult{Denied: denied}, nil
	}

	r, err := c.store.GetRequest(ctx, p.FileID, p.Requester)
	if err != nil {
		if errors.Is(err, sessions.ErrNotFound) {
			return nil, E(KindRequestMissing, "no request from %s on file %s", p.Requester, p.FileID)
		}
		return nil, err
	}
	if r.Editor != editor.Token {
		return nil, E(KindRequestMissing, "request from %s is not addressed to this session", p.Requester)
	}
	if err := c.denyOne(ctx, r); err != nil {
		return nil, err
	}
	return &DenyResult{Denied: 1}, nil
}

func (c *Coordinator) denyOne(ctx context.Context, r *sessions.Request) error {
	if r.Denied {
		return E(KindRequestDenied, "request from %s was already denied", r.Requester)
	}
	grace := int64(c.tun.RequestGrace().Seconds())
	if c.now().Unix() > r.ExpiresAt+grace {
		return E(KindRequestExpired, "request from %s has expired", r.Requester)
	}

	next := *r
	next.Denied = true
	if err := c.store.UpdateRequest(ctx, &next); err != nil {
		if errors.Is(err, sessions.ErrRevConflict) || errors.Is(err, sessions.ErrNotFound) {
			return E(KindRequestDenied, "request from %s was already handled", r.Requester)
		}
		return err
	}

	c.publishEvent(bus.Event{
		Type:      bus.EventSessionDenied,
		FileID:    r.FileID,
		Token:     r.Editor,
		Applicant: r.Requester,
	})
	c.metrics.IncContentionResolved("denied")
	return nil
}

// resolveContention settles the waiting requests once the editor downgrades.
// The explicit applicant wins when named and live, otherwise the oldest live
// request does; everyone else is turned away. All records are consumed.
func (c *Coordinator) resolveContention(ctx context.Context, fileID, editorToken, applicant string) {
	reqs, err := c.store.ListRequests(ctx, fileID, editorToken)
	if err != nil || len(reqs) == 0 {
		return
	}
	now := c.now().Unix()
	grace := int64(c.tun.RequestGrace().Seconds())

	var winner *sessions.Request
	for _, r := range reqs {
		if r.Denied || now > r.ExpiresAt+grace {
			continue
		}
		if r.Requester == applicant {
			winner = r
			break
		}
		if winner == nil {
			winner = r
		}
	}

	for _, r := range reqs {
		_ = c.store.DeleteRequest(ctx, fileID, r.Requester)
		if winner != nil && r.Requester == winner.Requester {
			continue
		}
		if r.Denied {
			continue
		}
		c.publishEvent(bus.Event{
			Type:      bus.EventSessionDenied,
			FileID:    fileID,
			Token:     editorToken,
			Applicant: r.Requester,
		})
		c.metrics.IncContentionResolved("denied")
	}

	if winner != nil {
		c.publishEvent(bus.Event{
			Type:      bus.EventSessionDowngrade,
			FileID:    fileID,
			Token:     editorToken,
			Mode:      string(sessions.ModeView),
			Applicant: winner.Requester,
		})
		c.metrics.IncContentionResolved("granted")
		logging.Info(logComponent, "contention resolved",
			"file", fileID, "granted", winner.Requester)
	}
}
