package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cadsync/cadsync/core/infra/bus"
)

const defaultQueryTimeout = 5 * time.Second

// Queries exposes the storage-backed request/reply services the coordinator
// depends on. Implementations translate to the bus subjects in infra/bus.
type Queries interface {
	// LatestVersion returns the storage's current latest version id.
	LatestVersion(ctx context.Context, fileID, provider string) (string, error)
	// TrashStatus reports whether the file is trashed or inaccessible.
	TrashStatus(ctx context.Context, fileID, provider string) (bool, error)
	// EvictRecent drops the user's recent-files entry for the file.
	// Fire-and-forget.
	EvictRecent(fileID, userID string) error
	// TouchRecent bumps the user's recent-files entry for the file.
	// Fire-and-forget.
	TouchRecent(fileID, userID string) error
	// Subscribe bootstraps a change-notification subscription for the file.
	// Fire-and-forget.
	Subscribe(fileID, provider string) error
}

// Requester is the slice of the bus the queries need.
type Requester interface {
	Request(ctx context.Context, subject string, req, resp any) error
	Publish(subject string, v any) error
}

type fileQuery struct {
	FileID   string `json:"file_id"`
	Provider string `json:"provider,omitempty"`
	UserID   string `json:"user_id,omitempty"`
}

type versionReply struct {
	VersionID string `json:"version_id"`
	Error     string `json:"error,omitempty"`
}

type trashReply struct {
	IsDeleted bool   `json:"is_deleted"`
	Error     string `json:"error,omitempty"`
}

// BusQueries implements Queries over the notification bus.
type BusQueries struct {
	bus Requester
}

// NewBusQueries wraps a bus requester.
func NewBusQueries(b Requester) *BusQueries {
	return &BusQueries{bus: b}
}

func (q *BusQueries) LatestVersion(ctx context.Context, fileID, provider string) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()
	var reply versionReply
	if err := q.bus.Request(cctx, bus.SubjectVersionGet, fileQuery{FileID: fileID, Provider: provider}, &reply); err != nil {
		return "", err
	}
	if reply.Error != "" {
		return "", errors.New(reply.Error)
	}
	if reply.VersionID == "" {
		return "", fmt.Errorf("empty version id for file %s", fileID)
	}
	return reply.VersionID, nil
}

func (q *BusQueries) TrashStatus(ctx context.Context, fileID, provider string) (bool, error) {
	cctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()
	var reply trashReply
	if err := q.bus.Request(cctx, bus.SubjectTrashGet, fileQuery{FileID: fileID, Provider: provider}, &reply); err != nil {
		return false, err
	}
	if reply.Error != "" {
		return false, errors.New(reply.Error)
	}
	return reply.IsDeleted, nil
}

func (q *BusQueries) EvictRecent(fileID, userID string) error {
	return q.bus.Publish(bus.SubjectRecentEvict, fileQuery{FileID: fileID, UserID: userID})
}

func (q *BusQueries) TouchRecent(fileID, userID string) error {
	return q.bus.Publish(bus.SubjectRecentTouch, fileQuery{FileID: fileID, UserID: userID})
}

func (q *BusQueries) Subscribe(fileID, provider string) error {
	return q.bus.Publish(bus.SubjectSubscribe, fileQuery{FileID: fileID, Provider: provider})
}
