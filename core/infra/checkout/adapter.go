package checkout

import (
	"context"
	"errors"
	"fmt"
)

// FileContext identifies a file inside its storage provider.
type FileContext struct {
	FileID     string `json:"file_id"`
	Provider   string `json:"provider"`
	AccountID  string `json:"account_id,omitempty"`
	ExternalID string `json:"external_id,omitempty"`
	UserID     string `json:"user_id,omitempty"`
}

// Well-known adapter error codes.
const (
	CodeAlreadyCheckedOut = "FILE_ALREADY_CHECKED_OUT"
	CodeNotCheckedOut     = "FILE_NOT_CHECKED_OUT"
	CodeUnavailable       = "PROVIDER_UNAVAILABLE"
)

// AdapterError is the structured failure returned by the external lock holder.
type AdapterError struct {
	Code    string `json:"error_code"`
	Message string `json:"message"`
}

func (e *AdapterError) Error() string {
	if e == nil {
		return ""
	}
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsAlreadyCheckedOut reports whether err is the self-healable conflict.
func IsAlreadyCheckedOut(err error) bool {
	var ae *AdapterError
	return errors.As(err, &ae) && ae.Code == CodeAlreadyCheckedOut
}

// Adapter manages the pessimistic lock a third-party storage provider holds
// on a file, independent of local session records.
type Adapter interface {
	Checkout(ctx context.Context, fc FileContext) error
	Checkin(ctx context.Context, fc FileContext) error
}
