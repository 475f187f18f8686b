package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/cadsync/cadsync/core/coordinator"
	"github.com/cadsync/cadsync/core/infra/bus"
	"github.com/cadsync/cadsync/core/infra/logging"
)

const opTimeout = 30 * time.Second

// opHandler serves one bus operation from its raw JSON payload.
type opHandler func(ctx context.Context, data []byte) (any, error)

type opReply struct {
	OK     bool       `json:"ok"`
	Result any        `json:"result,omitempty"`
	Error  *errorBody `json:"error,omitempty"`
}

type accountQuery struct {
	AccountID string `json:"account_id"`
}

type getQuery struct {
	FileID string `json:"file_id"`
}

// opHandlers builds the dispatch map. Every public operation is listed here
// explicitly; there is no registration side channel.
func (s *Server) opHandlers() map[string]opHandler {
	return map[string]opHandler{
		opSave: func(ctx context.Context, data []byte) (any, error) {
			var p coordinator.OpenParams
			if err := json.Unmarshal(data, &p); err != nil {
				return nil, err
			}
			return s.coord.Open(ctx, p)
		},
		opRemove: func(ctx context.Context, data []byte) (any, error) {
			var p coordinator.CloseParams
			if err := json.Unmarshal(data, &p); err != nil {
				return nil, err
			}
			return s.coord.Close(ctx, p)
		},
		opCheck: func(ctx context.Context, data []byte) (any, error) {
			var p coordinator.CheckParams
			if err := json.Unmarshal(data, &p); err != nil {
				return nil, err
			}
			return s.coord.Check(ctx, p)
		},
		opGet: func(ctx context.Context, data []byte) (any, error) {
			var q getQuery
			if err := json.Unmarshal(data, &q); err != nil {
				return nil, err
			}
			return s.coord.Get(ctx, q.FileID)
		},
		opUpdate: func(ctx context.Context, data []byte) (any, error) {
			var p coordinator.UpdateParams
			if err := json.Unmarshal(data, &p); err != nil {
				return nil, err
			}
			return s.coord.Update(ctx, p)
		},
		opRequest: func(ctx context.Context, data []byte) (any, error) {
			var p coordinator.RequestParams
			if err := json.Unmarshal(data, &p); err != nil {
				return nil, err
			}
			return s.coord.RequestEdit(ctx, p)
		},
		opDeny: func(ctx context.Context, data []byte) (any, error) {
			var p coordinator.DenyParams
			if err := json.Unmarshal(data, &p); err != nil {
				return nil, err
			}
			return s.coord.Deny(ctx, p)
		},
		opAccount: func(ctx context.Context, data []byte) (any, error) {
			var q accountQuery
			if err := json.Unmarshal(data, &q); err != nil {
				return nil, err
			}
			return s.coord.ListByAccount(ctx, q.AccountID)
		},
	}
}

// ServeBus attaches a queue-group responder for every op subject.
func (s *Server) ServeBus(queue string) error {
	if s.bus == nil {
		return nil
	}
	for name, handler := range s.opHandlers() {
		subject := bus.OpSubject(name)
		op := name
		h := handler
		if err := s.bus.Respond(subject, queue, func(data []byte) []byte {
			return s.serveOp(op, h, data)
		}); err != nil {
			return err
		}
		logging.Info(logComponent, "op responder attached", "subject", subject)
	}
	return nil
}

func (s *Server) serveOp(op string, h opHandler, data []byte) []byte {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if err := validatePayload(op, data); err != nil {
		return encodeReply(opReply{OK: false, Error: &errorBody{ErrorCode: "INVALID_PAYLOAD", Message: err.Error()}})
	}
	result, err := h(ctx, data)
	if err != nil {
		var ce *coordinator.Error
		if errors.As(err, &ce) {
			body := &errorBody{ErrorCode: string(ce.Kind), Message: ce.Message, Editor: ce.Editor}
			if ce.RetryAfter > 0 {
				body.RetryAfterSeconds = int64(ce.RetryAfter.Seconds()) + 1
			}
			return encodeReply(opReply{OK: false, Error: body})
		}
		logging.Error(logComponent, "op failed", "op", op, "error", err)
		return encodeReply(opReply{OK: false, Error: &errorBody{ErrorCode: "INTERNAL", Message: "internal error"}})
	}
	return encodeReply(opReply{OK: true, Result: result})
}

func encodeReply(r opReply) []byte {
	data, err := json.Marshal(r)
	if err != nil {
		return []byte(`{"ok":false,"error":{"error_code":"INTERNAL"}}`)
	}
	return data
}
