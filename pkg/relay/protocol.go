package relay

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Frame operations. Requests carry an ID and get exactly one OpResult
// frame with the same ID. OpEvent frames carry subscription deliveries.
const (
	OpWrite          = "write"
	OpUpdate         = "update"
	OpDelete         = "delete"
	OpCompareDelete  = "compare_delete"
	OpRead           = "read"
	OpAppend         = "append"
	OpSubscribeChild = "sub_child"
	OpSubscribeValue = "sub_value"
	OpUnsubscribe    = "unsub"
	OpOnDisconnect   = "on_disconnect"

	OpResult = "result"
	OpEvent  = "event"
)

// Error codes carried in result frames.
const (
	CodeBadRequest  = "bad_request"
	CodeInvalidPath = "invalid_path"
	CodeUnavailable = "unavailable"
	CodeClosed      = "closed"
)

// Frame is one websocket message between a RemoteStore and a Gateway.
type Frame struct {
	ID     uint64                     `json:"id,omitempty"`
	Op     string                     `json:"op"`
	Path   string                     `json:"path,omitempty"`
	Key    string                     `json:"key,omitempty"`
	Sub    uint64                     `json:"sub,omitempty"`
	Value  json.RawMessage            `json:"value,omitempty"`
	Fields map[string]json.RawMessage `json:"fields,omitempty"`
	Action string                     `json:"action,omitempty"`
	Error  *FrameError                `json:"error,omitempty"`
}

// FrameError describes a failed request.
type FrameError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *FrameError) Error() string {
	return e.Code + ": " + e.Message
}

// snapshot converts an event frame.
func (f Frame) snapshot() Snapshot {
	return Snapshot{Path: f.Path, Key: f.Key, Raw: f.Value}
}

// errorFrame maps a store error to its wire form.
func errorFrame(err error) *FrameError {
	if err == nil {
		return nil
	}
	var fe *FrameError
	if errors.As(err, &fe) {
		return fe
	}
	code := CodeUnavailable
	switch {
	case errors.Is(err, ErrInvalidPath):
		code = CodeInvalidPath
	case errors.Is(err, ErrClosed):
		code = CodeClosed
	}
	return &FrameError{Code: code, Message: err.Error()}
}

// remoteError maps a wire error back to the error taxonomy.
func remoteError(op, path string, fe *FrameError) error {
	if fe == nil {
		return nil
	}
	switch fe.Code {
	case CodeInvalidPath:
		return fmt.Errorf("%w: %s", ErrInvalidPath, fe.Message)
	case CodeBadRequest:
		return fmt.Errorf("relay %s %q: %s", op, path, fe.Message)
	default:
		return opError(op, path, fe)
	}
}

func parseAction(s string) (DisconnectAction, error) {
	switch s {
	case "", DisconnectRemove.String():
		return DisconnectRemove, nil
	case DisconnectCancel.String():
		return DisconnectCancel, nil
	default:
		return 0, fmt.Errorf("unknown disconnect action %q", s)
	}
}
