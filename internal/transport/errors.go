package transport

import (
	"errors"

	"collabwiki/api/internal/collab"
)

const (
	CodePermissionDenied       = "PERMISSION_DENIED"
	CodeNotJoined              = "NOT_JOINED"
	CodeEditPermissionRequired = "EDIT_PERMISSION_REQUIRED"
	CodeRoomFull               = "ROOM_FULL"
	CodeCapacityExceeded       = "CAPACITY_EXCEEDED"
	CodeModeConflict           = "MODE_CONFLICT"
	CodeInvalidPayload         = "INVALID_PAYLOAD"
	CodeUnavailable            = "UNAVAILABLE"
)

// ProtocolError is reported to the originating connection only, as a
// collab:error event.
type ProtocolError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ProtocolError) Error() string {
	return e.Code + ": " + e.Message
}

func protocolError(code, message string) *ProtocolError {
	return &ProtocolError{Code: code, Message: message}
}

var (
	errNotJoined    = protocolError(CodeNotJoined, "join the document first")
	errEditRequired = protocolError(CodeEditPermissionRequired, "editor permission required")
	errDenied       = protocolError(CodePermissionDenied, "you do not have access to this document")
)

func invalidPayload(message string) *ProtocolError {
	return protocolError(CodeInvalidPayload, message)
}

// fromRegistryError maps registry refusals onto protocol codes.
func fromRegistryError(err error) *ProtocolError {
	var pe *ProtocolError
	switch {
	case errors.As(err, &pe):
		return pe
	case errors.Is(err, collab.ErrRoomFull):
		return protocolError(CodeRoomFull, "this document has reached its collaborator limit")
	case errors.Is(err, collab.ErrCapacityExceeded):
		return protocolError(CodeCapacityExceeded, "the server is at capacity, try again later")
	case errors.Is(err, collab.ErrModeConflict):
		return protocolError(CodeModeConflict, "this document is open in another editing mode")
	case errors.Is(err, collab.ErrSessionNotFound):
		return errNotJoined
	default:
		return protocolError(CodeUnavailable, "collaboration is temporarily unavailable")
	}
}
