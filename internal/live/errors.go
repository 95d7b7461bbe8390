package live

import (
	"errors"
	"fmt"
)

// Code classifies a coordination failure for the wire envelope
// {success:false, error, code} and for HTTP status mapping.
type Code string

const (
	CodeNotFound         Code = "NOT_FOUND"
	CodeInvalidState     Code = "INVALID_STATE"
	CodePermissionDenied Code = "PERMISSION_DENIED"
	CodeRoomFull         Code = "ROOM_FULL"
	CodeConflict         Code = "CONFLICT"
	CodeRateExceeded     Code = "RATE_EXCEEDED"
)

// Error is a structured coordination failure returned to the caller.
// These are recovered at the originating request; they never take down
// a connection-handling goroutine or other rooms' state.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NotFoundf reports an unknown session, room, token or breakout room.
func NotFoundf(format string, args ...interface{}) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

// InvalidStatef reports an action against the wrong lifecycle phase.
func InvalidStatef(format string, args ...interface{}) *Error {
	return &Error{Code: CodeInvalidState, Message: fmt.Sprintf(format, args...)}
}

// PermissionDeniedf reports a non-host host-only action or a forbidden self-target.
func PermissionDeniedf(format string, args ...interface{}) *Error {
	return &Error{Code: CodePermissionDenied, Message: fmt.Sprintf(format, args...)}
}

// RoomFullf reports a join against a room at capacity.
func RoomFullf(format string, args ...interface{}) *Error {
	return &Error{Code: CodeRoomFull, Message: fmt.Sprintf(format, args...)}
}

// Conflictf reports a duplicate active resource.
func Conflictf(format string, args ...interface{}) *Error {
	return &Error{Code: CodeConflict, Message: fmt.Sprintf(format, args...)}
}

// RateExceededf reports exhausted reconnection attempts.
func RateExceededf(format string, args ...interface{}) *Error {
	return &Error{Code: CodeRateExceeded, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the failure code from err, or empty if err is not a *Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
