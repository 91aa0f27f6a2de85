package control

import "fmt"

// Error is a Control Service command failure carrying the HTTP-style
// status code spec.md §4.2 assigns to each rejection (409 conflict, 404
// not found) so callers across the wire (operator WebSocket, TUI) can
// render a consistent message without string-matching Error().
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// ErrConflict reports a 409: the session already exists, or is not in
// the state the command requires.
func ErrConflict(format string, args ...any) *Error {
	return &Error{Code: 409, Message: fmt.Sprintf(format, args...)}
}

// ErrNotFound reports a 404: the referenced session is unknown.
func ErrNotFound(format string, args ...any) *Error {
	return &Error{Code: 404, Message: fmt.Sprintf(format, args...)}
}
