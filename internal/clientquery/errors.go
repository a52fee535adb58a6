package clientquery

import (
	"errors"
	"fmt"
)

// ErrCommandTimeout is returned by Send when the correlated terminal
// response does not arrive within the caller's deadline. The late response
// is still consumed and discarded, so correlation stays unambiguous.
var ErrCommandTimeout = errors.New("clientquery: command timed out")

// LinkError reports a transport-level failure. The session reacts by
// failing all pending commands, clearing the roster, and reconnecting.
type LinkError struct {
	Err error
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("clientquery: link failure: %v", e.Err)
}

func (e *LinkError) Unwrap() error { return e.Err }

// AuthError reports a rejected or missing API key. Retried with backoff;
// visible in status output until a good key is stored.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return "clientquery: auth failed: " + e.Reason
}

// QueryError is a non-zero terminal status for a command. The command
// completed at the protocol level; the client rejected it.
type QueryError struct {
	ID  int
	Msg string
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("clientquery: error id=%d msg=%q", e.ID, e.Msg)
}
