package server

import (
	"errors"
	"fmt"

	"github.com/npezzotti/skillswap-chat/internal/auth"
)

var (
	ErrAuthRejected    = auth.ErrAuthRejected
	ErrIdentityGone    = auth.ErrIdentityGone
	ErrNotAParticipant = errors.New("not a participant of the conversation")
	ErrQuotaExceeded   = errors.New("monthly message limit reached")
	ErrNotAuthorized   = errors.New("not authorized")
	ErrPersistence     = errors.New("failed to store message")
	ErrTransport       = errors.New("delivery failed")
	ErrNotJoined       = errors.New("conversation not joined")
	ErrInvalidMessage  = errors.New("invalid message")
	ErrRateLimited     = errors.New("too many events")
	ErrNotFound        = errors.New("not found")

	// errConnClosed marks a delivery to a connection that already stopped.
	errConnClosed = fmt.Errorf("%w: connection closed", ErrTransport)
)

const codeInternal = "internal_error"

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrAuthRejected, "auth_rejected"},
	{ErrIdentityGone, "identity_gone"},
	{ErrNotAParticipant, "not_a_participant"},
	{ErrQuotaExceeded, "quota_exceeded"},
	{ErrNotAuthorized, "not_authorized"},
	{ErrPersistence, "persistence_error"},
	{ErrNotJoined, "not_joined"},
	{ErrInvalidMessage, "invalid_message"},
	{ErrRateLimited, "rate_limited"},
	{ErrNotFound, "not_found"},
}

// classify returns the wire code and the client-facing message for err.
// Wrapped details are never exposed.
func classify(err error) (string, string) {
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code, ec.err.Error()
		}
	}

	return codeInternal, "internal server error"
}
