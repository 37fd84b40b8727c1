package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/voicecraft-project/mccomm/internal/channel"
	"github.com/voicecraft-project/mccomm/internal/participant"
	"github.com/voicecraft-project/mccomm/internal/protocol"
	"github.com/voicecraft-project/mccomm/internal/update"
)

// Deny reasons. Every reason is safe to show to an end user.
const (
	ReasonInvalidKey        = "invalid key"
	ReasonUnauthorized      = "unauthorized"
	ReasonInternal          = "internal error"
	ReasonTimeout           = "timeout"
	ReasonUnrecognized      = "unrecognized packet"
	ReasonMalformed         = "malformed packet"
	ReasonTooLarge          = "packet too large"
	ReasonUnexpected        = "unexpected packet"
	ReasonAlreadyBound      = "already bound"
	ReasonInvalidBindingKey = "invalid binding key"
	ReasonInvalidChannel    = "invalid channel"
	ReasonAlreadyInChannel  = "already in channel"
	ReasonNotFound          = "participant not found"
)

// Kind classifies a failed request.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindAuth
	KindConflict
	KindNotFound
)

var kindStrings = map[Kind]string{
	KindInternal:   "internal",
	KindValidation: "validation",
	KindAuth:       "auth",
	KindConflict:   "conflict",
	KindNotFound:   "not_found",
}

// String returns the string representation of Kind.
func (k Kind) String() string {
	if s, ok := kindStrings[k]; ok {
		return s
	}
	return "internal"
}

// Error is a request failure carrying the reason sent back in a Deny.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// ValidationError rejects a malformed or out-of-range field.
func ValidationError(reason string, err error) *Error {
	return &Error{Kind: KindValidation, Reason: reason, Err: err}
}

// AuthError rejects a bad login key or token.
func AuthError(reason string) *Error {
	return &Error{Kind: KindAuth, Reason: reason}
}

// ConflictError rejects a request that clashes with current state.
func ConflictError(reason string, err error) *Error {
	return &Error{Kind: KindConflict, Reason: reason, Err: err}
}

// NotFoundError rejects a request naming an unknown participant.
func NotFoundError(err error) *Error {
	return &Error{Kind: KindNotFound, Reason: ReasonNotFound, Err: err}
}

// Classify maps any error from the domain packages onto the taxonomy.
// Unknown errors become internal errors with a generic reason.
func Classify(err error) *Error {
	var se *Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &se):
		return se
	case errors.Is(err, participant.ErrAlreadyBound):
		return ConflictError(ReasonAlreadyBound, err)
	case errors.Is(err, participant.ErrAlreadyInChannel):
		return ConflictError(ReasonAlreadyInChannel, err)
	case errors.Is(err, participant.ErrNotFound):
		return NotFoundError(err)
	case errors.Is(err, participant.ErrInvalidBindingKey):
		return ValidationError(ReasonInvalidBindingKey, err)
	case errors.Is(err, participant.ErrInvalidChannel), errors.Is(err, channel.ErrInvalidChannel):
		return ValidationError(ReasonInvalidChannel, err)
	case errors.Is(err, channel.ErrInvalidSettings),
		errors.Is(err, update.ErrInvalidBatch),
		errors.Is(err, participant.ErrInvalidPlayerID):
		return ValidationError(err.Error(), err)
	case errors.Is(err, protocol.ErrUnrecognizedPacket):
		return ValidationError(ReasonUnrecognized, err)
	case errors.Is(err, protocol.ErrPacketTooLarge):
		return ValidationError(ReasonTooLarge, err)
	case errors.Is(err, protocol.ErrMalformedPacket):
		return ValidationError(ReasonMalformed, err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return &Error{Kind: KindInternal, Reason: ReasonTimeout, Err: err}
	default:
		return &Error{Kind: KindInternal, Reason: ReasonInternal, Err: err}
	}
}
