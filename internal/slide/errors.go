package slide

import (
	"errors"
	"fmt"
)

// Kind classifies every error returned by a Session.
type Kind int

const (
	KindUnknown Kind = iota
	KindAlreadyAuthenticated
	KindNotAuthenticated
	KindBusy
	KindNotPartOfStream
	KindCallbackInstallFailed
	KindLoginFailed
	KindRemoteError
)

func (k Kind) String() string {
	switch k {
	case KindAlreadyAuthenticated:
		return "AlreadyAuthenticated"
	case KindNotAuthenticated:
		return "NotAuthenticated"
	case KindBusy:
		return "Busy"
	case KindNotPartOfStream:
		return "NotPartOfStream"
	case KindCallbackInstallFailed:
		return "CallbackInstallFailed"
	case KindLoginFailed:
		return "LoginFailed"
	case KindRemoteError:
		return "RemoteError"
	default:
		return "Unknown"
	}
}

type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrBusy) works
// regardless of detail.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	ErrUnknown               = &Error{Kind: KindUnknown}
	ErrAlreadyAuthenticated  = &Error{Kind: KindAlreadyAuthenticated}
	ErrNotAuthenticated      = &Error{Kind: KindNotAuthenticated}
	ErrBusy                  = &Error{Kind: KindBusy}
	ErrNotPartOfStream       = &Error{Kind: KindNotPartOfStream}
	ErrCallbackInstallFailed = &Error{Kind: KindCallbackInstallFailed}
	ErrLoginFailed           = &Error{Kind: KindLoginFailed}
	ErrRemoteError           = &Error{Kind: KindRemoteError}
)

func newError(kind Kind, detail string, err error) *Error {
	return &Error{Kind: kind, Detail: detail, Err: err}
}

func errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of err, or KindUnknown for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
