// Package remote describes the real-time store the session core talks to:
// records, ordered lists, pushed events, RPC calls and the connection itself.
package remote

import (
	"context"
	"encoding/json"
	"errors"
)

type ConnectionState string

const (
	StateClosed             ConnectionState = "CLOSED"
	StateAwaitingConnection ConnectionState = "AWAITING_CONNECTION"
	StateAuthenticating     ConnectionState = "AUTHENTICATING"
	StateOpen               ConnectionState = "OPEN"
	StateClosing            ConnectionState = "CLOSING"
	StateError              ConnectionState = "ERROR"
)

// Error codes carried by ErrorEvent.
const (
	CodeConnectionError = "connectionError"
	CodeMessageDenied   = "MESSAGE_DENIED"
	// CodeLeaveFailed is raised by the client itself when it was forced out
	// of a stream but could not deregister.
	CodeLeaveFailed = "leaveFailed"
)

// TopicRecord is the topic reported for record and list errors.
const TopicRecord = "R"

var (
	ErrDenied = errors.New("remote: read permission denied")
	ErrClosed = errors.New("remote: connection closed")
)

// Handle identifies one installed callback.
type Handle uint64

type ErrorEvent struct {
	Code    string `json:"code"`
	Topic   string `json:"topic,omitempty"`
	Name    string `json:"name,omitempty"`
	Message string `json:"message,omitempty"`
}

type Connector interface {
	Connect(url string) (Store, error)
}

// ConnectorFunc adapts a function to Connector.
type ConnectorFunc func(url string) (Store, error)

func (f ConnectorFunc) Connect(url string) (Store, error) { return f(url) }

type Store interface {
	// Login sends the credentials. The outcome is observed through the
	// login/<username> event and the connection state.
	Login(username, credential string)

	Record(name string) Record
	List(name string) List
	Events() Events

	// Call performs one RPC. A non-nil error covers both transport failures
	// and remote rejections.
	Call(ctx context.Context, method string, payload any) (json.RawMessage, error)

	State() ConnectionState
	OnStateChange(cb func(ConnectionState)) (cancel func())
	OnError(cb func(ErrorEvent))

	// Close requests shutdown. Completion is signalled by StateClosed.
	Close()
}

// Record is a reference-counted handle on a named remote record. Every call
// to Store.Record must be balanced by Discard.
type Record interface {
	Name() string
	// WhenReady runs cb once the first snapshot has arrived, or with an error
	// when the record can not be read.
	WhenReady(cb func(error))
	Get(field string) json.RawMessage
	Data() json.RawMessage
	Subscribe(cb func(json.RawMessage), fireImmediately bool) Handle
	Unsubscribe(h Handle)
	Discard()
}

type List interface {
	Name() string
	WhenReady(cb func(error))
	Entries() []string
	Subscribe(cb func([]string), fireImmediately bool) Handle
	Unsubscribe(h Handle)
	Discard()
}

type Events interface {
	Subscribe(name string, cb func(json.RawMessage)) Handle
	Unsubscribe(name string, h Handle)
}

// WaitReady blocks until WhenReady fires or ctx is done.
func WaitReady(ctx context.Context, whenReady func(func(error))) error {
	ch := make(chan error, 1)
	whenReady(func(err error) {
		select {
		case ch <- err:
		default:
		}
	})
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
