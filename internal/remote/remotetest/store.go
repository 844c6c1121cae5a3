// Package remotetest provides an in-memory remote.Store whose connection,
// data and RPC behaviour are driven by the test.
package remotetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"slide-lite/internal/remote"
)

// Handler answers one RPC. The payload is the JSON the caller sent.
type Handler func(payload json.RawMessage) (any, error)

type Call struct {
	Method  string
	Payload json.RawMessage
}

// Decode unmarshals the call payload into v.
func (c Call) Decode(v any) error {
	return json.Unmarshal(c.Payload, v)
}

type Login struct {
	Username   string
	Credential string
}

type entry struct {
	data    json.RawMessage
	refs    int
	nextSub remote.Handle
	subs    map[remote.Handle]func(json.RawMessage)
}

// Store is safe for concurrent use. The zero value is not usable; call New.
type Store struct {
	mu sync.Mutex

	state      remote.ConnectionState
	stateSubs  map[int]func(remote.ConnectionState)
	nextState  int
	errorSubs  []func(remote.ErrorEvent)
	nextHandle remote.Handle

	entries  map[string]*entry
	denied   map[string]bool
	events   map[string]map[remote.Handle]func(json.RawMessage)
	handlers map[string]Handler
	calls    []Call
	logins   []Login
	connects int

	// OnLogin replaces the default login behaviour, which opens the
	// connection and pushes the login event from another goroutine.
	OnLogin func(username, credential string)
	// CloseDelay postpones the CLOSED transition after Close.
	CloseDelay time.Duration
	// FailConnect makes Connect return this error.
	FailConnect error
}

func New() *Store {
	return &Store{
		state:     remote.StateClosed,
		stateSubs: make(map[int]func(remote.ConnectionState)),
		entries:   make(map[string]*entry),
		denied:    make(map[string]bool),
		events:    make(map[string]map[remote.Handle]func(json.RawMessage)),
		handlers:  make(map[string]Handler),
	}
}

// Connector hands out this store on every Connect, reopening it each time.
func (s *Store) Connector() remote.Connector {
	return remote.ConnectorFunc(func(url string) (remote.Store, error) {
		s.mu.Lock()
		if s.FailConnect != nil {
			err := s.FailConnect
			s.mu.Unlock()
			return nil, err
		}
		s.connects++
		s.mu.Unlock()
		s.SetState(remote.StateAwaitingConnection)
		return s, nil
	})
}

func (s *Store) Connects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects
}

func (s *Store) Login(username, credential string) {
	s.mu.Lock()
	s.logins = append(s.logins, Login{Username: username, Credential: credential})
	hook := s.OnLogin
	s.mu.Unlock()

	s.SetState(remote.StateAuthenticating)
	if hook != nil {
		hook(username, credential)
		return
	}
	go func() {
		s.SetState(remote.StateOpen)
		s.Emit(remote.LoginEvent(username), map[string]string{"token": "token-" + username})
	}()
}

func (s *Store) Logins() []Login {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Login(nil), s.logins...)
}

func (s *Store) State() remote.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Store) OnStateChange(cb func(remote.ConnectionState)) (cancel func()) {
	s.mu.Lock()
	id := s.nextState
	s.nextState++
	s.stateSubs[id] = cb
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.stateSubs, id)
		s.mu.Unlock()
	}
}

// SetState moves the connection and notifies listeners synchronously.
func (s *Store) SetState(state remote.ConnectionState) {
	s.mu.Lock()
	if s.state == state {
		s.mu.Unlock()
		return
	}
	s.state = state
	subs := make([]func(remote.ConnectionState), 0, len(s.stateSubs))
	for _, cb := range s.stateSubs {
		subs = append(subs, cb)
	}
	s.mu.Unlock()
	for _, cb := range subs {
		cb(state)
	}
}

func (s *Store) OnError(cb func(remote.ErrorEvent)) {
	s.mu.Lock()
	s.errorSubs = append(s.errorSubs, cb)
	s.mu.Unlock()
}

// RaiseError delivers ev to every OnError listener.
func (s *Store) RaiseError(ev remote.ErrorEvent) {
	s.mu.Lock()
	subs := append([]func(remote.ErrorEvent){}, s.errorSubs...)
	s.mu.Unlock()
	for _, cb := range subs {
		cb(ev)
	}
}

func (s *Store) Close() {
	s.mu.Lock()
	if s.state == remote.StateClosed {
		s.mu.Unlock()
		return
	}
	delay := s.CloseDelay
	s.errorSubs = nil
	s.mu.Unlock()

	s.SetState(remote.StateClosing)
	go func() {
		if delay > 0 {
			time.Sleep(delay)
		}
		s.SetState(remote.StateClosed)
	}()
}

// Handle installs the RPC handler for method.
func (s *Store) Handle(method string, h Handler) {
	s.mu.Lock()
	s.handlers[method] = h
	s.mu.Unlock()
}

// Call records the call and runs its handler. Methods without a handler
// succeed with a null result.
func (s *Store) Call(ctx context.Context, method string, payload any) (json.RawMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.state == remote.StateClosed || s.state == remote.StateClosing {
		s.mu.Unlock()
		return nil, remote.ErrClosed
	}
	s.calls = append(s.calls, Call{Method: method, Payload: raw})
	h := s.handlers[method]
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if h == nil {
		return json.RawMessage("null"), nil
	}
	result, err := h(raw)
	if err != nil {
		return nil, err
	}
	return json.Marshal(result)
}

func (s *Store) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// CallsTo returns the recorded calls of one method, oldest first.
func (s *Store) CallsTo(method string) []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Call
	for _, c := range s.calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func (s *Store) entryLocked(name string) *entry {
	e := s.entries[name]
	if e == nil {
		e = &entry{data: json.RawMessage("null"), subs: make(map[remote.Handle]func(json.RawMessage))}
		s.entries[name] = e
	}
	return e
}

// Set stores v under name and notifies its subscribers.
func (s *Store) Set(name string, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("remotetest: marshal %s: %v", name, err))
	}
	s.mu.Lock()
	e := s.entryLocked(name)
	e.data = raw
	subs := sortedSubs(e.subs)
	s.mu.Unlock()
	for _, cb := range subs {
		cb(raw)
	}
}

// Get returns the stored JSON for name, or null.
func (s *Store) Get(name string) json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.entries[name]; e != nil {
		return e.data
	}
	return json.RawMessage("null")
}

// Deny makes name unreadable for records and lists acquired afterwards.
func (s *Store) Deny(name string) {
	s.mu.Lock()
	s.denied[name] = true
	s.mu.Unlock()
}

// Subscribers reports how many callbacks are installed on name.
func (s *Store) Subscribers(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.entries[name]; e != nil {
		return len(e.subs)
	}
	return 0
}

// Refs reports how many handles on name have not been discarded.
func (s *Store) Refs(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.entries[name]; e != nil {
		return e.refs
	}
	return 0
}

func (s *Store) Record(name string) remote.Record {
	return record{s.acquire(name)}
}

func (s *Store) List(name string) remote.List {
	return list{s.acquire(name)}
}

func (s *Store) acquire(name string) *handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entryLocked(name).refs++
	return &handle{s: s, name: name, own: make(map[remote.Handle]struct{})}
}

func sortedSubs(subs map[remote.Handle]func(json.RawMessage)) []func(json.RawMessage) {
	ids := make([]remote.Handle, 0, len(subs))
	for id := range subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]func(json.RawMessage), 0, len(ids))
	for _, id := range ids {
		out = append(out, subs[id])
	}
	return out
}

type handle struct {
	s         *Store
	name      string
	mu        sync.Mutex
	own       map[remote.Handle]struct{}
	discarded bool
}

func (h *handle) Name() string { return h.name }

func (h *handle) WhenReady(cb func(error)) {
	h.s.mu.Lock()
	denied := h.s.denied[h.name]
	h.s.mu.Unlock()
	if denied {
		cb(remote.ErrDenied)
		return
	}
	cb(nil)
}

func (h *handle) subscribe(cb func(json.RawMessage), fire bool) remote.Handle {
	h.s.mu.Lock()
	e := h.s.entryLocked(h.name)
	h.s.nextHandle++
	id := h.s.nextHandle
	e.subs[id] = cb
	data := e.data
	h.s.mu.Unlock()

	h.mu.Lock()
	h.own[id] = struct{}{}
	h.mu.Unlock()

	if fire {
		cb(data)
	}
	return id
}

func (h *handle) Unsubscribe(id remote.Handle) {
	h.mu.Lock()
	_, ok := h.own[id]
	delete(h.own, id)
	h.mu.Unlock()
	if !ok {
		return
	}
	h.s.mu.Lock()
	delete(h.s.entryLocked(h.name).subs, id)
	h.s.mu.Unlock()
}

func (h *handle) Discard() {
	h.mu.Lock()
	if h.discarded {
		h.mu.Unlock()
		return
	}
	h.discarded = true
	own := h.own
	h.own = make(map[remote.Handle]struct{})
	h.mu.Unlock()

	h.s.mu.Lock()
	e := h.s.entryLocked(h.name)
	for id := range own {
		delete(e.subs, id)
	}
	e.refs--
	h.s.mu.Unlock()
}

func (h *handle) Data() json.RawMessage { return h.s.Get(h.name) }

type record struct{ *handle }

func (r record) Get(field string) json.RawMessage {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(r.Data(), &fields); err != nil {
		return nil
	}
	return fields[field]
}

func (r record) Subscribe(cb func(json.RawMessage), fireImmediately bool) remote.Handle {
	return r.subscribe(cb, fireImmediately)
}

type list struct{ *handle }

func decodeEntries(raw json.RawMessage) []string {
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil || out == nil {
		return []string{}
	}
	return out
}

func (l list) Entries() []string { return decodeEntries(l.Data()) }

func (l list) Subscribe(cb func([]string), fireImmediately bool) remote.Handle {
	return l.subscribe(func(raw json.RawMessage) { cb(decodeEntries(raw)) }, fireImmediately)
}

func (s *Store) Events() remote.Events { return events{s} }

// Emit pushes an event to its current subscribers.
func (s *Store) Emit(name string, data any) {
	raw, _ := json.Marshal(data)
	s.mu.Lock()
	subs := sortedSubs(s.events[name])
	s.mu.Unlock()
	for _, cb := range subs {
		cb(raw)
	}
}

type events struct{ s *Store }

func (e events) Subscribe(name string, cb func(json.RawMessage)) remote.Handle {
	e.s.mu.Lock()
	defer e.s.mu.Unlock()
	e.s.nextHandle++
	id := e.s.nextHandle
	if e.s.events[name] == nil {
		e.s.events[name] = make(map[remote.Handle]func(json.RawMessage))
	}
	e.s.events[name][id] = cb
	return id
}

func (e events) Unsubscribe(name string, h remote.Handle) {
	e.s.mu.Lock()
	defer e.s.mu.Unlock()
	delete(e.s.events[name], h)
}
