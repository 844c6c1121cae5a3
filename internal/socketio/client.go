package socketio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"slide-lite/internal/remote"
)

const (
	UpdatesPath       = "/v1/updates/"
	defaultAckTimeout = 10 * time.Second
)

// RPCError is a call the server answered with ok=false.
type RPCError struct {
	Method  string
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc %s: %s", e.Method, e.Message)
}

// Connector dials the updates endpoint of a slide server.
type Connector struct {
	Dialer     *websocket.Dialer
	AckTimeout time.Duration
}

func NewConnector() *Connector {
	return &Connector{Dialer: websocket.DefaultDialer, AckTimeout: defaultAckTimeout}
}

// UpdatesURL turns a server base URL (http, https, ws or wss) into the
// engine.io websocket URL.
func UpdatesURL(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + UpdatesPath
	u.RawQuery = "EIO=4&transport=websocket"
	return u.String(), nil
}

func (d *Connector) Connect(serverURL string) (remote.Store, error) {
	wsURL, err := UpdatesURL(serverURL)
	if err != nil {
		return nil, err
	}
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, _, err := dialer.Dial(wsURL, nil)
	if err != nil {
		return nil, err
	}

	_, data, err := ws.ReadMessage()
	if err != nil {
		_ = ws.Close()
		return nil, err
	}
	open, err := parseEngineOpenPacket(string(data))
	if err != nil {
		_ = ws.Close()
		return nil, err
	}
	if open.MaxPayload > 0 {
		ws.SetReadLimit(open.MaxPayload)
	}

	ackTimeout := d.AckTimeout
	if ackTimeout <= 0 {
		ackTimeout = defaultAckTimeout
	}
	c := newClient(ws, ackTimeout)
	c.sid = open.SID
	go c.readLoop()
	return c, nil
}

type ackFunc func(args []json.RawMessage, err error)

type subscription struct {
	cb   func(json.RawMessage)
	fire bool
}

// channel is the shared state behind every handle on one record or list.
type channel struct {
	name    string
	refs    int
	ready   bool
	err     error
	version int64
	data    json.RawMessage
	waiters []func(error)
	subs    map[remote.Handle]*subscription
}

// Client implements remote.Store over one engine.io websocket.
type Client struct {
	ws         *websocket.Conn
	sid        string
	ackTimeout time.Duration

	sendMu sync.Mutex

	ackMu      sync.Mutex
	nextAckID  int
	pendingAck map[int]ackFunc

	mu         sync.Mutex
	state      remote.ConnectionState
	stateSubs  map[int]func(remote.ConnectionState)
	nextSubID  int
	errorSubs  []func(remote.ErrorEvent)
	channels   map[string]*channel
	events     map[string]map[remote.Handle]func(json.RawMessage)
	nextHandle remote.Handle

	closeRequested atomic.Bool
	done           chan struct{}
}

func newClient(ws *websocket.Conn, ackTimeout time.Duration) *Client {
	return &Client{
		ws:         ws,
		ackTimeout: ackTimeout,
		pendingAck: make(map[int]ackFunc),
		state:      remote.StateAwaitingConnection,
		stateSubs:  make(map[int]func(remote.ConnectionState)),
		channels:   make(map[string]*channel),
		events:     make(map[string]map[remote.Handle]func(json.RawMessage)),
		done:       make(chan struct{}),
	}
}

// Done is closed once the read loop has exited and CLOSED was reported.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) Login(username, credential string) {
	c.setState(remote.StateAuthenticating)
	packet, err := buildSocketConnectPacket("/", connectAuth{Username: username, Credential: credential})
	if err != nil {
		return
	}
	if err := c.writeText(string(engineMessage) + packet); err != nil {
		glog.Infof("[socketio]login send failed: %v", err)
	}
}

func (c *Client) State() remote.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) OnStateChange(cb func(remote.ConnectionState)) (cancel func()) {
	c.mu.Lock()
	c.nextSubID++
	id := c.nextSubID
	c.stateSubs[id] = cb
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.stateSubs, id)
		c.mu.Unlock()
	}
}

func (c *Client) OnError(cb func(remote.ErrorEvent)) {
	c.mu.Lock()
	c.errorSubs = append(c.errorSubs, cb)
	c.mu.Unlock()
}

func (c *Client) setState(state remote.ConnectionState) {
	c.mu.Lock()
	if c.state == state || c.state == remote.StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = state
	subs := make([]func(remote.ConnectionState), 0, len(c.stateSubs))
	for _, cb := range c.stateSubs {
		subs = append(subs, cb)
	}
	c.mu.Unlock()

	glog.V(2).Infof("[socketio]%s state %s", c.sid, state)
	for _, cb := range subs {
		cb(state)
	}
}

func (c *Client) reportError(event remote.ErrorEvent) {
	c.mu.Lock()
	subs := append([]func(remote.ErrorEvent){}, c.errorSubs...)
	c.mu.Unlock()
	for _, cb := range subs {
		cb(event)
	}
}

func (c *Client) Close() {
	if c.closeRequested.Swap(true) {
		return
	}
	c.setState(remote.StateClosing)
	_ = c.writeText(string(engineClose))
	_ = c.ws.Close()
}

func (c *Client) writeText(msg string) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, []byte(msg))
}

func (c *Client) emit(event string, arg any) error {
	packet, err := buildSocketEventPacket("/", nil, event, arg)
	if err != nil {
		return err
	}
	return c.writeText(string(engineMessage) + packet)
}

// emitWithAck sends event and runs onAck from the read loop when the ack
// arrives, or with an error if the connection closes first.
func (c *Client) emitWithAck(event string, arg any, onAck ackFunc) (int, error) {
	c.ackMu.Lock()
	c.nextAckID++
	id := c.nextAckID
	c.pendingAck[id] = onAck
	c.ackMu.Unlock()

	packet, err := buildSocketEventPacket("/", &id, event, arg)
	if err == nil {
		err = c.writeText(string(engineMessage) + packet)
	}
	if err != nil {
		c.dropAck(id)
		return 0, err
	}
	return id, nil
}

func (c *Client) dropAck(id int) {
	c.ackMu.Lock()
	delete(c.pendingAck, id)
	c.ackMu.Unlock()
}

func (c *Client) resolveAck(id int, args []json.RawMessage) {
	c.ackMu.Lock()
	fn := c.pendingAck[id]
	delete(c.pendingAck, id)
	c.ackMu.Unlock()
	if fn != nil {
		fn(args, nil)
	}
}

func (c *Client) failPendingAcks() {
	c.ackMu.Lock()
	pending := c.pendingAck
	c.pendingAck = make(map[int]ackFunc)
	c.ackMu.Unlock()
	for _, fn := range pending {
		fn(nil, remote.ErrClosed)
	}
}

func (c *Client) Call(ctx context.Context, method string, payload any) (json.RawMessage, error) {
	type outcome struct {
		args []json.RawMessage
		err  error
	}
	ch := make(chan outcome, 1)
	id, err := c.emitWithAck(eventRPCCall, map[string]any{"method": method, "params": payload}, func(args []json.RawMessage, err error) {
		ch <- outcome{args: args, err: err}
	})
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.ackTimeout)
	defer timer.Stop()

	var res outcome
	select {
	case res = <-ch:
	case <-ctx.Done():
		c.dropAck(id)
		return nil, ctx.Err()
	case <-timer.C:
		c.dropAck(id)
		return nil, errors.New("RPC timeout")
	}
	if res.err != nil {
		return nil, res.err
	}
	if len(res.args) < 1 {
		return nil, errors.New("Empty response")
	}
	var ack rpcAck
	if err := json.Unmarshal(res.args[0], &ack); err != nil {
		return nil, errors.New("Invalid response")
	}
	if !ack.OK {
		return nil, &RPCError{Method: method, Message: ack.Error}
	}
	return ack.Result, nil
}

func (c *Client) readLoop() {
	defer func() {
		_ = c.ws.Close()
		c.failPendingAcks()
		if !c.closeRequested.Load() {
			c.setState(remote.StateError)
			c.reportError(remote.ErrorEvent{Code: remote.CodeConnectionError, Message: "connection lost"})
		}
		c.setState(remote.StateClosed)
		close(c.done)
	}()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		c.handleMessage(string(data))
	}
}

func (c *Client) handleMessage(msg string) {
	if msg == "" {
		return
	}
	switch enginePacketType(msg[0]) {
	case enginePing:
		_ = c.writeText(string(enginePong))
	case engineMessage:
		c.handleSocketPayload(msg[1:])
	case engineClose:
		_ = c.ws.Close()
	}
}

func (c *Client) handleSocketPayload(payload string) {
	if payload == "" {
		return
	}
	switch socketPacketType(payload[0]) {
	case socketConnect:
		c.setState(remote.StateOpen)
	case socketError:
		message := parseSocketConnectErrorPacket(payload)
		c.setState(remote.StateError)
		c.reportError(remote.ErrorEvent{Code: codeInvalidAuthData, Message: message})
	case socketAck:
		ack, err := parseSocketAckPacket(payload)
		if err != nil {
			return
		}
		c.resolveAck(ack.ID, ack.Args)
	case socketEvent:
		pkt, err := parseSocketEventPacket(payload)
		if err != nil || len(pkt.Args) < 1 {
			return
		}
		c.handleEvent(pkt.Event, pkt.Args[0])
	}
}

func (c *Client) handleEvent(event string, arg json.RawMessage) {
	switch event {
	case eventUpdate:
		var body updateBody
		if json.Unmarshal(arg, &body) != nil || body.Name == "" {
			return
		}
		c.applyUpdate(body)

	case eventEvent:
		var body eventBody
		if json.Unmarshal(arg, &body) != nil || body.Name == "" {
			return
		}
		c.mu.Lock()
		subs := make([]func(json.RawMessage), 0, len(c.events[body.Name]))
		for _, cb := range c.events[body.Name] {
			subs = append(subs, cb)
		}
		c.mu.Unlock()
		for _, cb := range subs {
			cb(body.Data)
		}

	case eventError:
		var ev remote.ErrorEvent
		if json.Unmarshal(arg, &ev) != nil {
			return
		}
		if ev.Code == remote.CodeMessageDenied && ev.Name != "" {
			c.mu.Lock()
			if ch := c.channels[ev.Name]; ch != nil {
				ch.err = remote.ErrDenied
			}
			c.mu.Unlock()
		}
		c.reportError(ev)
	}
}

func (c *Client) applyUpdate(body updateBody) {
	c.mu.Lock()
	ch := c.channels[body.Name]
	if ch == nil || body.Version <= ch.version {
		c.mu.Unlock()
		return
	}
	ch.version = body.Version
	ch.data = body.Data
	if !ch.ready {
		c.mu.Unlock()
		return
	}
	subs := make([]func(json.RawMessage), 0, len(ch.subs))
	for _, s := range ch.subs {
		subs = append(subs, s.cb)
	}
	data := ch.data
	c.mu.Unlock()

	for _, cb := range subs {
		cb(data)
	}
}

// acquire returns the shared channel for name, subscribing on first use.
func (c *Client) acquire(name string) *channel {
	c.mu.Lock()
	ch := c.channels[name]
	if ch != nil {
		ch.refs++
		c.mu.Unlock()
		return ch
	}
	ch = &channel{name: name, refs: 1, subs: make(map[remote.Handle]*subscription)}
	c.channels[name] = ch
	c.mu.Unlock()

	glog.V(2).Infof("[socketio]%s subscribe %s", c.sid, name)
	_, err := c.emitWithAck(eventSubscribe, nameBody{Name: name}, func(args []json.RawMessage, err error) {
		c.completeSubscribe(ch, args, err)
	})
	if err != nil {
		c.completeSubscribe(ch, nil, err)
	}
	return ch
}

func (c *Client) completeSubscribe(ch *channel, args []json.RawMessage, err error) {
	var ack subscribeAck
	if err == nil {
		if len(args) < 1 || json.Unmarshal(args[0], &ack) != nil {
			err = errors.New("Invalid subscribe response")
		} else if !ack.OK {
			if ack.Code == remote.CodeMessageDenied {
				err = remote.ErrDenied
			} else {
				err = errors.New(ack.Error)
			}
		}
	}

	c.mu.Lock()
	waiters := ch.waiters
	ch.waiters = nil
	var fire []func(json.RawMessage)
	if err != nil {
		ch.err = err
	} else {
		ch.ready = true
		if ack.Version >= ch.version {
			ch.version = ack.Version
			ch.data = ack.Data
		}
		for _, s := range ch.subs {
			if s.fire {
				fire = append(fire, s.cb)
			}
		}
	}
	data := ch.data
	c.mu.Unlock()

	if errors.Is(err, remote.ErrDenied) {
		c.reportError(remote.ErrorEvent{
			Code:    remote.CodeMessageDenied,
			Topic:   remote.TopicRecord,
			Name:    ch.name,
			Message: ack.Error,
		})
	}
	for _, cb := range waiters {
		cb(err)
	}
	for _, cb := range fire {
		cb(data)
	}
}

func (c *Client) release(ch *channel, handles map[remote.Handle]struct{}) {
	c.mu.Lock()
	for h := range handles {
		delete(ch.subs, h)
	}
	ch.refs--
	last := ch.refs == 0 && c.channels[ch.name] == ch
	if last {
		delete(c.channels, ch.name)
	}
	subscribed := ch.err == nil
	c.mu.Unlock()

	if last && subscribed {
		glog.V(2).Infof("[socketio]%s unsubscribe %s", c.sid, ch.name)
		_ = c.emit(eventUnsubscribe, nameBody{Name: ch.name})
	}
}

func (c *Client) whenReady(ch *channel, cb func(error)) {
	c.mu.Lock()
	if !ch.ready && ch.err == nil {
		ch.waiters = append(ch.waiters, cb)
		c.mu.Unlock()
		return
	}
	err := ch.err
	if ch.ready {
		err = nil
	}
	c.mu.Unlock()
	cb(err)
}

func (c *Client) subscribe(ch *channel, cb func(json.RawMessage), fire bool) remote.Handle {
	c.mu.Lock()
	c.nextHandle++
	h := c.nextHandle
	ch.subs[h] = &subscription{cb: cb, fire: fire}
	ready := ch.ready
	data := ch.data
	c.mu.Unlock()

	if ready && fire {
		cb(data)
	}
	return h
}

func (c *Client) unsubscribe(ch *channel, h remote.Handle) {
	c.mu.Lock()
	delete(ch.subs, h)
	c.mu.Unlock()
}

func (c *Client) snapshot(ch *channel) json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ch.data
}

// handle is one reference on a channel; Discard releases it together with
// every callback installed through it.
type handle struct {
	c       *Client
	ch      *channel
	mu      sync.Mutex
	handles map[remote.Handle]struct{}
	done    bool
}

func (h *handle) Name() string { return h.ch.name }

func (h *handle) WhenReady(cb func(error)) { h.c.whenReady(h.ch, cb) }

func (h *handle) subscribe(cb func(json.RawMessage), fire bool) remote.Handle {
	id := h.c.subscribe(h.ch, cb, fire)
	h.mu.Lock()
	h.handles[id] = struct{}{}
	h.mu.Unlock()
	return id
}

func (h *handle) Unsubscribe(id remote.Handle) {
	h.mu.Lock()
	delete(h.handles, id)
	h.mu.Unlock()
	h.c.unsubscribe(h.ch, id)
}

func (h *handle) Discard() {
	h.mu.Lock()
	if h.done {
		h.mu.Unlock()
		return
	}
	h.done = true
	handles := h.handles
	h.handles = map[remote.Handle]struct{}{}
	h.mu.Unlock()
	h.c.release(h.ch, handles)
}

type record struct{ *handle }

func (c *Client) Record(name string) remote.Record {
	return record{&handle{c: c, ch: c.acquire(name), handles: map[remote.Handle]struct{}{}}}
}

func (r record) Data() json.RawMessage { return r.c.snapshot(r.ch) }

func (r record) Get(field string) json.RawMessage {
	var fields map[string]json.RawMessage
	if json.Unmarshal(r.Data(), &fields) != nil {
		return nil
	}
	return fields[field]
}

func (r record) Subscribe(cb func(json.RawMessage), fireImmediately bool) remote.Handle {
	return r.subscribe(cb, fireImmediately)
}

type list struct{ *handle }

func (c *Client) List(name string) remote.List {
	return list{&handle{c: c, ch: c.acquire(name), handles: map[remote.Handle]struct{}{}}}
}

func decodeEntries(data json.RawMessage) []string {
	var entries []string
	if json.Unmarshal(data, &entries) != nil || entries == nil {
		return []string{}
	}
	return entries
}

func (l list) Entries() []string { return decodeEntries(l.c.snapshot(l.ch)) }

func (l list) Subscribe(cb func([]string), fireImmediately bool) remote.Handle {
	return l.subscribe(func(data json.RawMessage) { cb(decodeEntries(data)) }, fireImmediately)
}

type events struct{ c *Client }

func (c *Client) Events() remote.Events { return events{c} }

func (e events) Subscribe(name string, cb func(json.RawMessage)) remote.Handle {
	e.c.mu.Lock()
	defer e.c.mu.Unlock()
	e.c.nextHandle++
	h := e.c.nextHandle
	if e.c.events[name] == nil {
		e.c.events[name] = make(map[remote.Handle]func(json.RawMessage))
	}
	e.c.events[name][h] = cb
	return h
}

func (e events) Unsubscribe(name string, h remote.Handle) {
	e.c.mu.Lock()
	defer e.c.mu.Unlock()
	delete(e.c.events[name], h)
	if len(e.c.events[name]) == 0 {
		delete(e.c.events, name)
	}
}
