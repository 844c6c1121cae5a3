// Package slide drives one participant's session against a remote stream
// store: login, hosting or joining a stream, keeping it alive and tearing it
// down again.
package slide

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"slide-lite/internal/model"
	"slide-lite/internal/remote"
)

// Session is safe for concurrent use. At most one login, one host/unhost/join
// and one leave/logout/reset may be in flight; overlapping calls of the same
// class fail with ErrBusy.
type Session struct {
	opts Options
	subs *subscriptions

	loginBusy    atomic.Bool
	streamBusy   atomic.Bool
	teardownBusy atomic.Bool

	// teardownMu serializes leave, unhost and reset, including the ones the
	// session starts on its own.
	teardownMu sync.Mutex
	playbackMu sync.Mutex

	mu    sync.Mutex
	store remote.Store
	// gen numbers login attempts; callbacks of an older connection compare
	// it and do nothing.
	gen         uint64
	cancelState func()
	st          sessionState
	keepAlive   *loop
	watchdog    *loop
	playback    *loop
}

func New(opts Options) *Session {
	return &Session{
		opts: opts.withDefaults(),
		subs: newSubscriptions(),
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.snapshot(s.loginBusy.Load())
}

// Token returns the session token pushed with the login confirmation, if any.
func (s *Session) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.token
}

func acquire(flag *atomic.Bool, op string) error {
	if !flag.CompareAndSwap(false, true) {
		return errorf(KindBusy, "%s already in progress", op)
	}
	return nil
}

// connChangedLocked reports whether the connection seen as gen is gone.
func (s *Session) connChangedLocked(gen uint64) bool {
	return s.store == nil || s.gen != gen
}

func (s *Session) stopLoop(l **loop) {
	s.mu.Lock()
	cur := *l
	*l = nil
	s.mu.Unlock()
	cur.stop()
}

// Login connects and authenticates. It succeeds when the login event arrives
// within the login timeout, or when the timeout passes with the connection
// open.
func (s *Session) Login(ctx context.Context, username, credential string) error {
	if err := acquire(&s.loginBusy, "login"); err != nil {
		return err
	}
	defer s.loginBusy.Store(false)

	s.mu.Lock()
	if s.st.authenticated {
		s.mu.Unlock()
		return errorf(KindAlreadyAuthenticated, "logged in as %s", s.st.username)
	}
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	if s.opts.Connector == nil {
		return errorf(KindLoginFailed, "no connector configured")
	}
	store, err := s.opts.Connector.Connect(s.opts.ServerURL)
	if err != nil {
		return newError(KindLoginFailed, "connect", err)
	}

	confirmed := make(chan string, 1)
	loginEvent := remote.LoginEvent(username)
	h := store.Events().Subscribe(loginEvent, func(data json.RawMessage) {
		var body struct {
			Token string `json:"token"`
		}
		_ = json.Unmarshal(data, &body)
		select {
		case confirmed <- body.Token:
		default:
		}
	})
	store.OnError(func(ev remote.ErrorEvent) { s.handleRemoteError(gen, ev) })
	cancelState := store.OnStateChange(func(state remote.ConnectionState) { s.handleStateChange(gen, state) })

	store.Login(username, credential)

	timer := time.NewTimer(s.opts.LoginTimeout)
	defer timer.Stop()

	// Exactly one of the branches decides the outcome; a confirmation that
	// arrives later is dropped with the subscription.
	var token string
	var loginErr error
	select {
	case token = <-confirmed:
	case <-timer.C:
		select {
		case token = <-confirmed:
		default:
			if state := store.State(); state != remote.StateOpen {
				loginErr = errorf(KindLoginFailed, "connection %s after %s", state, s.opts.LoginTimeout)
			} else {
				glog.Infof("[slide]login %s not confirmed within %s; connection open, continuing", username, s.opts.LoginTimeout)
			}
		}
	case <-ctx.Done():
		loginErr = newError(KindLoginFailed, "cancelled", ctx.Err())
	}
	store.Events().Unsubscribe(loginEvent, h)

	if loginErr != nil {
		cancelState()
		store.Close()
		return loginErr
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		cancelState()
		store.Close()
		return errorf(KindLoginFailed, "superseded")
	}
	s.store = store
	s.cancelState = cancelState
	s.st = sessionState{
		username:      username,
		credential:    credential,
		token:         token,
		authenticated: true,
	}
	s.mu.Unlock()
	glog.V(2).Infof("[slide]logged in as %s", username)

	if state := store.State(); state == remote.StateClosed || state == remote.StateError {
		go s.forceReset(gen)
	}
	return nil
}

func (s *Session) isCurrent(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.connChangedLocked(gen) && s.st.authenticated
}

func (s *Session) handleStateChange(gen uint64, state remote.ConnectionState) {
	if state != remote.StateClosed && state != remote.StateError {
		return
	}
	if !s.isCurrent(gen) {
		return
	}
	glog.Infof("[slide]connection %s; resetting session", state)
	go s.forceReset(gen)
}

func (s *Session) handleRemoteError(gen uint64, ev remote.ErrorEvent) {
	s.mu.Lock()
	current := !s.connChangedLocked(gen)
	joined := ""
	if s.st.role == RoleJoined {
		joined = s.st.joined
	}
	s.mu.Unlock()
	if !current {
		return
	}

	switch {
	case ev.Code == remote.CodeConnectionError:
		glog.Infof("[slide]connection error: %s", ev.Message)
		go s.forceReset(gen)
	case ev.Code == remote.CodeMessageDenied && ev.Topic == remote.TopicRecord && joined != "" && ev.Name == remote.StreamRecord(joined):
		glog.Infof("[slide]read permission on %s revoked; leaving", ev.Name)
		go s.involuntaryLeave(joined)
	default:
		if ev.Code == remote.CodeMessageDenied && remote.IsList(ev.Name) {
			s.subs.dropChannel(ev.Name)
		}
		glog.Infof("[slide]unhandled remote error %s %s %s: %s", ev.Code, ev.Topic, ev.Name, ev.Message)
		if cb := s.opts.OnRemoteError; cb != nil {
			cb(ev)
		}
	}
}

// Host publishes the caller's own stream live with settings and installs cbs.
// Calling it again while hosting updates the settings and callbacks.
func (s *Session) Host(ctx context.Context, settings Settings, cbs StreamCallbacks) error {
	if err := acquire(&s.streamBusy, "host"); err != nil {
		return err
	}
	defer s.streamBusy.Store(false)

	s.mu.Lock()
	if !s.st.authenticated {
		s.mu.Unlock()
		return errorf(KindNotAuthenticated, "host")
	}
	if s.st.role == RoleJoined {
		joined := s.st.joined
		s.mu.Unlock()
		return errorf(KindBusy, "joined to %s", joined)
	}
	store, gen, username, wasHosting := s.store, s.gen, s.st.username, s.st.role == RoleHosting
	s.mu.Unlock()

	gw := gateway{store: store, username: username}
	if err := gw.editSettings(ctx, true, settings); err != nil {
		return err
	}

	s.mu.Lock()
	if s.connChangedLocked(gen) {
		s.mu.Unlock()
		return errorf(KindNotAuthenticated, "connection reset during host")
	}
	if s.keepAlive == nil {
		s.keepAlive = every(s.opts.KeepAliveInterval, keepAliveTick(gw))
	}
	s.mu.Unlock()

	if err := s.subs.setStream(ctx, store, username, cbs); err != nil {
		if !wasHosting {
			s.stopLoop(&s.keepAlive)
		}
		return newError(KindCallbackInstallFailed, remote.StreamRecord(username), err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connChangedLocked(gen) {
		return errorf(KindNotAuthenticated, "connection reset during host")
	}
	s.st.role = RoleHosting
	return nil
}

func keepAliveTick(gw gateway) func(context.Context) bool {
	return func(ctx context.Context) bool {
		if err := gw.keepAlive(ctx); err != nil && ctx.Err() == nil {
			glog.Infof("[slide]keep-alive failed: %v", err)
		}
		return true
	}
}

// Unhost takes the caller's stream offline and tears down its subscriptions.
func (s *Session) Unhost(ctx context.Context) error {
	if err := acquire(&s.streamBusy, "unhost"); err != nil {
		return err
	}
	defer s.streamBusy.Store(false)
	return s.unhost(ctx)
}

func (s *Session) unhost(ctx context.Context) error {
	s.teardownMu.Lock()
	defer s.teardownMu.Unlock()

	s.mu.Lock()
	if !s.st.authenticated {
		s.mu.Unlock()
		return errorf(KindNotAuthenticated, "unhost")
	}
	if s.st.role == RoleJoined {
		joined := s.st.joined
		s.mu.Unlock()
		return errorf(KindBusy, "joined to %s", joined)
	}
	store, gen, username := s.store, s.gen, s.st.username
	s.mu.Unlock()

	s.stopLoop(&s.keepAlive)
	s.stopLoop(&s.playback)
	if err := (gateway{store: store, username: username}).editSettings(ctx, false, Settings{}); err != nil {
		return err
	}
	s.subs.clear()

	s.mu.Lock()
	if !s.connChangedLocked(gen) {
		s.st.role = RoleIdle
	}
	s.mu.Unlock()
	return nil
}

// Join registers with stream and installs cbs. onDead runs when the session
// is forced out of the stream: the stream went quiet or offline, or the
// caller lost membership or read access.
func (s *Session) Join(ctx context.Context, stream string, cbs StreamCallbacks, onDead func()) error {
	if err := acquire(&s.streamBusy, "join"); err != nil {
		return err
	}
	defer s.streamBusy.Store(false)

	s.mu.Lock()
	if !s.st.authenticated {
		s.mu.Unlock()
		return errorf(KindNotAuthenticated, "join")
	}
	switch s.st.role {
	case RoleHosting:
		hosting := s.st.username
		s.mu.Unlock()
		return errorf(KindBusy, "hosting %s", hosting)
	case RoleJoined:
		joined := s.st.joined
		s.mu.Unlock()
		return errorf(KindBusy, "already joined to %s", joined)
	}
	store, gen, username := s.store, s.gen, s.st.username
	s.mu.Unlock()

	if err := (gateway{store: store, username: username}).register(ctx, stream); err != nil {
		return err
	}

	s.mu.Lock()
	if s.connChangedLocked(gen) {
		s.mu.Unlock()
		return errorf(KindNotAuthenticated, "connection reset during join")
	}
	s.st.joined = stream
	s.st.entered = false
	s.st.onDead = onDead
	s.st.stranded = ""
	s.watchdog = every(s.opts.KeepAliveInterval, s.watchdogTick(store, stream))
	s.mu.Unlock()

	cbs.StreamData = s.watchMembership(stream, username, cbs.StreamData)
	if err := s.subs.setStream(ctx, store, stream, cbs); err != nil {
		s.stopLoop(&s.watchdog)
		s.mu.Lock()
		if !s.connChangedLocked(gen) {
			s.st.joined = ""
			s.st.onDead = nil
			s.st.stranded = stream
		}
		s.mu.Unlock()
		return newError(KindCallbackInstallFailed, remote.StreamRecord(stream), err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connChangedLocked(gen) {
		return errorf(KindNotAuthenticated, "connection reset during join")
	}
	s.st.role = RoleJoined
	return nil
}

// watchMembership forwards stream updates until the caller, once seen as a
// member, disappears from the member list.
func (s *Session) watchMembership(stream, username string, next func(model.Stream)) func(model.Stream) {
	return func(st model.Stream) {
		s.mu.Lock()
		if s.st.joined != stream {
			s.mu.Unlock()
			return
		}
		lost := false
		if st.HasMember(username) {
			s.st.entered = true
		} else if s.st.entered && s.st.role == RoleJoined {
			lost = true
		}
		s.mu.Unlock()

		if lost {
			glog.Infof("[slide]%s is no longer a member of %s; leaving", username, stream)
			go s.involuntaryLeave(stream)
			return
		}
		if next != nil {
			next(st)
		}
	}
}

func (s *Session) watchdogTick(store remote.Store, stream string) func(context.Context) bool {
	return func(ctx context.Context) bool {
		rec := store.Record(remote.StreamRecord(stream))
		err := remote.WaitReady(ctx, rec.WhenReady)
		raw := rec.Data()
		rec.Discard()
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			glog.Infof("[slide]watchdog read of %s failed: %v", stream, err)
			return true
		}

		st := decodeStream(stream, raw)
		idle := s.opts.Now().Sub(time.UnixMilli(st.Timestamp))
		if st.Live && idle <= s.opts.InactivityThreshold {
			return true
		}
		glog.Infof("[slide]stream %s is dead (live=%t, idle %s); leaving", stream, st.Live, idle)
		go s.involuntaryLeave(stream)
		return false
	}
}

// involuntaryLeave leaves a stream the session was forced out of. When the
// deregistration fails the stream is kept as stranded, so a later Leave can
// retry it, and the failure goes to OnRemoteError.
func (s *Session) involuntaryLeave(stream string) {
	err := s.leave(context.Background(), true, stream)
	if err == nil || errors.Is(err, ErrNotPartOfStream) {
		return
	}
	glog.Infof("[slide]leaving %s failed: %v", stream, err)
	if cb := s.opts.OnRemoteError; cb != nil {
		cb(remote.ErrorEvent{Code: remote.CodeLeaveFailed, Name: remote.StreamRecord(stream), Message: err.Error()})
	}
}

// Leave deregisters from the joined stream. fireDead runs the dead callback
// given to Join once the deregistration succeeded.
func (s *Session) Leave(ctx context.Context, fireDead bool) error {
	if err := acquire(&s.teardownBusy, "leave"); err != nil {
		return err
	}
	defer s.teardownBusy.Store(false)
	return s.leave(ctx, fireDead, "")
}

// leave tears down the joined stream. When expect is set the call only
// applies to that stream. A stream whose join failed after registering can
// still be left, without the dead callback.
func (s *Session) leave(ctx context.Context, fireDead bool, expect string) error {
	s.teardownMu.Lock()
	defer s.teardownMu.Unlock()

	s.mu.Lock()
	if !s.st.authenticated {
		s.mu.Unlock()
		return errorf(KindNotAuthenticated, "leave")
	}
	joined := s.st.role == RoleJoined
	stream := s.st.joined
	if !joined {
		stream = s.st.stranded
		fireDead = false
	}
	if stream == "" || (expect != "" && (!joined || expect != stream)) {
		s.mu.Unlock()
		return errorf(KindNotPartOfStream, "not joined")
	}
	store, gen, username := s.store, s.gen, s.st.username
	s.mu.Unlock()

	s.subs.clear()
	s.stopLoop(&s.watchdog)
	s.stopLoop(&s.playback)
	if err := (gateway{store: store, username: username}).deregister(ctx, stream); err != nil {
		if expect != "" {
			s.strand(gen, stream)
		}
		return err
	}

	s.mu.Lock()
	if s.connChangedLocked(gen) {
		s.mu.Unlock()
		return nil
	}
	onDead := s.st.onDead
	s.st.role = RoleIdle
	s.st.joined = ""
	s.st.entered = false
	s.st.onDead = nil
	s.st.stranded = ""
	s.mu.Unlock()

	glog.V(2).Infof("[slide]left %s", stream)
	if fireDead && onDead != nil {
		onDead()
	}
	return nil
}

// strand drops the joined role after a forced leave whose deregistration
// failed. Subscriptions and the watchdog are already gone.
func (s *Session) strand(gen uint64, stream string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connChangedLocked(gen) || s.st.role != RoleJoined || s.st.joined != stream {
		return
	}
	s.st.role = RoleIdle
	s.st.joined = ""
	s.st.entered = false
	s.st.onDead = nil
	s.st.stranded = stream
}

// Logout leaves or unhosts as needed, then resets the session.
func (s *Session) Logout(ctx context.Context) error {
	if err := acquire(&s.teardownBusy, "logout"); err != nil {
		return err
	}
	defer s.teardownBusy.Store(false)

	s.mu.Lock()
	if !s.st.authenticated {
		s.mu.Unlock()
		return errorf(KindNotAuthenticated, "logout")
	}
	gen, role := s.gen, s.st.role
	s.mu.Unlock()

	switch role {
	case RoleJoined:
		if err := s.leave(ctx, false, ""); err != nil {
			glog.Infof("[slide]leave during logout: %v", err)
		}
	case RoleHosting:
		if err := s.unhost(ctx); err != nil {
			glog.Infof("[slide]unhost during logout: %v", err)
		}
	}
	return s.reset(ctx, gen)
}

// Reset closes the connection, waits until it is fully closed and clears the
// session. Resetting a session without a connection does nothing.
func (s *Session) Reset(ctx context.Context) error {
	if err := acquire(&s.teardownBusy, "reset"); err != nil {
		return err
	}
	defer s.teardownBusy.Store(false)
	return s.reset(ctx, 0)
}

func (s *Session) forceReset(gen uint64) {
	if err := s.reset(context.Background(), gen); err != nil {
		glog.Infof("[slide]reset failed: %v", err)
	}
}

// reset applies only to connection expect when it is non-zero, so a late
// trigger from an old connection can not tear down a newer one.
func (s *Session) reset(ctx context.Context, expect uint64) error {
	s.teardownMu.Lock()
	defer s.teardownMu.Unlock()

	s.mu.Lock()
	store := s.store
	stale := expect != 0 && expect != s.gen
	s.mu.Unlock()
	if store == nil || stale {
		return nil
	}

	s.stopLoop(&s.keepAlive)
	s.stopLoop(&s.watchdog)
	s.stopLoop(&s.playback)

	if err := waitClosed(ctx, store); err != nil {
		return newError(KindUnknown, "waiting for close", err)
	}
	s.subs.clear()

	s.mu.Lock()
	cancelState := s.cancelState
	s.store = nil
	s.cancelState = nil
	s.st = sessionState{}
	s.mu.Unlock()

	// A host or join racing the close may have started a loop meanwhile.
	s.stopLoop(&s.keepAlive)
	s.stopLoop(&s.watchdog)
	if cancelState != nil {
		cancelState()
	}
	glog.V(2).Infof("[slide]session reset")
	if cb := s.opts.OnDisconnect; cb != nil {
		cb()
	}
	return nil
}

// waitClosed requests close and blocks until the store reports CLOSED.
func waitClosed(ctx context.Context, store remote.Store) error {
	closed := make(chan struct{})
	var once sync.Once
	markClosed := func() { once.Do(func() { close(closed) }) }
	cancel := store.OnStateChange(func(state remote.ConnectionState) {
		if state == remote.StateClosed {
			markClosed()
		}
	})
	defer cancel()

	if store.State() == remote.StateClosed {
		markClosed()
	} else {
		store.Close()
	}
	select {
	case <-closed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type participation struct {
	store    remote.Store
	gen      uint64
	gw       gateway
	username string
	stream   string
	role     Role
}

// participant checks the caller is logged in and hosting or joined.
func (s *Session) participant() (participation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.st.authenticated {
		return participation{}, errorf(KindNotAuthenticated, "not logged in")
	}
	p := participation{
		store:    s.store,
		gen:      s.gen,
		gw:       gateway{store: s.store, username: s.st.username},
		username: s.st.username,
		role:     s.st.role,
	}
	switch s.st.role {
	case RoleHosting:
		p.stream = s.st.username
	case RoleJoined:
		p.stream = s.st.joined
	default:
		return participation{}, errorf(KindNotPartOfStream, "not hosting or joined")
	}
	return p, nil
}

// SetStreamCallbacks replaces the stream callbacks of the current stream.
func (s *Session) SetStreamCallbacks(ctx context.Context, cbs StreamCallbacks) error {
	p, err := s.participant()
	if err != nil {
		return err
	}
	if p.role != RoleHosting {
		cbs.StreamData = s.watchMembership(p.stream, p.username, cbs.StreamData)
	}
	if err := s.subs.setStream(ctx, p.store, p.stream, cbs); err != nil {
		return newError(KindCallbackInstallFailed, remote.StreamRecord(p.stream), err)
	}
	return nil
}

// SetTrackCallbacks drops the callbacks of remove, then subscribes each
// locator in add. Subscriptions complete in the background.
func (s *Session) SetTrackCallbacks(add map[string]TrackCallback, remove []string) error {
	p, err := s.participant()
	if err != nil {
		return err
	}
	s.subs.setTracks(p.store, add, remove)
	return nil
}

// CreateItem creates a track record and returns its locator.
func (s *Session) CreateItem(ctx context.Context, uri string, playData *model.PlayData) (string, error) {
	p, err := s.participant()
	if err != nil {
		return "", err
	}
	return p.gw.createItem(ctx, p.stream, uri, playData)
}

// EditList replaces kind's contents with update if they still equal original.
func (s *Session) EditList(ctx context.Context, kind model.ListKind, original, update []string) error {
	p, err := s.participant()
	if err != nil {
		return err
	}
	return p.gw.editList(ctx, p.stream, kind, original, update)
}

func (s *Session) Vote(ctx context.Context, locator string, kind model.ListKind, up bool) error {
	p, err := s.participant()
	if err != nil {
		return err
	}
	return p.gw.vote(ctx, locator, kind, up)
}

func (s *Session) PlayItem(ctx context.Context, uri string, playData *model.PlayData, seek int, state string) error {
	p, err := s.participant()
	if err != nil {
		return err
	}
	return p.gw.playItem(ctx, p.stream, uri, playData, seek, state)
}

// RemoveMember removes member from the stream the caller hosts.
func (s *Session) RemoveMember(ctx context.Context, member string) error {
	p, err := s.participant()
	if err != nil {
		return err
	}
	if p.role != RoleHosting {
		return errorf(KindNotPartOfStream, "only the host can remove members")
	}
	return p.gw.removeMember(ctx, member)
}
