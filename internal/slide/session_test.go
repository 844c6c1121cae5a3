package slide

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"slide-lite/internal/model"
	"slide-lite/internal/remote"
	"slide-lite/internal/store"
)

func TestLogin_ConfirmedBeforeTimeout(t *testing.T) {
	b := newBackend(t)
	b.fake.OnLogin = func(username, credential string) {
		go func() {
			time.Sleep(200 * time.Millisecond)
			b.fake.SetState(remote.StateOpen)
			b.fake.Emit(remote.LoginEvent(username), map[string]string{"token": "tok-1"})
		}()
	}
	opts := fastOptions(b)
	opts.LoginTimeout = DefaultLoginTimeout
	s := New(opts)

	started := time.Now()
	err := s.Login(ctxT(t), "alice", aliceCredential)
	elapsed := time.Since(started)

	assert.Equal(t, err, nil)
	assert.Equal(t, elapsed < DefaultLoginTimeout, true)
	assert.Equal(t, s.State().Authenticated, true)
	assert.Equal(t, s.State().Username, "alice")
	assert.Equal(t, s.Token(), "tok-1")
	assert.Equal(t, b.fake.Logins()[0].Credential, aliceCredential)
}

func TestLogin_LenientWhenConnectionOpen(t *testing.T) {
	b := newBackend(t)
	b.fake.OnLogin = func(username, credential string) {
		b.fake.SetState(remote.StateOpen)
	}
	opts := fastOptions(b)
	opts.LoginTimeout = DefaultLoginTimeout
	s := New(opts)

	started := time.Now()
	err := s.Login(ctxT(t), "bob", bobCredential)

	assert.Equal(t, err, nil)
	assert.Equal(t, time.Since(started) >= DefaultLoginTimeout, true)
	assert.Equal(t, s.State().Authenticated, true)
	assert.Equal(t, s.Token(), "")
}

func TestLogin_FailsWhenConnectionNotOpen(t *testing.T) {
	b := newBackend(t)
	b.fake.OnLogin = func(username, credential string) {}
	opts := fastOptions(b)
	opts.LoginTimeout = 50 * time.Millisecond
	s := New(opts)

	err := s.Login(ctxT(t), "alice", aliceCredential)
	assert.Equal(t, KindOf(err), KindLoginFailed)
	assert.Equal(t, s.State().Authenticated, false)
	eventually(t, "connection closed", func() bool { return b.fake.State() == remote.StateClosed })
}

func TestLogin_ConnectFailure(t *testing.T) {
	b := newBackend(t)
	b.fake.FailConnect = errors.New("dial refused")
	s := New(fastOptions(b))

	err := s.Login(ctxT(t), "alice", aliceCredential)
	assert.Equal(t, errors.Is(err, ErrLoginFailed), true)
	assert.Equal(t, errors.Is(err, b.fake.FailConnect), true)
}

func TestLogin_AlreadyAuthenticated(t *testing.T) {
	b := newBackend(t)
	s := loggedIn(t, b, fastOptions(b), "alice", aliceCredential)

	err := s.Login(ctxT(t), "alice", aliceCredential)
	assert.Equal(t, errors.Is(err, ErrAlreadyAuthenticated), true)
	assert.Equal(t, b.fake.Connects(), 1)
}

func TestLogin_OverlappingAttemptIsBusy(t *testing.T) {
	b := newBackend(t)
	b.fake.OnLogin = func(username, credential string) {}
	opts := fastOptions(b)
	opts.LoginTimeout = 300 * time.Millisecond
	s := New(opts)

	first := s.LoginAsync(ctxT(t), "alice", aliceCredential)
	eventually(t, "login in flight", func() bool { return s.State().LoggingIn })

	err := s.Login(ctxT(t), "alice", aliceCredential)
	assert.Equal(t, errors.Is(err, ErrBusy), true)

	_, err = first.Wait(ctxT(t))
	assert.Equal(t, KindOf(err), KindLoginFailed)
	assert.Equal(t, s.State().LoggingIn, false)
}

func TestPreconditions_NotAuthenticated(t *testing.T) {
	b := newBackend(t)
	s := New(fastOptions(b))
	ctx := ctxT(t)

	_, createErr := s.CreateItem(ctx, "spotify:track:1", nil)
	errs := []error{
		s.Host(ctx, DefaultSettings(), StreamCallbacks{}),
		s.Unhost(ctx),
		s.Join(ctx, "bob", StreamCallbacks{}, nil),
		s.Leave(ctx, false),
		s.Logout(ctx),
		s.EditList(ctx, model.ListQueue, nil, nil),
		s.Vote(ctx, "track/1", model.ListQueue, true),
		s.PlayItem(ctx, "spotify:track:1", nil, 0, model.PlayStatePlaying),
		s.SetTrackCallbacks(nil, []string{"track/1"}),
		createErr,
	}
	for i, err := range errs {
		if !errors.Is(err, ErrNotAuthenticated) {
			t.Fatalf("call %d: expected NotAuthenticated, got %v", i, err)
		}
	}
	assert.Equal(t, len(b.fake.Calls()), 0)
}

func TestPreconditions_NotPartOfStream(t *testing.T) {
	b := newBackend(t)
	s := loggedIn(t, b, fastOptions(b), "alice", aliceCredential)
	ctx := ctxT(t)

	_, createErr := s.CreateItem(ctx, "spotify:track:1", nil)
	errs := []error{
		s.Leave(ctx, false),
		s.EditList(ctx, model.ListQueue, nil, nil),
		s.Vote(ctx, "track/1", model.ListQueue, true),
		s.PlayItem(ctx, "spotify:track:1", nil, 0, model.PlayStatePlaying),
		s.SetTrackCallbacks(nil, nil),
		s.RemoveMember(ctx, "bob"),
		s.StartPlayback(ctx, model.ListQueue, nil, "track/1", "spotify:track:1", nil),
		createErr,
	}
	for i, err := range errs {
		if !errors.Is(err, ErrNotPartOfStream) {
			t.Fatalf("call %d: expected NotPartOfStream, got %v", i, err)
		}
	}
	assert.Equal(t, len(b.fake.Calls()), 0)
}

func TestHostThenJoinIsBusy(t *testing.T) {
	b := newBackend(t)
	b.hostAs(t, "bob", store.StreamSettings{})
	s := loggedIn(t, b, fastOptions(b), "alice", aliceCredential)
	ctx := ctxT(t)

	err := s.Host(ctx, Settings{Voting: true}, StreamCallbacks{})
	assert.Equal(t, err, nil)

	err = s.Join(ctx, "bob", StreamCallbacks{}, nil)
	assert.Equal(t, errors.Is(err, ErrBusy), true)
	assert.Equal(t, s.State().Role, RoleHosting)
	assert.Equal(t, s.State().HostingStream, true)
	assert.Equal(t, len(b.fake.CallsTo(remote.MethodRegisterWithStream)), 0)

	st := b.stream(t, "alice")
	assert.Equal(t, st.Live, true)
	assert.Equal(t, st.Voting, true)
	assert.Equal(t, st.Private, false)
}

func TestJoinThenHostIsBusy(t *testing.T) {
	b := newBackend(t)
	b.hostAs(t, "bob", store.StreamSettings{})
	s := loggedIn(t, b, fastOptions(b), "alice", aliceCredential)
	ctx := ctxT(t)

	assert.Equal(t, s.Join(ctx, "bob", StreamCallbacks{}, nil), nil)
	assert.Equal(t, s.State().Role, RoleJoined)
	assert.Equal(t, s.State().JoinedStream, "bob")

	err := s.Host(ctx, DefaultSettings(), StreamCallbacks{})
	assert.Equal(t, errors.Is(err, ErrBusy), true)
	err = s.Join(ctx, "bob", StreamCallbacks{}, nil)
	assert.Equal(t, errors.Is(err, ErrBusy), true)
	assert.Equal(t, s.State().Role, RoleJoined)
	assert.Equal(t, len(b.fake.CallsTo(remote.MethodEditStreamSettings)), 0)
}

func TestHost_ListsDeliverCurrentContents(t *testing.T) {
	b := newBackend(t)
	b.hostAs(t, "alice", store.StreamSettings{})
	b.act(t, func(st *store.Store, now int64) (store.Change, error) {
		return st.ModifyStreamLists("alice", "alice", model.ListQueue, []string{}, []string{"track/1", "track/2"}, now)
	})
	b.act(t, func(st *store.Store, now int64) (store.Change, error) {
		return st.ModifyStreamLists("alice", "alice", model.ListLocked, []string{}, []string{"track/0"}, now)
	})

	s := loggedIn(t, b, fastOptions(b), "alice", aliceCredential)
	var streams recorder[model.Stream]
	var locked, queue, suggestion, autoplay recorder[[]string]
	err := s.Host(ctxT(t), Settings{}, StreamCallbacks{
		StreamData: streams.add,
		Locked:     locked.add,
		Queue:      queue.add,
		Suggestion: suggestion.add,
		Autoplay:   autoplay.add,
	})
	assert.Equal(t, err, nil)

	// Delivered before Host returned.
	assert.Equal(t, locked.len(), 1)
	assert.Equal(t, queue.len(), 1)
	assert.Equal(t, autoplay.len(), 1)
	assert.Equal(t, suggestion.len(), 1)
	assert.Equal(t, streams.len() >= 1, true)
	assert.Equal(t, locked.last(), []string{"track/0"})
	assert.Equal(t, queue.last(), []string{"track/1", "track/2"})
	assert.Equal(t, autoplay.last(), []string{})
	assert.Equal(t, streams.last().Name, "alice")
	assert.Equal(t, streams.last().Live, true)
}

func TestHost_LimitedHidesAuxiliaryListsFromOwner(t *testing.T) {
	b := newBackend(t)
	s := loggedIn(t, b, fastOptions(b), "alice", aliceCredential)

	var queue, suggestion recorder[[]string]
	err := s.Host(ctxT(t), Settings{Limited: true}, StreamCallbacks{Queue: queue.add, Suggestion: suggestion.add})
	assert.Equal(t, err, nil)
	assert.Equal(t, s.State().Role, RoleHosting)
	assert.Equal(t, queue.len(), 0)
	assert.Equal(t, b.fake.Subscribers("queue/alice"), 0)
	assert.Equal(t, suggestion.len(), 1)
	assert.Equal(t, b.fake.Subscribers("suggestion/alice"), 1)
}

func TestHost_UnsetFlagsStillGoLive(t *testing.T) {
	b := newBackend(t)
	s := loggedIn(t, b, fastOptions(b), "alice", aliceCredential)

	assert.Equal(t, s.Host(ctxT(t), Settings{Voting: true}, StreamCallbacks{}), nil)
	assert.Equal(t, s.State().Role, RoleHosting)
	assert.Equal(t, len(b.fake.CallsTo(remote.MethodEditStreamSettings)), 1)

	st := b.stream(t, "alice")
	assert.Equal(t, st.Live, true)
	assert.Equal(t, st.Voting, true)
	assert.Equal(t, st.Limited, false)

	var sent rpcParams
	assert.Equal(t, b.fake.CallsTo(remote.MethodEditStreamSettings)[0].Decode(&sent), nil)
	assert.Equal(t, sent.Live, true)
}

func TestJoin_LimitedHidesAuxiliaryLists(t *testing.T) {
	b := newBackend(t)
	b.hostAs(t, "bob", store.StreamSettings{Limited: true})
	s := loggedIn(t, b, fastOptions(b), "alice", aliceCredential)

	var locked, queue, suggestion, autoplay recorder[[]string]
	err := s.Join(ctxT(t), "bob", StreamCallbacks{
		Locked:     locked.add,
		Queue:      queue.add,
		Suggestion: suggestion.add,
		Autoplay:   autoplay.add,
	}, nil)
	assert.Equal(t, err, nil)

	assert.Equal(t, suggestion.len(), 1)
	assert.Equal(t, locked.len(), 0)
	assert.Equal(t, queue.len(), 0)
	assert.Equal(t, autoplay.len(), 0)
	assert.Equal(t, b.fake.Subscribers("queue/bob"), 0)
	assert.Equal(t, b.fake.Subscribers("suggestion/bob"), 1)
	// The membership watch needs the stream record even without a callback.
	assert.Equal(t, b.fake.Subscribers("stream/bob"), 1)
	assert.Equal(t, b.stream(t, "bob").HasMember("alice"), true)
}

func TestJoin_RegisterFailureIsRemoteError(t *testing.T) {
	b := newBackend(t)
	s := loggedIn(t, b, fastOptions(b), "alice", aliceCredential)

	err := s.Join(ctxT(t), "nobody", StreamCallbacks{}, nil)
	assert.Equal(t, errors.Is(err, ErrRemoteError), true)
	assert.Equal(t, errors.Is(err, store.ErrStreamNotFound), true)
	assert.Equal(t, s.State().Role, RoleIdle)
}

func TestJoin_InstallFailureCanBeCleanedUp(t *testing.T) {
	b := newBackend(t)
	b.hostAs(t, "bob", store.StreamSettings{})
	b.fake.Deny("stream/bob")
	s := loggedIn(t, b, fastOptions(b), "alice", aliceCredential)

	err := s.Join(ctxT(t), "bob", StreamCallbacks{}, nil)
	assert.Equal(t, errors.Is(err, ErrCallbackInstallFailed), true)
	assert.Equal(t, errors.Is(err, remote.ErrDenied), true)
	assert.Equal(t, s.State().Role, RoleIdle)
	assert.Equal(t, b.stream(t, "bob").HasMember("alice"), true)

	assert.Equal(t, s.Leave(ctxT(t), true), nil)
	assert.Equal(t, b.stream(t, "bob").HasMember("alice"), false)
	assert.Equal(t, errors.Is(s.Leave(ctxT(t), false), ErrNotPartOfStream), true)
}

func TestEditList_CompareAndSwap(t *testing.T) {
	b := newBackend(t)
	s := loggedIn(t, b, fastOptions(b), "alice", aliceCredential)
	ctx := ctxT(t)
	assert.Equal(t, s.Host(ctx, DefaultSettings(), StreamCallbacks{}), nil)
	b.act(t, func(st *store.Store, now int64) (store.Change, error) {
		return st.ModifyStreamLists("alice", "alice", model.ListQueue, []string{}, []string{"t1", "t2", "t9"}, now)
	})

	err := s.EditList(ctx, model.ListQueue, []string{"t1", "t2"}, []string{"t2", "t1", "t3"})
	assert.Equal(t, errors.Is(err, ErrRemoteError), true)
	assert.Equal(t, b.list("queue/alice"), []string{"t1", "t2", "t9"})

	snapshot := b.list("queue/alice")
	err = s.EditList(ctx, model.ListQueue, snapshot, []string{"t2", "t1", "t9", "t3"})
	assert.Equal(t, err, nil)
	assert.Equal(t, b.list("queue/alice"), []string{"t2", "t1", "t9", "t3"})

	var sent rpcParams
	calls := b.fake.CallsTo(remote.MethodModifyStreamLists)
	assert.Equal(t, calls[0].Decode(&sent), nil)
	assert.Equal(t, sent.List, "queue")
	assert.Equal(t, sent.Original, []string{"t1", "t2"})
	assert.Equal(t, sent.Stream, "alice")
}

func TestSetStreamCallbacks_SingleSubscriptionPerChannel(t *testing.T) {
	b := newBackend(t)
	s := loggedIn(t, b, fastOptions(b), "alice", aliceCredential)
	ctx := ctxT(t)

	var first, second recorder[[]string]
	assert.Equal(t, s.Host(ctx, DefaultSettings(), StreamCallbacks{Queue: first.add, StreamData: func(model.Stream) {}}), nil)
	for i := 0; i < 3; i++ {
		assert.Equal(t, s.SetStreamCallbacks(ctx, StreamCallbacks{Queue: second.add, StreamData: func(model.Stream) {}}), nil)
	}
	assert.Equal(t, b.fake.Subscribers("queue/alice"), 1)
	assert.Equal(t, b.fake.Subscribers("stream/alice"), 1)
	assert.Equal(t, b.fake.Refs("queue/alice"), 1)
	assert.Equal(t, b.fake.Refs("stream/alice"), 1)

	b.act(t, func(st *store.Store, now int64) (store.Change, error) {
		return st.ModifyStreamLists("alice", "alice", model.ListQueue, []string{}, []string{"t1"}, now)
	})
	assert.Equal(t, first.len(), 1)
	assert.Equal(t, second.len(), 4)
	assert.Equal(t, second.last(), []string{"t1"})

	// Omitting a callback leaves its channel unsubscribed.
	assert.Equal(t, s.SetStreamCallbacks(ctx, StreamCallbacks{}), nil)
	assert.Equal(t, b.fake.Subscribers("queue/alice"), 0)
	assert.Equal(t, b.fake.Refs("queue/alice"), 0)
	assert.Equal(t, b.fake.Refs("stream/alice"), 0)
}

func TestSetTrackCallbacks(t *testing.T) {
	b := newBackend(t)
	s := loggedIn(t, b, fastOptions(b), "alice", aliceCredential)
	ctx := ctxT(t)
	assert.Equal(t, s.Host(ctx, DefaultSettings(), StreamCallbacks{}), nil)

	locator, err := s.CreateItem(ctx, "spotify:track:1", &model.PlayData{Name: "One"})
	assert.Equal(t, err, nil)
	assert.Equal(t, remote.IsList(locator), false)

	var old, tracks recorder[model.Track]
	assert.Equal(t, s.SetTrackCallbacks(map[string]TrackCallback{locator: old.add}, nil), nil)
	assert.Equal(t, s.SetTrackCallbacks(map[string]TrackCallback{locator: tracks.add}, []string{"track/unknown"}), nil)
	eventually(t, "track delivered", func() bool { return tracks.len() == 1 })
	assert.Equal(t, b.fake.Subscribers(locator), 1)
	assert.Equal(t, tracks.last().Locator, locator)
	assert.Equal(t, tracks.last().URI, "spotify:track:1")
	assert.Equal(t, tracks.last().PlayData.Name, "One")

	assert.Equal(t, s.Vote(ctx, locator, model.ListQueue, true), nil)
	eventually(t, "vote delivered", func() bool { return tracks.last().Score == 1 })
	oldCount := old.len()

	assert.Equal(t, s.SetTrackCallbacks(nil, []string{locator}), nil)
	eventually(t, "track released", func() bool { return b.fake.Refs(locator) == 0 })
	assert.Equal(t, b.fake.Subscribers(locator), 0)
	assert.Equal(t, old.len(), oldCount)

	var sent rpcParams
	assert.Equal(t, b.fake.CallsTo(remote.MethodVoteOnTrack)[0].Decode(&sent), nil)
	assert.Equal(t, sent.List, "queue")
	assert.Equal(t, sent.Locator, locator)
}

func TestWatchdog_StaleStreamLeavesOnce(t *testing.T) {
	b := newBackend(t)
	b.hostAs(t, "bob", store.StreamSettings{})
	opts := fastOptions(b)
	opts.InactivityThreshold = time.Minute
	s := loggedIn(t, b, opts, "alice", aliceCredential)

	var dead atomic.Int32
	assert.Equal(t, s.Join(ctxT(t), "bob", StreamCallbacks{}, func() { dead.Add(1) }), nil)
	time.Sleep(3 * opts.KeepAliveInterval)
	assert.Equal(t, s.State().Role, RoleJoined)

	b.advance(2 * time.Minute)
	eventually(t, "involuntary leave", func() bool { return s.State().Role == RoleIdle })
	time.Sleep(5 * opts.KeepAliveInterval)

	assert.Equal(t, dead.Load(), int32(1))
	assert.Equal(t, s.State().JoinedStream, "")
	assert.Equal(t, len(b.fake.CallsTo(remote.MethodDeregisterFromStream)), 1)
	assert.Equal(t, b.stream(t, "bob").HasMember("alice"), false)
	assert.Equal(t, b.fake.Refs("stream/bob"), 0)
}

func TestWatchdog_FailedDeregisterStrandsAndRetries(t *testing.T) {
	b := newBackend(t)
	b.hostAs(t, "bob", store.StreamSettings{})
	var deregisterDown atomic.Bool
	b.fake.Handle(remote.MethodDeregisterFromStream, func(raw json.RawMessage) (any, error) {
		if deregisterDown.Load() {
			return nil, errors.New("unavailable")
		}
		var p rpcParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		change, err := b.st.DeregisterFromStream(p.Username, p.Stream, b.clock())
		if err != nil {
			return nil, err
		}
		b.publish(change)
		return nil, nil
	})

	var reported recorder[remote.ErrorEvent]
	opts := fastOptions(b)
	opts.InactivityThreshold = time.Minute
	opts.OnRemoteError = reported.add
	s := loggedIn(t, b, opts, "alice", aliceCredential)

	var dead atomic.Int32
	assert.Equal(t, s.Join(ctxT(t), "bob", StreamCallbacks{}, func() { dead.Add(1) }), nil)
	deregisterDown.Store(true)
	b.advance(2 * time.Minute)

	eventually(t, "leave failure report", func() bool { return reported.len() == 1 })
	ev := reported.last()
	assert.Equal(t, ev.Code, remote.CodeLeaveFailed)
	assert.Equal(t, ev.Name, "stream/bob")
	assert.Equal(t, s.State().Role, RoleIdle)
	assert.Equal(t, dead.Load(), int32(0))
	assert.Equal(t, b.stream(t, "bob").HasMember("alice"), true)

	deregisterDown.Store(false)
	assert.Equal(t, s.Leave(ctxT(t), true), nil)
	assert.Equal(t, b.stream(t, "bob").HasMember("alice"), false)
	assert.Equal(t, len(b.fake.CallsTo(remote.MethodDeregisterFromStream)), 2)
	assert.Equal(t, dead.Load(), int32(0))
	assert.Equal(t, errors.Is(s.Leave(ctxT(t), true), ErrNotPartOfStream), true)
}

func TestWatchdog_OfflineStreamLeaves(t *testing.T) {
	b := newBackend(t)
	b.hostAs(t, "bob", store.StreamSettings{})
	s := loggedIn(t, b, fastOptions(b), "alice", aliceCredential)

	var dead atomic.Int32
	assert.Equal(t, s.Join(ctxT(t), "bob", StreamCallbacks{}, func() { dead.Add(1) }), nil)
	b.act(t, func(st *store.Store, now int64) (store.Change, error) {
		return st.EditStreamSettings("bob", "bob", store.StreamSettings{Live: false}, now)
	})

	eventually(t, "dead callback", func() bool { return dead.Load() == 1 })
	assert.Equal(t, s.State().Role, RoleIdle)
}

func TestMembershipLoss_FiresDeadCallback(t *testing.T) {
	b := newBackend(t)
	b.hostAs(t, "bob", store.StreamSettings{})
	s := loggedIn(t, b, fastOptions(b), "alice", aliceCredential)

	var dead atomic.Int32
	var streams recorder[model.Stream]
	assert.Equal(t, s.Join(ctxT(t), "bob", StreamCallbacks{StreamData: streams.add}, func() { dead.Add(1) }), nil)
	assert.Equal(t, streams.last().HasMember("alice"), true)

	b.act(t, func(st *store.Store, now int64) (store.Change, error) {
		return st.RemoveMember("bob", "bob", "alice", now)
	})
	eventually(t, "dead callback", func() bool { return dead.Load() == 1 })
	assert.Equal(t, s.State().Role, RoleIdle)
	// The update that dropped the caller is not forwarded.
	assert.Equal(t, streams.last().HasMember("alice"), true)
}

func TestRemoteDenial(t *testing.T) {
	b := newBackend(t)
	b.hostAs(t, "bob", store.StreamSettings{})
	var unhandled recorder[remote.ErrorEvent]
	opts := fastOptions(b)
	opts.OnRemoteError = unhandled.add
	s := loggedIn(t, b, opts, "alice", aliceCredential)

	var dead atomic.Int32
	var queue recorder[[]string]
	assert.Equal(t, s.Join(ctxT(t), "bob", StreamCallbacks{Queue: queue.add}, func() { dead.Add(1) }), nil)

	// A hidden list is dropped and reported, the stream stays joined.
	b.fake.RaiseError(remote.ErrorEvent{Code: remote.CodeMessageDenied, Topic: remote.TopicRecord, Name: "queue/bob"})
	assert.Equal(t, unhandled.len(), 1)
	assert.Equal(t, b.fake.Subscribers("queue/bob"), 0)
	assert.Equal(t, s.State().Role, RoleJoined)

	b.fake.RaiseError(remote.ErrorEvent{Code: "SOMETHING_ELSE", Message: "odd"})
	assert.Equal(t, unhandled.len(), 2)
	assert.Equal(t, unhandled.last().Code, "SOMETHING_ELSE")

	b.fake.RaiseError(remote.ErrorEvent{Code: remote.CodeMessageDenied, Topic: remote.TopicRecord, Name: "stream/bob"})
	eventually(t, "dead callback", func() bool { return dead.Load() == 1 })
	assert.Equal(t, s.State().Role, RoleIdle)
	assert.Equal(t, unhandled.len(), 2)
}

func TestLeave_WithoutDeadCallback(t *testing.T) {
	b := newBackend(t)
	b.hostAs(t, "bob", store.StreamSettings{})
	s := loggedIn(t, b, fastOptions(b), "alice", aliceCredential)
	ctx := ctxT(t)

	var dead atomic.Int32
	var suggestion recorder[[]string]
	assert.Equal(t, s.Join(ctx, "bob", StreamCallbacks{Suggestion: suggestion.add}, func() { dead.Add(1) }), nil)
	assert.Equal(t, s.Leave(ctx, false), nil)

	assert.Equal(t, dead.Load(), int32(0))
	assert.Equal(t, s.State().Role, RoleIdle)
	assert.Equal(t, b.fake.Subscribers("suggestion/bob"), 0)
	assert.Equal(t, b.fake.Subscribers("stream/bob"), 0)
	assert.Equal(t, b.stream(t, "bob").HasMember("alice"), false)

	var sent rpcParams
	assert.Equal(t, b.fake.CallsTo(remote.MethodDeregisterFromStream)[0].Decode(&sent), nil)
	assert.Equal(t, sent.Username, "alice")
	assert.Equal(t, sent.Stream, "bob")

	// Rejoining after a leave works.
	assert.Equal(t, s.Join(ctx, "bob", StreamCallbacks{}, nil), nil)
	assert.Equal(t, s.Leave(ctx, true), nil)
	assert.Equal(t, dead.Load(), int32(0))
}

func TestUnhost_StopsKeepAliveAndSubscriptions(t *testing.T) {
	b := newBackend(t)
	opts := fastOptions(b)
	s := loggedIn(t, b, opts, "alice", aliceCredential)
	ctx := ctxT(t)

	assert.Equal(t, s.Host(ctx, DefaultSettings(), StreamCallbacks{Queue: func([]string) {}}), nil)
	eventually(t, "keep-alive", func() bool { return len(b.fake.CallsTo(remote.MethodKeepStreamAlive)) >= 2 })

	assert.Equal(t, s.Unhost(ctx), nil)
	assert.Equal(t, s.State().Role, RoleIdle)
	assert.Equal(t, b.stream(t, "alice").Live, false)
	assert.Equal(t, b.fake.Subscribers("queue/alice"), 0)

	pings := len(b.fake.CallsTo(remote.MethodKeepStreamAlive))
	time.Sleep(5 * opts.KeepAliveInterval)
	assert.Equal(t, len(b.fake.CallsTo(remote.MethodKeepStreamAlive)), pings)

	// Unhost from idle is a plain settings overwrite.
	assert.Equal(t, s.Unhost(ctx), nil)
}

func TestReset_Idempotent(t *testing.T) {
	b := newBackend(t)
	var disconnects atomic.Int32
	opts := fastOptions(b)
	opts.OnDisconnect = func() { disconnects.Add(1) }
	s := loggedIn(t, b, opts, "alice", aliceCredential)
	ctx := ctxT(t)
	assert.Equal(t, s.Host(ctx, DefaultSettings(), StreamCallbacks{Queue: func([]string) {}}), nil)

	assert.Equal(t, s.Reset(ctx), nil)
	first := s.State()
	assert.Equal(t, s.Reset(ctx), nil)

	assert.Equal(t, s.State(), first)
	assert.Equal(t, first, State{})
	assert.Equal(t, disconnects.Load(), int32(1))
	assert.Equal(t, b.fake.State(), remote.StateClosed)
	assert.Equal(t, b.fake.Refs("queue/alice"), 0)

	pings := len(b.fake.Calls())
	time.Sleep(5 * opts.KeepAliveInterval)
	assert.Equal(t, len(b.fake.Calls()), pings)
}

func TestReset_WaitsForClosed(t *testing.T) {
	b := newBackend(t)
	b.fake.CloseDelay = 100 * time.Millisecond
	s := loggedIn(t, b, fastOptions(b), "alice", aliceCredential)

	started := time.Now()
	assert.Equal(t, s.Reset(ctxT(t)), nil)
	assert.Equal(t, time.Since(started) >= b.fake.CloseDelay, true)
	assert.Equal(t, b.fake.State(), remote.StateClosed)
	assert.Equal(t, s.State().Authenticated, false)
}

func TestConnectionErrorForcesReset(t *testing.T) {
	b := newBackend(t)
	b.hostAs(t, "bob", store.StreamSettings{})
	var disconnects atomic.Int32
	opts := fastOptions(b)
	opts.OnDisconnect = func() { disconnects.Add(1) }
	s := loggedIn(t, b, opts, "alice", aliceCredential)
	assert.Equal(t, s.Join(ctxT(t), "bob", StreamCallbacks{}, nil), nil)

	b.fake.RaiseError(remote.ErrorEvent{Code: remote.CodeConnectionError, Message: "connection lost"})
	eventually(t, "reset", func() bool { return !s.State().Authenticated })
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, disconnects.Load(), int32(1))
	assert.Equal(t, s.State().Role, RoleIdle)

	// The session can log in again on a fresh connection.
	assert.Equal(t, s.Login(ctxT(t), "alice", aliceCredential), nil)
	assert.Equal(t, b.fake.Connects(), 2)
}

func TestConnectionDropForcesReset(t *testing.T) {
	b := newBackend(t)
	var disconnects atomic.Int32
	opts := fastOptions(b)
	opts.OnDisconnect = func() { disconnects.Add(1) }
	s := loggedIn(t, b, opts, "alice", aliceCredential)

	b.fake.SetState(remote.StateError)
	b.fake.SetState(remote.StateClosed)
	eventually(t, "reset", func() bool { return disconnects.Load() == 1 })
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, disconnects.Load(), int32(1))
	assert.Equal(t, s.State(), State{})
}

func TestLogout_UnhostsFirst(t *testing.T) {
	b := newBackend(t)
	s := loggedIn(t, b, fastOptions(b), "alice", aliceCredential)
	ctx := ctxT(t)
	assert.Equal(t, s.Host(ctx, DefaultSettings(), StreamCallbacks{}), nil)

	assert.Equal(t, s.Logout(ctx), nil)
	assert.Equal(t, b.stream(t, "alice").Live, false)
	assert.Equal(t, s.State(), State{})
	assert.Equal(t, b.fake.State(), remote.StateClosed)
	assert.Equal(t, errors.Is(s.Logout(ctx), ErrNotAuthenticated), true)
}

func TestLogout_LeavesWithoutDeadCallback(t *testing.T) {
	b := newBackend(t)
	b.hostAs(t, "bob", store.StreamSettings{})
	s := loggedIn(t, b, fastOptions(b), "alice", aliceCredential)
	ctx := ctxT(t)

	var dead atomic.Int32
	assert.Equal(t, s.Join(ctx, "bob", StreamCallbacks{}, func() { dead.Add(1) }), nil)
	assert.Equal(t, s.Logout(ctx), nil)
	assert.Equal(t, dead.Load(), int32(0))
	assert.Equal(t, b.stream(t, "bob").HasMember("alice"), false)
	assert.Equal(t, s.State().Authenticated, false)
}

func TestRemoveMember(t *testing.T) {
	b := newBackend(t)
	s := loggedIn(t, b, fastOptions(b), "alice", aliceCredential)
	ctx := ctxT(t)
	assert.Equal(t, s.Host(ctx, DefaultSettings(), StreamCallbacks{}), nil)
	b.act(t, func(st *store.Store, now int64) (store.Change, error) {
		return st.RegisterWithStream("bob", "alice", now)
	})

	assert.Equal(t, s.RemoveMember(ctx, "bob"), nil)
	assert.Equal(t, b.stream(t, "alice").HasMember("bob"), false)
}

func TestFutures(t *testing.T) {
	b := newBackend(t)
	s := New(fastOptions(b))
	ctx := ctxT(t)

	_, err := s.LoginAsync(ctx, "alice", aliceCredential).Wait(ctx)
	assert.Equal(t, err, nil)
	_, err = s.HostAsync(ctx, DefaultSettings(), StreamCallbacks{}).Wait(ctx)
	assert.Equal(t, err, nil)

	done := make(chan string, 1)
	s.CreateItemAsync(ctx, "spotify:track:9", nil).Then(func(locator string, err error) {
		if err != nil {
			done <- ""
			return
		}
		done <- locator
	})
	select {
	case locator := <-done:
		assert.NotEqual(t, locator, "")
	case <-time.After(2 * time.Second):
		t.Fatalf("Then callback not called")
	}

	_, err = s.JoinAsync(ctx, "bob", StreamCallbacks{}, nil).Wait(ctx)
	assert.Equal(t, errors.Is(err, ErrBusy), true)

	stuck := &Future[Void]{done: make(chan struct{})}
	short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = stuck.Wait(short)
	assert.Equal(t, err, context.DeadlineExceeded)
}

func TestErrorKinds(t *testing.T) {
	err := newError(KindRemoteError, remote.MethodPlayTrack, errors.New("Stream not found"))
	assert.Equal(t, errors.Is(err, ErrRemoteError), true)
	assert.Equal(t, errors.Is(err, ErrBusy), false)
	assert.Equal(t, err.Error(), "RemoteError: play-track: Stream not found")
	assert.Equal(t, KindOf(err), KindRemoteError)
	assert.Equal(t, KindOf(errors.New("plain")), KindUnknown)
	assert.Equal(t, KindCallbackInstallFailed.String(), "CallbackInstallFailed")
}

func TestGatewayPayloads(t *testing.T) {
	b := newBackend(t)
	s := loggedIn(t, b, fastOptions(b), "alice", aliceCredential)
	ctx := ctxT(t)
	assert.Equal(t, s.Host(ctx, Settings{PrivateMode: true, Autopilot: true}, StreamCallbacks{}), nil)
	assert.Equal(t, s.PlayItem(ctx, "spotify:track:1", &model.PlayData{Name: "One"}, 4, model.PlayStatePaused), nil)

	var settings map[string]any
	assert.Equal(t, b.fake.CallsTo(remote.MethodEditStreamSettings)[0].Decode(&settings), nil)
	assert.Equal(t, settings, map[string]any{
		"username":  "alice",
		"stream":    "alice",
		"live":      true,
		"private":   true,
		"voting":    false,
		"autopilot": true,
		"limited":   false,
	})

	var play map[string]json.RawMessage
	assert.Equal(t, b.fake.CallsTo(remote.MethodPlayTrack)[0].Decode(&play), nil)
	assert.Equal(t, string(play["URI"]), `"spotify:track:1"`)
	assert.Equal(t, string(play["playData"]), `{"name":"One"}`)
	assert.Equal(t, string(play["seek"]), "4")
	assert.Equal(t, string(play["state"]), `"paused"`)

	st := b.stream(t, "alice")
	assert.Equal(t, st.State, model.PlayStatePaused)
	assert.Equal(t, st.Seek, 4)
}
