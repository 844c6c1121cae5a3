package slide

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"slide-lite/internal/model"
	"slide-lite/internal/remote"
	"slide-lite/internal/remote/remotetest"
	"slide-lite/internal/store"
)

const (
	aliceCredential = "7d444840-9dc0-11d1-b245-5ffdce74fad2"
	bobCredential   = "1b4e28ba-2fa1-11d2-883f-0016d3cca427"
)

type rpcParams struct {
	Username  string          `json:"username"`
	Stream    string          `json:"stream"`
	Live      bool            `json:"live"`
	Private   bool            `json:"private"`
	Voting    bool            `json:"voting"`
	Autopilot bool            `json:"autopilot"`
	Limited   bool            `json:"limited"`
	URI       string          `json:"URI"`
	PlayData  *model.PlayData `json:"playData"`
	List      string          `json:"list"`
	Original  []string        `json:"original"`
	Update    []string        `json:"update"`
	Locator   string          `json:"locator"`
	Up        bool            `json:"up"`
	State     string          `json:"state"`
	Seek      int             `json:"seek"`
	Member    string          `json:"member"`
}

// backend answers the fake's RPCs from a real store and mirrors every changed
// name into the fake, the way the server broadcasts updates.
type backend struct {
	fake *remotetest.Store
	st   *store.Store

	mu  sync.Mutex
	now int64
}

func newBackend(t *testing.T) *backend {
	t.Helper()
	b := &backend{fake: remotetest.New(), st: store.New(), now: time.Now().UnixMilli()}

	type op func(p rpcParams, now int64) (any, store.Change, error)
	noResult := func(change store.Change, err error) (any, store.Change, error) { return nil, change, err }
	ops := map[string]op{
		remote.MethodEditStreamSettings: func(p rpcParams, now int64) (any, store.Change, error) {
			return noResult(b.st.EditStreamSettings(p.Username, p.Stream, store.StreamSettings{
				Live: p.Live, Private: p.Private, Voting: p.Voting, Autopilot: p.Autopilot, Limited: p.Limited,
			}, now))
		},
		remote.MethodKeepStreamAlive: func(p rpcParams, now int64) (any, store.Change, error) {
			return noResult(b.st.KeepStreamAlive(p.Username, p.Stream, now))
		},
		remote.MethodRegisterWithStream: func(p rpcParams, now int64) (any, store.Change, error) {
			return noResult(b.st.RegisterWithStream(p.Username, p.Stream, now))
		},
		remote.MethodDeregisterFromStream: func(p rpcParams, now int64) (any, store.Change, error) {
			return noResult(b.st.DeregisterFromStream(p.Username, p.Stream, now))
		},
		remote.MethodCreateListTrack: func(p rpcParams, now int64) (any, store.Change, error) {
			locator, change, err := b.st.CreateListTrack(p.Username, p.Stream, p.URI, p.PlayData, now)
			return locator, change, err
		},
		remote.MethodModifyStreamLists: func(p rpcParams, now int64) (any, store.Change, error) {
			return noResult(b.st.ModifyStreamLists(p.Username, p.Stream, model.ListKind(p.List), p.Original, p.Update, now))
		},
		remote.MethodVoteOnTrack: func(p rpcParams, now int64) (any, store.Change, error) {
			return noResult(b.st.VoteOnTrack(p.Username, p.Locator, p.Up, now))
		},
		remote.MethodPlayTrack: func(p rpcParams, now int64) (any, store.Change, error) {
			return noResult(b.st.PlayTrack(p.Username, p.Stream, p.State, p.Seek, p.URI, p.PlayData, now))
		},
		remote.MethodRemoveStreamMember: func(p rpcParams, now int64) (any, store.Change, error) {
			return noResult(b.st.RemoveMember(p.Username, p.Stream, p.Member, now))
		},
	}
	for method, fn := range ops {
		fn := fn
		b.fake.Handle(method, func(raw json.RawMessage) (any, error) {
			var p rpcParams
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, err
			}
			result, change, err := fn(p, b.clock())
			if err != nil {
				return nil, err
			}
			b.publish(change)
			return result, nil
		})
	}
	return b
}

func (b *backend) clock() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.now
}

func (b *backend) advance(d time.Duration) {
	b.mu.Lock()
	b.now += d.Milliseconds()
	b.mu.Unlock()
}

func (b *backend) publish(change store.Change) {
	for _, name := range change.Names {
		if data, _, ok := b.st.Snapshot(name); ok {
			b.fake.Set(name, data)
		}
	}
}

// act runs a store mutation as another participant and mirrors its result.
func (b *backend) act(t *testing.T, fn func(st *store.Store, now int64) (store.Change, error)) {
	t.Helper()
	change, err := fn(b.st, b.clock())
	if err != nil {
		t.Fatalf("backend mutation: %v", err)
	}
	b.publish(change)
}

func (b *backend) hostAs(t *testing.T, owner string, settings store.StreamSettings) {
	t.Helper()
	settings.Live = true
	b.act(t, func(st *store.Store, now int64) (store.Change, error) {
		return st.EditStreamSettings(owner, owner, settings, now)
	})
}

func (b *backend) stream(t *testing.T, name string) model.Stream {
	t.Helper()
	st, ok := b.st.GetStream(name)
	if !ok {
		t.Fatalf("stream %s not found", name)
	}
	return st
}

func (b *backend) list(name string) []string {
	v, _, ok := b.st.Snapshot(name)
	if !ok {
		return nil
	}
	entries, _ := v.([]string)
	return entries
}

func fastOptions(b *backend) Options {
	return Options{
		Connector:           b.fake.Connector(),
		LoginTimeout:        200 * time.Millisecond,
		KeepAliveInterval:   20 * time.Millisecond,
		InactivityThreshold: time.Hour,
		PlaybackTick:        5 * time.Millisecond,
		PlaybackHorizon:     3,
		Now:                 func() time.Time { return time.UnixMilli(b.clock()) },
	}
}

func loggedIn(t *testing.T, b *backend, opts Options, username, credential string) *Session {
	t.Helper()
	s := New(opts)
	if err := s.Login(ctxT(t), username, credential); err != nil {
		t.Fatalf("Login: %v", err)
	}
	return s
}

func ctxT(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// recorder collects callback deliveries.
type recorder[T any] struct {
	mu  sync.Mutex
	got []T
}

func (r *recorder[T]) add(v T) {
	r.mu.Lock()
	r.got = append(r.got, v)
	r.mu.Unlock()
}

func (r *recorder[T]) all() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]T(nil), r.got...)
}

func (r *recorder[T]) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func (r *recorder[T]) last() T {
	r.mu.Lock()
	defer r.mu.Unlock()
	var zero T
	if len(r.got) == 0 {
		return zero
	}
	return r.got[len(r.got)-1]
}

var _ remote.Store = (*remotetest.Store)(nil)
