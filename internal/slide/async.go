package slide

import (
	"context"

	"slide-lite/internal/model"
)

// Future is the result of a command started in the background.
type Future[T any] struct {
	done chan struct{}
	val  T
	err  error
}

type Void = struct{}

func start[T any](fn func() (T, error)) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}
	go func() {
		f.val, f.err = fn()
		close(f.done)
	}()
	return f
}

func startVoid(fn func() error) *Future[Void] {
	return start(func() (Void, error) { return Void{}, fn() })
}

func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Wait blocks until the command finishes or ctx is done. Giving up on ctx
// does not cancel the command.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Then runs cb on its own goroutine once the command finishes.
func (f *Future[T]) Then(cb func(T, error)) {
	go func() {
		<-f.done
		cb(f.val, f.err)
	}()
}

func (s *Session) LoginAsync(ctx context.Context, username, credential string) *Future[Void] {
	return startVoid(func() error { return s.Login(ctx, username, credential) })
}

func (s *Session) LogoutAsync(ctx context.Context) *Future[Void] {
	return startVoid(func() error { return s.Logout(ctx) })
}

func (s *Session) HostAsync(ctx context.Context, settings Settings, cbs StreamCallbacks) *Future[Void] {
	return startVoid(func() error { return s.Host(ctx, settings, cbs) })
}

func (s *Session) UnhostAsync(ctx context.Context) *Future[Void] {
	return startVoid(func() error { return s.Unhost(ctx) })
}

func (s *Session) JoinAsync(ctx context.Context, stream string, cbs StreamCallbacks, onDead func()) *Future[Void] {
	return startVoid(func() error { return s.Join(ctx, stream, cbs, onDead) })
}

func (s *Session) LeaveAsync(ctx context.Context, fireDead bool) *Future[Void] {
	return startVoid(func() error { return s.Leave(ctx, fireDead) })
}

func (s *Session) ResetAsync(ctx context.Context) *Future[Void] {
	return startVoid(func() error { return s.Reset(ctx) })
}

func (s *Session) CreateItemAsync(ctx context.Context, uri string, playData *model.PlayData) *Future[string] {
	return start(func() (string, error) { return s.CreateItem(ctx, uri, playData) })
}

func (s *Session) EditListAsync(ctx context.Context, kind model.ListKind, original, update []string) *Future[Void] {
	return startVoid(func() error { return s.EditList(ctx, kind, original, update) })
}

func (s *Session) VoteAsync(ctx context.Context, locator string, kind model.ListKind, up bool) *Future[Void] {
	return startVoid(func() error { return s.Vote(ctx, locator, kind, up) })
}

func (s *Session) PlayItemAsync(ctx context.Context, uri string, playData *model.PlayData, seek int, state string) *Future[Void] {
	return startVoid(func() error { return s.PlayItem(ctx, uri, playData, seek, state) })
}

func (s *Session) SetStreamCallbacksAsync(ctx context.Context, cbs StreamCallbacks) *Future[Void] {
	return startVoid(func() error { return s.SetStreamCallbacks(ctx, cbs) })
}

func (s *Session) RemoveMemberAsync(ctx context.Context, member string) *Future[Void] {
	return startVoid(func() error { return s.RemoveMember(ctx, member) })
}

func (s *Session) AddItemAsync(ctx context.Context, kind model.ListKind, uri string, playData *model.PlayData, cb TrackCallback) *Future[string] {
	return start(func() (string, error) { return s.AddItem(ctx, kind, uri, playData, cb) })
}

func (s *Session) RemoveItemAsync(ctx context.Context, kind model.ListKind, locator string) *Future[Void] {
	return startVoid(func() error { return s.RemoveItem(ctx, kind, locator) })
}

func (s *Session) MoveItemAsync(ctx context.Context, kind model.ListKind, locator string, up bool) *Future[Void] {
	return startVoid(func() error { return s.MoveItem(ctx, kind, locator, up) })
}

func (s *Session) StartPlaybackAsync(ctx context.Context, kind model.ListKind, snapshot []string, locator, uri string, playData *model.PlayData) *Future[Void] {
	return startVoid(func() error { return s.StartPlayback(ctx, kind, snapshot, locator, uri, playData) })
}
