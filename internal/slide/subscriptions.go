package slide

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/golang/glog"
	"golang.org/x/sync/errgroup"
	"slide-lite/internal/model"
	"slide-lite/internal/remote"
)

// channelDef describes one stream channel: the stream record when kind is
// empty, otherwise one of the four lists.
type channelDef struct {
	kind    model.ListKind
	applies func(limited bool) bool
}

func always(limited bool) bool { return true }

// auxVisible hides locked, queue and autoplay while the stream is limited,
// from its owner as well.
func auxVisible(limited bool) bool { return !limited }

var streamChannels = []channelDef{
	{applies: always},
	{kind: model.ListLocked, applies: auxVisible},
	{kind: model.ListQueue, applies: auxVisible},
	{kind: model.ListSuggestion, applies: always},
	{kind: model.ListAutoplay, applies: auxVisible},
}

func (c channelDef) name(stream string) string {
	if c.kind == "" {
		return remote.StreamRecord(stream)
	}
	return remote.ListName(c.kind, stream)
}

type releaser interface {
	Unsubscribe(remote.Handle)
	Discard()
}

type installed struct {
	name   string
	owner  releaser
	handle remote.Handle
}

func (i *installed) release() {
	glog.V(2).Infof("[slide]unsubscribe %s", i.name)
	i.owner.Unsubscribe(i.handle)
	i.owner.Discard()
}

type trackSub struct {
	locator    string
	rec        remote.Record
	handle     remote.Handle
	subscribed bool
	cancelled  bool
}

// subscriptions holds at most one installed callback per stream channel and
// per track locator.
type subscriptions struct {
	// reconcileMu serializes whole reconcile and clear passes.
	reconcileMu sync.Mutex

	mu     sync.Mutex
	slots  []*installed
	tracks map[string]*trackSub
}

func newSubscriptions() *subscriptions {
	return &subscriptions{
		slots:  make([]*installed, len(streamChannels)),
		tracks: make(map[string]*trackSub),
	}
}

func (m *subscriptions) swapSlot(i int, next *installed) {
	m.mu.Lock()
	old := m.slots[i]
	m.slots[i] = next
	m.mu.Unlock()
	if old != nil {
		old.release()
	}
}

func decodeStream(stream string, raw json.RawMessage) model.Stream {
	var st model.Stream
	if err := json.Unmarshal(raw, &st); err != nil {
		glog.Infof("[slide]bad stream record %s: %v", stream, err)
	}
	st.Name = stream
	return st
}

// setStream reconciles the stream channels of stream against cbs. Every old
// callback is released before its slot is refilled. It returns once every
// installed channel is ready and has delivered its current value.
func (m *subscriptions) setStream(ctx context.Context, store remote.Store, stream string, cbs StreamCallbacks) error {
	m.reconcileMu.Lock()
	defer m.reconcileMu.Unlock()

	rec := store.Record(remote.StreamRecord(stream))
	if err := remote.WaitReady(ctx, rec.WhenReady); err != nil {
		rec.Discard()
		m.releaseSlots()
		return fmt.Errorf("%s: %w", rec.Name(), err)
	}
	limited := decodeStream(stream, rec.Data()).Limited

	keepRec := false
	g, gctx := errgroup.WithContext(ctx)
	for i, def := range streamChannels {
		m.swapSlot(i, nil)

		if def.kind == "" {
			cb := cbs.StreamData
			if cb == nil {
				continue
			}
			h := rec.Subscribe(func(raw json.RawMessage) { cb(decodeStream(stream, raw)) }, true)
			m.swapSlot(i, &installed{name: rec.Name(), owner: rec, handle: h})
			keepRec = true
			continue
		}

		cb := cbs.list(def.kind)
		if cb == nil || !def.applies(limited) {
			continue
		}
		i, name := i, def.name(stream)
		g.Go(func() error {
			l := store.List(name)
			if err := remote.WaitReady(gctx, l.WhenReady); err != nil {
				l.Discard()
				return fmt.Errorf("%s: %w", name, err)
			}
			h := l.Subscribe(cb, true)
			m.swapSlot(i, &installed{name: name, owner: l, handle: h})
			glog.V(2).Infof("[slide]subscribed %s", name)
			return nil
		})
	}
	if !keepRec {
		rec.Discard()
	}
	return g.Wait()
}

func (m *subscriptions) releaseSlots() {
	for i := range m.slots {
		m.swapSlot(i, nil)
	}
}

// dropChannel releases whichever slot is subscribed to name.
func (m *subscriptions) dropChannel(name string) bool {
	m.mu.Lock()
	var old *installed
	for i, in := range m.slots {
		if in != nil && in.name == name {
			old = in
			m.slots[i] = nil
			break
		}
	}
	m.mu.Unlock()
	if old == nil {
		return false
	}
	old.release()
	return true
}

// setTracks removes then adds per-track callbacks. Subscriptions complete in
// the background.
func (m *subscriptions) setTracks(store remote.Store, add map[string]TrackCallback, remove []string) {
	for _, locator := range remove {
		m.mu.Lock()
		sub := m.tracks[locator]
		delete(m.tracks, locator)
		m.mu.Unlock()
		if sub != nil {
			m.cancelTrack(sub)
		}
	}

	for locator, cb := range add {
		sub := &trackSub{locator: locator, rec: store.Record(locator)}
		m.mu.Lock()
		old := m.tracks[locator]
		m.tracks[locator] = sub
		m.mu.Unlock()
		if old != nil {
			m.cancelTrack(old)
		}
		m.watchTrack(sub, cb)
	}
}

func (m *subscriptions) watchTrack(sub *trackSub, cb TrackCallback) {
	sub.rec.WhenReady(func(err error) {
		if err != nil {
			glog.Infof("[slide]track %s unavailable: %v", sub.locator, err)
			m.mu.Lock()
			if m.tracks[sub.locator] == sub {
				delete(m.tracks, sub.locator)
			}
			sub.cancelled = true
			m.mu.Unlock()
			sub.rec.Discard()
			return
		}

		m.mu.Lock()
		cancelled := sub.cancelled
		m.mu.Unlock()
		if cancelled {
			sub.rec.Discard()
			return
		}

		locator := sub.locator
		h := sub.rec.Subscribe(func(raw json.RawMessage) {
			var tr model.Track
			if err := json.Unmarshal(raw, &tr); err != nil {
				glog.Infof("[slide]bad track record %s: %v", locator, err)
			}
			tr.Locator = locator
			cb(tr)
		}, true)

		m.mu.Lock()
		if sub.cancelled {
			m.mu.Unlock()
			sub.rec.Unsubscribe(h)
			sub.rec.Discard()
			return
		}
		sub.handle = h
		sub.subscribed = true
		m.mu.Unlock()
	})
}

// cancelTrack releases sub exactly once: here when its callback is already
// installed, otherwise in watchTrack once the record is ready.
func (m *subscriptions) cancelTrack(sub *trackSub) {
	m.mu.Lock()
	if sub.cancelled {
		m.mu.Unlock()
		return
	}
	sub.cancelled = true
	subscribed := sub.subscribed
	h := sub.handle
	m.mu.Unlock()
	if subscribed {
		sub.rec.Unsubscribe(h)
		sub.rec.Discard()
	}
}

func (m *subscriptions) trackCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tracks)
}

// clear releases every channel and track.
func (m *subscriptions) clear() {
	m.reconcileMu.Lock()
	defer m.reconcileMu.Unlock()
	m.releaseSlots()

	m.mu.Lock()
	tracks := m.tracks
	m.tracks = make(map[string]*trackSub)
	m.mu.Unlock()
	for _, sub := range tracks {
		m.cancelTrack(sub)
	}
}
