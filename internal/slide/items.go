package slide

import (
	"context"

	"slide-lite/internal/model"
	"slide-lite/internal/remote"
)

func listSnapshot(ctx context.Context, store remote.Store, name string) ([]string, error) {
	l := store.List(name)
	defer l.Discard()
	if err := remote.WaitReady(ctx, l.WhenReady); err != nil {
		return nil, newError(KindRemoteError, name, err)
	}
	return l.Entries(), nil
}

// AddItem creates a track, optionally watches it with cb, and appends it to
// the kind list. It returns the new locator even when the append fails.
func (s *Session) AddItem(ctx context.Context, kind model.ListKind, uri string, playData *model.PlayData, cb TrackCallback) (string, error) {
	p, err := s.participant()
	if err != nil {
		return "", err
	}
	locator, err := p.gw.createItem(ctx, p.stream, uri, playData)
	if err != nil {
		return "", err
	}
	if cb != nil {
		s.subs.setTracks(p.store, map[string]TrackCallback{locator: cb}, nil)
	}

	snapshot, err := listSnapshot(ctx, p.store, remote.ListName(kind, p.stream))
	if err != nil {
		return locator, err
	}
	return locator, p.gw.editList(ctx, p.stream, kind, snapshot, model.AppendEntry(snapshot, locator))
}

// RemoveItem drops locator from the kind list and stops watching it. A
// locator that is not in the list is left alone.
func (s *Session) RemoveItem(ctx context.Context, kind model.ListKind, locator string) error {
	p, err := s.participant()
	if err != nil {
		return err
	}
	snapshot, err := listSnapshot(ctx, p.store, remote.ListName(kind, p.stream))
	if err != nil {
		return err
	}
	update, ok := model.RemoveEntry(snapshot, locator)
	if !ok {
		return nil
	}
	if err := p.gw.editList(ctx, p.stream, kind, snapshot, update); err != nil {
		return err
	}
	s.subs.setTracks(p.store, nil, []string{locator})
	return nil
}

// MoveItem swaps locator with its neighbour; up moves it towards the head.
func (s *Session) MoveItem(ctx context.Context, kind model.ListKind, locator string, up bool) error {
	p, err := s.participant()
	if err != nil {
		return err
	}
	snapshot, err := listSnapshot(ctx, p.store, remote.ListName(kind, p.stream))
	if err != nil {
		return err
	}
	update, ok := model.MoveEntry(snapshot, locator, up)
	if !ok {
		return nil
	}
	return p.gw.editList(ctx, p.stream, kind, snapshot, update)
}
