package slide

import (
	"context"

	"github.com/golang/glog"
	"slide-lite/internal/model"
)

// StartPlayback takes locator out of the kind list, as seen in snapshot, and
// starts the playback clock for uri. Each tick advances the position and
// reports it as playing; once the horizon is reached it reports paused and
// stops. A clock already running is stopped first.
func (s *Session) StartPlayback(ctx context.Context, kind model.ListKind, snapshot []string, locator, uri string, playData *model.PlayData) error {
	p, err := s.participant()
	if err != nil {
		return err
	}
	if update, ok := model.RemoveEntry(snapshot, locator); ok {
		if err := p.gw.editList(ctx, p.stream, kind, snapshot, update); err != nil {
			return err
		}
	}

	s.playbackMu.Lock()
	defer s.playbackMu.Unlock()
	s.stopLoop(&s.playback)

	horizon := s.opts.PlaybackHorizon
	position := 0
	clock := every(s.opts.PlaybackTick, func(ctx context.Context) bool {
		state := model.PlayStatePlaying
		if position < horizon {
			position++
		} else {
			state = model.PlayStatePaused
		}
		if err := p.gw.playItem(ctx, p.stream, uri, playData, position, state); err != nil && ctx.Err() == nil {
			glog.Infof("[slide]play %s at %d: %v", uri, position, err)
		}
		return state == model.PlayStatePlaying
	})

	s.mu.Lock()
	if s.connChangedLocked(p.gen) || s.st.role != p.role {
		s.mu.Unlock()
		clock.stop()
		return errorf(KindNotPartOfStream, "stream left during playback start")
	}
	s.playback = clock
	s.mu.Unlock()
	return nil
}

// StopPlayback stops the playback clock, if one is running.
func (s *Session) StopPlayback() {
	s.playbackMu.Lock()
	defer s.playbackMu.Unlock()
	s.stopLoop(&s.playback)
}

// Playing reports whether a playback clock is running.
func (s *Session) Playing() bool {
	s.mu.Lock()
	l := s.playback
	s.mu.Unlock()
	if l == nil {
		return false
	}
	select {
	case <-l.done:
		return false
	default:
		return true
	}
}
