package store

import (
	"errors"

	"github.com/oklog/ulid/v2"
	"slide-lite/internal/model"
	"slide-lite/internal/remote"
)

var (
	ErrNotOwner         = errors.New("Not the stream owner")
	ErrStreamNotFound   = errors.New("Stream not found")
	ErrStreamNotLive    = errors.New("Stream is not live")
	ErrNotMember        = errors.New("Not a member of the stream")
	ErrInvalidList      = errors.New("Invalid list")
	ErrListForbidden    = errors.New("List is not editable by this user")
	ErrListChanged      = errors.New("List changed since snapshot")
	ErrTrackNotFound    = errors.New("Track not found")
	ErrPlaybackDisabled = errors.New("Playback is not allowed for this user")
)

// Change describes what a mutation touched. Names had their data changed;
// Stream is set when read permissions on that stream may have changed.
type Change struct {
	Stream string
	Names  []string
}

type StreamSettings struct {
	Live      bool
	Private   bool
	Voting    bool
	Autopilot bool
	Limited   bool
}

// StreamNames lists the stream record followed by its four lists.
func StreamNames(stream string) []string {
	names := []string{remote.StreamRecord(stream)}
	for _, kind := range model.ListKinds {
		names = append(names, remote.ListName(kind, stream))
	}
	return names
}

func (s *Store) bumpLocked(names ...string) {
	for _, name := range names {
		s.versions.next(name)
	}
}

// EditStreamSettings creates or updates the caller's own stream.
func (s *Store) EditStreamSettings(username, stream string, settings StreamSettings, nowMillis int64) (Change, error) {
	if stream != username {
		return Change{}, ErrNotOwner
	}

	s.mu.Lock()
	st, exists := s.streamsByName[stream]
	if !exists {
		st = model.Stream{Name: stream, Users: model.Members{}}
		for _, kind := range model.ListKinds {
			s.listsByName[remote.ListName(kind, stream)] = []string{}
		}
	}
	st.Live = settings.Live
	st.Private = settings.Private
	st.Voting = settings.Voting
	st.Autopilot = settings.Autopilot
	st.Limited = settings.Limited
	st.Timestamp = nowMillis
	s.streamsByName[stream] = st

	names := []string{remote.StreamRecord(stream)}
	if !exists {
		names = StreamNames(stream)
	}
	s.bumpLocked(names...)
	s.unlockAndPersist()
	return Change{Stream: stream, Names: names}, nil
}

func (s *Store) KeepStreamAlive(username, stream string, nowMillis int64) (Change, error) {
	if stream != username {
		return Change{}, ErrNotOwner
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streamsByName[stream]
	if !ok {
		return Change{}, ErrStreamNotFound
	}
	st.Timestamp = nowMillis
	s.streamsByName[stream] = st
	// Liveness pings are frequent and not worth a disk write.
	s.bumpLocked(remote.StreamRecord(stream))
	return Change{Names: []string{remote.StreamRecord(stream)}}, nil
}

func (s *Store) RegisterWithStream(username, stream string, nowMillis int64) (Change, error) {
	s.mu.Lock()
	st, ok := s.streamsByName[stream]
	if !ok {
		s.mu.Unlock()
		return Change{}, ErrStreamNotFound
	}
	if !st.Live {
		s.mu.Unlock()
		return Change{}, ErrStreamNotLive
	}
	if stream == username {
		s.mu.Unlock()
		return Change{}, ErrNotMember
	}
	st.Users = st.Users.Add(username)
	s.streamsByName[stream] = st
	s.bumpLocked(remote.StreamRecord(stream))
	s.unlockAndPersist()
	return Change{Stream: stream, Names: []string{remote.StreamRecord(stream)}}, nil
}

// DeregisterFromStream succeeds even when the caller already lost
// membership, so an involuntary leave can always complete.
func (s *Store) DeregisterFromStream(username, stream string, nowMillis int64) (Change, error) {
	s.mu.Lock()
	st, ok := s.streamsByName[stream]
	if !ok {
		s.mu.Unlock()
		return Change{}, ErrStreamNotFound
	}
	if !st.HasMember(username) {
		s.mu.Unlock()
		return Change{}, nil
	}
	st.Users = st.Users.Remove(username)
	s.streamsByName[stream] = st
	s.bumpLocked(remote.StreamRecord(stream))
	s.unlockAndPersist()
	return Change{Stream: stream, Names: []string{remote.StreamRecord(stream)}}, nil
}

func (s *Store) RemoveMember(owner, stream, username string, nowMillis int64) (Change, error) {
	if stream != owner {
		return Change{}, ErrNotOwner
	}
	return s.DeregisterFromStream(username, stream, nowMillis)
}

// participantLocked returns the stream when username owns it or is a member.
func (s *Store) participantLocked(username, stream string) (model.Stream, bool, error) {
	st, ok := s.streamsByName[stream]
	if !ok {
		return model.Stream{}, false, ErrStreamNotFound
	}
	owner := stream == username
	if !owner && !st.HasMember(username) {
		return model.Stream{}, false, ErrNotMember
	}
	return st, owner, nil
}

func (s *Store) CreateListTrack(username, stream, uri string, playData *model.PlayData, nowMillis int64) (string, Change, error) {
	s.mu.Lock()
	if _, _, err := s.participantLocked(username, stream); err != nil {
		s.mu.Unlock()
		return "", Change{}, err
	}

	locator := remote.TrackRecord(ulid.Make().String())
	s.tracksByName[locator] = model.Track{
		Locator:  locator,
		URI:      uri,
		PlayData: playData,
		Up:       []string{},
		Down:     []string{},
	}
	s.bumpLocked(locator)
	s.unlockAndPersist()
	return locator, Change{Names: []string{locator}}, nil
}

// ModifyStreamLists replaces a list only when its current contents still
// equal the snapshot the caller edited.
func (s *Store) ModifyStreamLists(username, stream string, kind model.ListKind, original, update []string, nowMillis int64) (Change, error) {
	if !kind.Valid() {
		return Change{}, ErrInvalidList
	}

	s.mu.Lock()
	st, owner, err := s.participantLocked(username, stream)
	if err != nil {
		s.mu.Unlock()
		return Change{}, err
	}
	if !owner && (kind == model.ListLocked || (st.Limited && kind != model.ListSuggestion)) {
		s.mu.Unlock()
		return Change{}, ErrListForbidden
	}

	name := remote.ListName(kind, stream)
	if !model.EqualEntries(s.listsByName[name], original) {
		s.mu.Unlock()
		return Change{}, ErrListChanged
	}
	s.listsByName[name] = append([]string{}, update...)
	s.bumpLocked(name)
	s.unlockAndPersist()
	return Change{Names: []string{name}}, nil
}

// VoteOnTrack toggles the caller's vote. Voting the same way twice withdraws
// the vote; voting the other way moves it.
func (s *Store) VoteOnTrack(username, locator string, up bool, nowMillis int64) (Change, error) {
	s.mu.Lock()
	tr, ok := s.tracksByName[locator]
	if !ok {
		s.mu.Unlock()
		return Change{}, ErrTrackNotFound
	}

	same, other := &tr.Up, &tr.Down
	if !up {
		same, other = &tr.Down, &tr.Up
	}
	if containsString(*same, username) {
		*same = removeString(*same, username)
	} else {
		*same = append(*same, username)
		*other = removeString(*other, username)
	}
	tr.Score = len(tr.Up) - len(tr.Down)
	s.tracksByName[locator] = tr
	s.bumpLocked(locator)
	s.unlockAndPersist()
	return Change{Names: []string{locator}}, nil
}

func (s *Store) PlayTrack(username, stream, state string, seek int, uri string, playData *model.PlayData, nowMillis int64) (Change, error) {
	s.mu.Lock()
	st, owner, err := s.participantLocked(username, stream)
	if err != nil {
		s.mu.Unlock()
		return Change{}, err
	}
	if !owner && st.Limited {
		s.mu.Unlock()
		return Change{}, ErrPlaybackDisabled
	}

	st.State = state
	st.Seek = seek
	st.URI = uri
	st.PlayData = playData
	st.Timestamp = nowMillis
	s.streamsByName[stream] = st
	s.bumpLocked(remote.StreamRecord(stream))
	s.unlockAndPersist()
	return Change{Names: []string{remote.StreamRecord(stream)}}, nil
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func removeString(list []string, v string) []string {
	out := make([]string, 0, len(list))
	for _, s := range list {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}
