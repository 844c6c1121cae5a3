package store

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"slide-lite/internal/model"
	"slide-lite/internal/remote"
)

var (
	ErrInvalidCredential  = errors.New("Invalid credential")
	ErrCredentialMismatch = errors.New("Credential does not match username")
	ErrInvalidUsername    = errors.New("Invalid username")
)

type Store struct {
	mu sync.RWMutex

	stateFile string
	persistMu sync.Mutex

	accountsByUsername map[string]model.Account

	streamsByName  map[string]model.Stream
	listsByName    map[string][]string
	tracksByName   map[string]model.Track
	versions       *seqGenerator
}

func New() *Store {
	return NewWithOptions(Options{})
}

type Options struct {
	StateFile string
}

func NewWithOptions(opts Options) *Store {
	s := &Store{
		accountsByUsername: make(map[string]model.Account),
		streamsByName:      make(map[string]model.Stream),
		listsByName:        make(map[string][]string),
		tracksByName:       make(map[string]model.Track),
		versions:           newSeqGenerator(),
		stateFile:          opts.StateFile,
	}

	if s.stateFile != "" {
		if err := s.loadFromFile(s.stateFile); err != nil {
			log.Printf("state persistence: load failed (%s): %v", s.stateFile, err)
		}
	}

	return s
}

type persistedStateFile struct {
	Version  int                    `json:"version"`
	Accounts []model.Account        `json:"accounts"`
	Streams  map[string]model.Stream `json:"streams"`
	Lists    map[string][]string    `json:"lists"`
	Tracks   map[string]model.Track `json:"tracks"`
	SavedAt  int64                  `json:"savedAt"`
}

func (s *Store) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}

	var file persistedStateFile
	if err := json.Unmarshal(data, &file); err != nil {
		return err
	}
	if file.Version != 1 {
		return errors.New("unsupported state version")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, acc := range file.Accounts {
		if acc.Username == "" || acc.Credential == "" {
			continue
		}
		s.accountsByUsername[acc.Username] = acc
	}
	for name, st := range file.Streams {
		st.Name = name
		// Nobody is connected after a restart.
		st.Live = false
		st.Users = nil
		s.streamsByName[name] = st
	}
	for name, entries := range file.Lists {
		s.listsByName[name] = entries
	}
	for name, tr := range file.Tracks {
		tr.Locator = name
		s.tracksByName[name] = tr
	}
	return nil
}

type stateSnapshot struct {
	accounts []model.Account
	streams  map[string]model.Stream
	lists    map[string][]string
	tracks   map[string]model.Track
}

// snapshotLocked returns nil when persistence is disabled.
func (s *Store) snapshotLocked() *stateSnapshot {
	if s.stateFile == "" {
		return nil
	}
	snap := &stateSnapshot{
		accounts: make([]model.Account, 0, len(s.accountsByUsername)),
		streams:  make(map[string]model.Stream, len(s.streamsByName)),
		lists:    make(map[string][]string, len(s.listsByName)),
		tracks:   make(map[string]model.Track, len(s.tracksByName)),
	}
	for _, acc := range s.accountsByUsername {
		snap.accounts = append(snap.accounts, acc)
	}
	sort.Slice(snap.accounts, func(i, j int) bool { return snap.accounts[i].Username < snap.accounts[j].Username })
	for k, v := range s.streamsByName {
		snap.streams[k] = v
	}
	for k, v := range s.listsByName {
		snap.lists[k] = append([]string(nil), v...)
	}
	for k, v := range s.tracksByName {
		snap.tracks[k] = v
	}
	return snap
}

func (s *Store) persistSnapshot(snap *stateSnapshot) {
	path := s.stateFile
	if path == "" || snap == nil {
		return
	}

	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		log.Printf("state persistence: mkdir failed (%s): %v", dir, err)
		return
	}

	file := persistedStateFile{
		Version:  1,
		Accounts: snap.accounts,
		Streams:  snap.streams,
		Lists:    snap.lists,
		Tracks:   snap.tracks,
		SavedAt:  time.Now().UnixMilli(),
	}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		log.Printf("state persistence: marshal failed: %v", err)
		return
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		log.Printf("state persistence: create temp failed: %v", err)
		return
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		log.Printf("state persistence: chmod temp failed: %v", err)
		return
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		log.Printf("state persistence: write temp failed: %v", err)
		return
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		log.Printf("state persistence: sync temp failed: %v", err)
		return
	}
	if err := tmp.Close(); err != nil {
		log.Printf("state persistence: close temp failed: %v", err)
		return
	}
	if err := os.Rename(tmpName, path); err != nil {
		log.Printf("state persistence: rename failed: %v", err)
		return
	}
}

// unlockAndPersist releases the write lock and writes the snapshot taken
// while it was held.
func (s *Store) unlockAndPersist() {
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.persistSnapshot(snap)
}

// Authenticate binds a credential to a username on first use and checks it
// on every later login.
func (s *Store) Authenticate(username, credential string, nowMillis int64) (model.Account, error) {
	if username == "" {
		return model.Account{}, ErrInvalidUsername
	}
	if _, err := uuid.Parse(credential); err != nil {
		return model.Account{}, ErrInvalidCredential
	}

	s.mu.Lock()
	if existing, ok := s.accountsByUsername[username]; ok {
		s.mu.Unlock()
		if existing.Credential != credential {
			return model.Account{}, ErrCredentialMismatch
		}
		return existing, nil
	}

	acc := model.Account{
		Username:   username,
		Credential: credential,
		CreatedAt:  nowMillis,
	}
	s.accountsByUsername[username] = acc
	s.unlockAndPersist()
	return acc, nil
}

// Snapshot returns the current value of a record or list and its version.
func (s *Store) Snapshot(name string) (any, int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	kind, key, ok := remote.ParseName(name)
	if !ok {
		return nil, 0, false
	}
	version := s.versions.current(name)
	switch {
	case kind+"/" == remote.StreamPrefix:
		st, ok := s.streamsByName[key]
		if !ok {
			return nil, 0, false
		}
		return st, version, true
	case kind+"/" == remote.TrackPrefix:
		tr, ok := s.tracksByName[name]
		if !ok {
			return nil, 0, false
		}
		return tr, version, true
	case remote.IsList(name):
		entries, ok := s.listsByName[name]
		if !ok {
			return nil, 0, false
		}
		if entries == nil {
			entries = []string{}
		}
		return append([]string{}, entries...), version, true
	}
	return nil, 0, false
}

// CanRead reports whether username may observe the named record or list.
func (s *Store) CanRead(username, name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	kind, key, ok := remote.ParseName(name)
	if !ok {
		return false
	}
	if kind+"/" == remote.TrackPrefix {
		return true
	}
	st, ok := s.streamsByName[key]
	if !ok {
		return false
	}
	owner := key == username
	member := st.HasMember(username)
	switch model.ListKind(kind) {
	case model.ListSuggestion:
		return owner || member
	case model.ListLocked, model.ListQueue, model.ListAutoplay:
		return owner || (member && !st.Limited)
	}
	if kind+"/" == remote.StreamPrefix {
		return owner || member || !st.Private
	}
	return false
}

func (s *Store) GetStream(name string) (model.Stream, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.streamsByName[name]
	return st, ok
}

// PublicStreams lists live streams that are not private, most recently
// active first.
func (s *Store) PublicStreams() []model.Stream {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.Stream, 0)
	for _, st := range s.streamsByName {
		if st.Live && !st.Private {
			result = append(result, st)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Timestamp > result[j].Timestamp })
	return result
}

func (s *Store) GetAccount(username string) (model.Account, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.accountsByUsername[username]
	return acc, ok
}
