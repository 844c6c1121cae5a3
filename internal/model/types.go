package model

import "strings"

type Account struct {
	Username   string
	Credential string
	CreatedAt  int64
}

type ListKind string

const (
	ListLocked     ListKind = "locked"
	ListQueue      ListKind = "queue"
	ListSuggestion ListKind = "suggestion"
	ListAutoplay   ListKind = "autoplay"
)

var ListKinds = []ListKind{ListLocked, ListQueue, ListSuggestion, ListAutoplay}

func (k ListKind) Valid() bool {
	switch k {
	case ListLocked, ListQueue, ListSuggestion, ListAutoplay:
		return true
	}
	return false
}

const (
	PlayStatePlaying = "playing"
	PlayStatePaused  = "paused"
)

// PlayData is opaque track metadata; only the display name is interpreted.
type PlayData struct {
	Name string `json:"name"`
}

// Stream is the shared stream record.
type Stream struct {
	Name      string    `json:"-"`
	Live      bool      `json:"live"`
	Private   bool      `json:"private"`
	Voting    bool      `json:"voting"`
	Autopilot bool      `json:"autopilot"`
	Limited   bool      `json:"limited"`
	Users     Members   `json:"users"`
	Timestamp int64     `json:"timestamp"`
	PlayData  *PlayData `json:"playData"`
	URI       string    `json:"URI"`
	Seek      int       `json:"seek"`
	State     string    `json:"state"`
}

func (s Stream) HasMember(username string) bool {
	return s.Users.Contains(username)
}

type Track struct {
	Locator  string    `json:"-"`
	URI      string    `json:"URI"`
	PlayData *PlayData `json:"playData"`
	Score    int       `json:"score"`
	Up       []string  `json:"up"`
	Down     []string  `json:"down"`
}

// Members is the stream member set. It is encoded as a JSON array but also
// accepts the legacy comma-terminated string form ("alice,bob,").
type Members []string

func (m Members) Contains(username string) bool {
	for _, u := range m {
		if u == username {
			return true
		}
	}
	return false
}

func (m Members) Add(username string) Members {
	if m.Contains(username) {
		return m
	}
	return append(m, username)
}

func (m Members) Remove(username string) Members {
	out := make(Members, 0, len(m))
	for _, u := range m {
		if u != username {
			out = append(out, u)
		}
	}
	return out
}

func ParseLegacyMembers(s string) Members {
	out := make(Members, 0)
	for _, u := range strings.Split(s, ",") {
		if u != "" {
			out = append(out, u)
		}
	}
	return out
}
