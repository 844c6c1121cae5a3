package slide

import (
	"time"

	"slide-lite/internal/model"
	"slide-lite/internal/remote"
)

const (
	DefaultLoginTimeout        = 1000 * time.Millisecond
	DefaultKeepAliveInterval   = 15000 * time.Millisecond
	DefaultInactivityThreshold = 60000 * time.Millisecond
	DefaultPlaybackTick        = 1000 * time.Millisecond
	DefaultPlaybackHorizon     = 15
)

// Settings are the stream flags a host publishes. A hosted stream is always
// live; Unhost takes it offline.
type Settings struct {
	PrivateMode bool
	Voting      bool
	Autopilot   bool
	Limited     bool
}

func DefaultSettings() Settings {
	return Settings{}
}

// StreamCallbacks receive stream data. A nil field leaves that channel
// unsubscribed.
type StreamCallbacks struct {
	StreamData func(model.Stream)
	Locked     func([]string)
	Queue      func([]string)
	Suggestion func([]string)
	Autoplay   func([]string)
}

func (c StreamCallbacks) list(kind model.ListKind) func([]string) {
	switch kind {
	case model.ListLocked:
		return c.Locked
	case model.ListQueue:
		return c.Queue
	case model.ListSuggestion:
		return c.Suggestion
	case model.ListAutoplay:
		return c.Autoplay
	}
	return nil
}

type TrackCallback func(model.Track)

type Options struct {
	ServerURL string
	Connector remote.Connector

	// OnDisconnect runs once per connection after it has fully closed.
	OnDisconnect func()
	// OnRemoteError receives remote errors the session does not act on.
	OnRemoteError func(remote.ErrorEvent)

	LoginTimeout        time.Duration
	KeepAliveInterval   time.Duration
	InactivityThreshold time.Duration
	PlaybackTick        time.Duration
	PlaybackHorizon     int

	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.LoginTimeout <= 0 {
		o.LoginTimeout = DefaultLoginTimeout
	}
	if o.KeepAliveInterval <= 0 {
		o.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if o.InactivityThreshold <= 0 {
		o.InactivityThreshold = DefaultInactivityThreshold
	}
	if o.PlaybackTick <= 0 {
		o.PlaybackTick = DefaultPlaybackTick
	}
	if o.PlaybackHorizon <= 0 {
		o.PlaybackHorizon = DefaultPlaybackHorizon
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}
