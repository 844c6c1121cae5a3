package socketio

import (
	"encoding/json"
	"errors"

	"slide-lite/internal/model"
	"slide-lite/internal/remote"
	"slide-lite/internal/store"
)

var (
	ErrMethodNotFound   = errors.New("Method not found")
	ErrRateLimited      = errors.New("Rate limit exceeded")
	ErrInvalidParams    = errors.New("Invalid params")
	ErrUsernameMismatch = errors.New("Username does not match the connection")
)

type rpcHandler func(username string, params json.RawMessage, nowMillis int64) (any, store.Change, error)

// rpcParams is the union of every endpoint's payload fields.
type rpcParams struct {
	Username  string          `json:"username"`
	Stream    string          `json:"stream"`
	Live      bool            `json:"live"`
	Private   bool            `json:"private"`
	Voting    bool            `json:"voting"`
	Autopilot bool            `json:"autopilot"`
	Limited   bool            `json:"limited"`
	Password  string          `json:"password"`
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

func decodeParams(username string, raw json.RawMessage) (rpcParams, error) {
	var p rpcParams
	if len(raw) == 0 {
		return p, ErrInvalidParams
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, ErrInvalidParams
	}
	if p.Username != "" && p.Username != username {
		return p, ErrUsernameMismatch
	}
	return p, nil
}

func newRPCTable(st *store.Store) map[string]rpcHandler {
	withParams := func(fn func(username string, p rpcParams, now int64) (any, store.Change, error)) rpcHandler {
		return func(username string, raw json.RawMessage, now int64) (any, store.Change, error) {
			p, err := decodeParams(username, raw)
			if err != nil {
				return nil, store.Change{}, err
			}
			return fn(username, p, now)
		}
	}
	noResult := func(change store.Change, err error) (any, store.Change, error) {
		return nil, change, err
	}

	return map[string]rpcHandler{
		remote.MethodEditStreamSettings: withParams(func(u string, p rpcParams, now int64) (any, store.Change, error) {
			return noResult(st.EditStreamSettings(u, p.Stream, store.StreamSettings{
				Live:      p.Live,
				Private:   p.Private,
				Voting:    p.Voting,
				Autopilot: p.Autopilot,
				Limited:   p.Limited,
			}, now))
		}),
		remote.MethodKeepStreamAlive: withParams(func(u string, p rpcParams, now int64) (any, store.Change, error) {
			return noResult(st.KeepStreamAlive(u, p.Stream, now))
		}),
		remote.MethodRegisterWithStream: withParams(func(u string, p rpcParams, now int64) (any, store.Change, error) {
			return noResult(st.RegisterWithStream(u, p.Stream, now))
		}),
		remote.MethodDeregisterFromStream: withParams(func(u string, p rpcParams, now int64) (any, store.Change, error) {
			return noResult(st.DeregisterFromStream(u, p.Stream, now))
		}),
		remote.MethodCreateListTrack: withParams(func(u string, p rpcParams, now int64) (any, store.Change, error) {
			locator, change, err := st.CreateListTrack(u, p.Stream, p.URI, p.PlayData, now)
			if err != nil {
				return nil, store.Change{}, err
			}
			return locator, change, nil
		}),
		remote.MethodModifyStreamLists: withParams(func(u string, p rpcParams, now int64) (any, store.Change, error) {
			if p.Original == nil || p.Update == nil {
				return nil, store.Change{}, ErrInvalidParams
			}
			return noResult(st.ModifyStreamLists(u, p.Stream, model.ListKind(p.List), p.Original, p.Update, now))
		}),
		remote.MethodVoteOnTrack: withParams(func(u string, p rpcParams, now int64) (any, store.Change, error) {
			return noResult(st.VoteOnTrack(u, p.Locator, p.Up, now))
		}),
		remote.MethodPlayTrack: withParams(func(u string, p rpcParams, now int64) (any, store.Change, error) {
			if p.State != model.PlayStatePlaying && p.State != model.PlayStatePaused {
				return nil, store.Change{}, ErrInvalidParams
			}
			return noResult(st.PlayTrack(u, p.Stream, p.State, p.Seek, p.URI, p.PlayData, now))
		}),
		remote.MethodRemoveStreamMember: withParams(func(u string, p rpcParams, now int64) (any, store.Change, error) {
			return noResult(st.RemoveMember(u, p.Stream, p.Member, now))
		}),
	}
}
