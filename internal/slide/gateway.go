package slide

import (
	"context"
	"encoding/json"

	"slide-lite/internal/model"
	"slide-lite/internal/remote"
)

// defaultPassword is sent on register; streams have no passwords yet.
const defaultPassword = "default"

type streamParams struct {
	Username string `json:"username"`
	Stream   string `json:"stream"`
}

type settingsParams struct {
	Username  string `json:"username"`
	Stream    string `json:"stream"`
	Live      bool   `json:"live"`
	Private   bool   `json:"private"`
	Voting    bool   `json:"voting"`
	Autopilot bool   `json:"autopilot"`
	Limited   bool   `json:"limited"`
}

type registerParams struct {
	Username string `json:"username"`
	Stream   string `json:"stream"`
	Password string `json:"password"`
}

type createTrackParams struct {
	Username string          `json:"username"`
	Stream   string          `json:"stream"`
	URI      string          `json:"URI"`
	PlayData *model.PlayData `json:"playData"`
}

type editListParams struct {
	Username string   `json:"username"`
	Stream   string   `json:"stream"`
	List     string   `json:"list"`
	Original []string `json:"original"`
	Update   []string `json:"update"`
}

type voteParams struct {
	Username string `json:"username"`
	Locator  string `json:"locator"`
	List     string `json:"list"`
	Up       bool   `json:"up"`
}

type playParams struct {
	Username string          `json:"username"`
	Stream   string          `json:"stream"`
	State    string          `json:"state"`
	Seek     int             `json:"seek"`
	URI      string          `json:"URI"`
	PlayData *model.PlayData `json:"playData"`
}

type removeMemberParams struct {
	Username string `json:"username"`
	Stream   string `json:"stream"`
	Member   string `json:"member"`
}

// gateway maps commands onto RPC calls for one connection and identity.
// Every failure comes back as a RemoteError; nothing is retried.
type gateway struct {
	store    remote.Store
	username string
}

func (g gateway) call(ctx context.Context, method string, payload any) (json.RawMessage, error) {
	raw, err := g.store.Call(ctx, method, payload)
	if err != nil {
		return nil, newError(KindRemoteError, method, err)
	}
	return raw, nil
}

func (g gateway) editSettings(ctx context.Context, live bool, s Settings) error {
	_, err := g.call(ctx, remote.MethodEditStreamSettings, settingsParams{
		Username:  g.username,
		Stream:    g.username,
		Live:      live,
		Private:   s.PrivateMode,
		Voting:    s.Voting,
		Autopilot: s.Autopilot,
		Limited:   s.Limited,
	})
	return err
}

func (g gateway) keepAlive(ctx context.Context) error {
	_, err := g.call(ctx, remote.MethodKeepStreamAlive, streamParams{Username: g.username, Stream: g.username})
	return err
}

func (g gateway) register(ctx context.Context, stream string) error {
	_, err := g.call(ctx, remote.MethodRegisterWithStream, registerParams{Username: g.username, Stream: stream, Password: defaultPassword})
	return err
}

func (g gateway) deregister(ctx context.Context, stream string) error {
	_, err := g.call(ctx, remote.MethodDeregisterFromStream, streamParams{Username: g.username, Stream: stream})
	return err
}

func (g gateway) createItem(ctx context.Context, stream, uri string, playData *model.PlayData) (string, error) {
	raw, err := g.call(ctx, remote.MethodCreateListTrack, createTrackParams{Username: g.username, Stream: stream, URI: uri, PlayData: playData})
	if err != nil {
		return "", err
	}
	var locator string
	if err := json.Unmarshal(raw, &locator); err != nil || locator == "" {
		return "", errorf(KindRemoteError, "%s: no locator in response", remote.MethodCreateListTrack)
	}
	return locator, nil
}

func (g gateway) editList(ctx context.Context, stream string, kind model.ListKind, original, update []string) error {
	_, err := g.call(ctx, remote.MethodModifyStreamLists, editListParams{
		Username: g.username,
		Stream:   stream,
		List:     string(kind),
		Original: nonNil(original),
		Update:   nonNil(update),
	})
	return err
}

func (g gateway) vote(ctx context.Context, locator string, kind model.ListKind, up bool) error {
	_, err := g.call(ctx, remote.MethodVoteOnTrack, voteParams{Username: g.username, Locator: locator, List: string(kind), Up: up})
	return err
}

func (g gateway) playItem(ctx context.Context, stream, uri string, playData *model.PlayData, seek int, state string) error {
	_, err := g.call(ctx, remote.MethodPlayTrack, playParams{
		Username: g.username,
		Stream:   stream,
		State:    state,
		Seek:     seek,
		URI:      uri,
		PlayData: playData,
	})
	return err
}

func (g gateway) removeMember(ctx context.Context, member string) error {
	_, err := g.call(ctx, remote.MethodRemoveStreamMember, removeMemberParams{Username: g.username, Stream: g.username, Member: member})
	return err
}

func nonNil(entries []string) []string {
	if entries == nil {
		return []string{}
	}
	return entries
}
