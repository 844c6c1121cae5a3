package remote

// RPC endpoint names, shared by the client gateway and the server dispatch
// table.
const (
	MethodEditStreamSettings   = "edit-stream-settings"
	MethodKeepStreamAlive      = "keep-stream-alive"
	MethodRegisterWithStream   = "register-with-stream"
	MethodDeregisterFromStream = "deregister-from-stream"
	MethodCreateListTrack      = "create-list-track"
	MethodModifyStreamLists    = "modify-stream-lists"
	MethodVoteOnTrack          = "vote-on-track"
	MethodPlayTrack            = "play-track"
	MethodRemoveStreamMember   = "remove-stream-member"
)

// Methods lists every endpoint the client gateway may call.
var Methods = []string{
	MethodEditStreamSettings,
	MethodKeepStreamAlive,
	MethodRegisterWithStream,
	MethodDeregisterFromStream,
	MethodCreateListTrack,
	MethodModifyStreamLists,
	MethodVoteOnTrack,
	MethodPlayTrack,
	MethodRemoveStreamMember,
}
