package slide

type Role int

const (
	RoleIdle Role = iota
	RoleHosting
	RoleJoined
)

func (r Role) String() string {
	switch r {
	case RoleHosting:
		return "Hosting"
	case RoleJoined:
		return "Joined"
	default:
		return "Idle"
	}
}

// State is a read-only snapshot of a Session.
type State struct {
	Username      string
	Authenticated bool
	LoggingIn     bool
	Role          Role
	HostingStream bool
	JoinedStream  string
}

// sessionState is owned by Session and guarded by Session.mu.
type sessionState struct {
	username   string
	credential string
	token      string

	authenticated bool
	role          Role

	joined string
	// entered is set once the caller has been seen in the joined stream's
	// member list; membership loss only counts afterwards.
	entered bool
	onDead  func()
	// stranded names a stream registered with but never fully joined, so a
	// later Leave can still deregister from it.
	stranded string
}

func (st sessionState) snapshot(loggingIn bool) State {
	out := State{
		Username:      st.username,
		Authenticated: st.authenticated,
		LoggingIn:     loggingIn,
		Role:          st.role,
		HostingStream: st.role == RoleHosting,
	}
	if st.role == RoleJoined {
		out.JoinedStream = st.joined
	}
	return out
}
