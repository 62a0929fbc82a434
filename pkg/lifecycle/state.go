package lifecycle

// State is the connection lifecycle state.
type State int

// Connection states. The zero value is Disconnected.
const (
	Disconnected State = iota
	Initializing
	AwaitingCredential
	Authenticating
	Ready
	Error
)

var stateNames = [...]string{
	Disconnected:       "DISCONNECTED",
	Initializing:       "INITIALIZING",
	AwaitingCredential: "AWAITING_CREDENTIAL",
	Authenticating:     "AUTHENTICATING",
	Ready:              "READY",
	Error:              "ERROR",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

// MarshalText renders the upper-case name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// StateNames lists every state name, in order.
func StateNames() []string {
	names := make([]string, len(stateNames))
	copy(names, stateNames[:])
	return names
}

// handshaking reports whether s precedes READY in a connection attempt.
func (s State) handshaking() bool {
	return s == Initializing || s == AwaitingCredential || s == Authenticating
}
