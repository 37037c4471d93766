package rtc

// Role tags a peer connection with the purpose it was negotiated for.
// Every peer-level signaling message (offer/answer/candidate) carries the
// role so the receiver can dispatch to the correct connection.
type Role string

const (
	RolePrimary     Role = "primary"
	RoleScreenShare Role = "screen"
	RoleRecording   Role = "recording"
)

func (r Role) String() string { return string(r) }
