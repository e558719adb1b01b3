package messages

// JoinRequest is sent by a peer after connecting to request joining the session.
type JoinRequest struct {
	Version string
	OwnerID string
	Name    string
}

// JoinAccepted is sent by the host when a peer's join request is accepted.
type JoinAccepted struct {
	// OwnerID is the id the peer must own its replicas under. It is the
	// requested one unless that was empty.
	OwnerID     string
	HostID      string
	SessionName string
	TickRate    int
}

// JoinRejected is sent by the host when a peer's join request is rejected.
type JoinRejected struct {
	Reason string
}
