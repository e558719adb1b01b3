package messages

// PeerJoined is broadcast by the host when a peer joins the session.
type PeerJoined struct {
	OwnerID string
	Name    string
}

// PeerLeft is broadcast by the host when a peer leaves the session.
type PeerLeft struct {
	OwnerID string
}
