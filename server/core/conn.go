package core

// sender is the part of a router client the host needs.
type sender interface {
	Id() string
	SendMessage(msg any) error
}

// peerConn adapts a router client to a replication connection. Websocket
// frames arrive complete and in order, so every peer gets identical frames.
type peerConn struct {
	client  sender
	joined  bool
	ownerID string
	name    string
}

func (c *peerConn) ID() string {
	return c.client.Id()
}

func (c *peerConn) Reliable() bool {
	return true
}

func (c *peerConn) Send(msg any) error {
	return c.client.SendMessage(msg)
}
