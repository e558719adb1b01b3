// Package protocol holds what both ends of a session must agree on.
package protocol

import (
	"errors"
	"fmt"
)

// Version identifies the wire format of the replica messages. Hosts reject
// peers that announce a different version.
const Version = "apertus-replica/1"

var ErrVersionMismatch = errors.New("protocol version mismatch")

// CheckVersion reports whether a peer speaking version can join. An empty
// required version accepts any peer.
func CheckVersion(required, version string) error {
	if required == "" || required == version {
		return nil
	}
	return fmt.Errorf("%w: want %q, got %q", ErrVersionMismatch, required, version)
}
