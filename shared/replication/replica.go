package replication

import (
	"errors"
	"fmt"

	"github.com/won21kr/ApertusVR/shared/delta"
)

var (
	ErrUnknownType   = errors.New("replication: unknown object type")
	ErrDuplicateName = errors.New("replication: replica name already in use")
	ErrNotFound      = errors.New("replication: replica not found")
	ErrNotOwner      = errors.New("replication: sender does not own the replica")
	ErrNotJoined     = errors.New("replication: connection has not joined")
)

// Mode selects how a Serialize call tracks what it sends.
type Mode int

const (
	// Identical frames go to every reliable connection unchanged.
	Identical Mode = iota
	// Acked frames go to one unreliable connection under a receipt.
	Acked
	// Full frames carry every field and touch no history.
	Full
)

func (m Mode) String() string {
	switch m {
	case Identical:
		return "identical"
	case Acked:
		return "acked"
	case Full:
		return "full"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// SerializeParameters describes one Serialize call.
type SerializeParameters struct {
	Mode    Mode
	Remote  delta.RemoteID
	Receipt delta.Receipt
}

// Replica is an object whose state is mirrored across a session.
type Replica interface {
	ObjectType() string
	Name() string
	OwnerID() string
	IsHost() bool
	WriteAllocationID() ([]byte, error)
	Serialize(p SerializeParameters) (frame delta.Frame, changed bool, err error)
	Deserialize(frame delta.Frame) error
	DeltaSerializer() *delta.Serializer
}

// AllocationID is what a peer needs to construct a replica before any of its
// state arrives.
type AllocationID struct {
	ObjectType string
	Name       string
}

// WriteAllocationID encodes the object type followed by the name.
func WriteAllocationID(objectType, name string) ([]byte, error) {
	return delta.Encode(AllocationID{ObjectType: objectType, Name: name})
}

// ReadAllocationID decodes what WriteAllocationID wrote.
func ReadAllocationID(b []byte) (AllocationID, error) {
	var id AllocationID
	if err := delta.Decode(b, &id); err != nil {
		return AllocationID{}, fmt.Errorf("read allocation id: %w", err)
	}
	if id.ObjectType == "" || id.Name == "" {
		return AllocationID{}, fmt.Errorf("read allocation id: incomplete %+v", id)
	}
	return id, nil
}

// Base carries the identity every replica shares and its delta serializer.
// Embed it to get most of the Replica interface.
type Base struct {
	objectType string
	name       string
	ownerID    string
	host       bool
	serialized bool
	serializer delta.Serializer
}

// NewBase returns the identity for a replica of objectType.
func NewBase(objectType, name, ownerID string, isHost bool) Base {
	return Base{objectType: objectType, name: name, ownerID: ownerID, host: isHost}
}

func (b *Base) ObjectType() string { return b.objectType }
func (b *Base) Name() string       { return b.name }
func (b *Base) OwnerID() string    { return b.ownerID }
func (b *Base) IsHost() bool       { return b.host }

func (b *Base) DeltaSerializer() *delta.Serializer { return &b.serializer }

func (b *Base) WriteAllocationID() ([]byte, error) {
	return WriteAllocationID(b.objectType, b.name)
}

// BeginSerialize opens a serialization context for p. Identical passes are
// forced the first time the object is serialized.
func (b *Base) BeginSerialize(p SerializeParameters) *delta.SerializationContext {
	switch p.Mode {
	case Acked:
		return b.serializer.BeginUnreliableAckedSerialize(p.Remote, p.Receipt, false)
	case Full:
		return b.serializer.BeginFullSerialize()
	default:
		first := !b.serialized
		b.serialized = true
		return b.serializer.BeginIdenticalSerialize(first)
	}
}

// Factory builds replicas of one object type for a Manager.
type Factory struct {
	// Construct creates the local object for a replica announced by a peer.
	Construct func(name, ownerID string) (Replica, error)
	// Destroy removes the local object. May be nil.
	Destroy func(r Replica)
}
