package messages

// ReplicaConstruct creates a replica on the receiving side. Allocation holds
// the object type and name; Frame is a full serialization of the state.
type ReplicaConstruct struct {
	Allocation []byte
	OwnerID    string
	Frame      []byte
}

// ReplicaDelta carries the changed fields of one replica. Receipt is zero on
// reliable connections; otherwise the receiver answers with a ReplicaAck.
type ReplicaDelta struct {
	Name    string
	Receipt uint32
	Frame   []byte
}

// ReplicaAck confirms delivery of a ReplicaDelta sent under Receipt.
type ReplicaAck struct {
	Receipt uint32
}

// ReplicaDestroy removes a replica on the receiving side.
type ReplicaDestroy struct {
	Name string
}
