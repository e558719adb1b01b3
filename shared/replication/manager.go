// Package replication mirrors replicas between the host of a session and its
// peers.
//
// A Manager owns the local replicas and the connections. Every tick it
// constructs replicas on connections that lack them and sends the deltas each
// replica's serializer produces: one identical frame shared by all reliable
// connections, or one acked frame per unreliable connection. The host sends
// every replica; a peer only sends the replicas it owns.
//
// A Manager is not safe for concurrent use. Network callbacks should hand
// inbound messages to the goroutine that calls Update.
package replication

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/won21kr/ApertusVR/shared/delta"
	"github.com/won21kr/ApertusVR/shared/messages"
)

// Connection is one link of the session.
type Connection interface {
	ID() string
	// Reliable reports whether messages arrive complete and in order.
	Reliable() bool
	Send(msg any) error
}

// Options configures a Manager.
type Options struct {
	// LocalID is the owner id of this side of the session.
	LocalID string
	Host    bool
	// AckTimeout is the number of ticks after which an unacknowledged
	// acked-mode send counts as lost.
	AckTimeout uint64
	// MaxPendingDeltas bounds the deltas kept per unknown replica; the oldest
	// is dropped when it is exceeded.
	MaxPendingDeltas int
	// MaxPendingPerConnection bounds the deltas one connection may have kept
	// across all unknown replicas; further ones are dropped.
	MaxPendingPerConnection int
	Logger                  *slog.Logger
	Metrics                 *Metrics
}

const (
	defaultAckTimeout              = 10
	defaultMaxPendingDeltas        = 32
	defaultMaxPendingPerConnection = 1024
)

type inFlightSend struct {
	replica string
	tick    uint64
}

type peer struct {
	conn        Connection
	ownerID     string
	constructed map[string]bool
	inFlight    map[delta.Receipt]inFlightSend
	// applied holds the receipt of the newest acked delta applied per replica.
	applied map[string]uint32
	pending int
}

type pendingDelta struct {
	from string
	msg  messages.ReplicaDelta
}

type Manager struct {
	opts      Options
	log       *slog.Logger
	factories map[string]Factory
	replicas  map[string]Replica
	order     []string
	peers     map[string]*peer
	peerOrder []string
	pending   map[string][]pendingDelta
	receipt   delta.Receipt
	tick      uint64
}

func NewManager(opts Options) *Manager {
	if opts.AckTimeout == 0 {
		opts.AckTimeout = defaultAckTimeout
	}
	if opts.MaxPendingDeltas <= 0 {
		opts.MaxPendingDeltas = defaultMaxPendingDeltas
	}
	if opts.MaxPendingPerConnection <= 0 {
		opts.MaxPendingPerConnection = defaultMaxPendingPerConnection
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		opts:      opts,
		log:       logger.With("component", "replication", "local", opts.LocalID),
		factories: make(map[string]Factory),
		replicas:  make(map[string]Replica),
		peers:     make(map[string]*peer),
		pending:   make(map[string][]pendingDelta),
	}
}

// LocalID returns the owner id of this side.
func (m *Manager) LocalID() string {
	return m.opts.LocalID
}

// IsHost reports whether this manager is the session host.
func (m *Manager) IsHost() bool {
	return m.opts.Host
}

// RegisterFactory makes replicas of objectType constructible from peers.
func (m *Manager) RegisterFactory(objectType string, f Factory) {
	m.factories[objectType] = f
}

// Reference starts replicating r.
func (m *Manager) Reference(r Replica) error {
	name := r.Name()
	if _, ok := m.replicas[name]; ok {
		return fmt.Errorf("reference %q: %w", name, ErrDuplicateName)
	}
	m.add(r)
	m.replayPending(name)
	return nil
}

// Dereference stops replicating the named replica and destroys it on every
// connection that has it. The local object is left alone.
func (m *Manager) Dereference(name string) error {
	if _, ok := m.replicas[name]; !ok {
		return fmt.Errorf("dereference %q: %w", name, ErrNotFound)
	}
	m.remove(name)
	m.broadcastDestroy(name, "")
	return nil
}

// Replica returns the named replica.
func (m *Manager) Replica(name string) (Replica, bool) {
	r, ok := m.replicas[name]
	return r, ok
}

// Replicas returns every replica in reference order.
func (m *Manager) Replicas() []Replica {
	out := make([]Replica, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.replicas[name])
	}
	return out
}

// AddConnection joins conn to the session as ownerID. Replicas are
// constructed on it during the next Update.
func (m *Manager) AddConnection(conn Connection, ownerID string) error {
	id := conn.ID()
	if _, ok := m.peers[id]; ok {
		return fmt.Errorf("add connection %s: already joined", id)
	}
	m.peers[id] = &peer{
		conn:        conn,
		ownerID:     ownerID,
		constructed: make(map[string]bool),
		inFlight:    make(map[delta.Receipt]inFlightSend),
		applied:     make(map[string]uint32),
	}
	m.peerOrder = append(m.peerOrder, id)
	m.log.Info("connection added", "conn", id, "owner", ownerID, "reliable", conn.Reliable())
	return nil
}

// RemoveConnection forgets the connection. On the host, replicas owned by
// the departing owner are destroyed everywhere.
func (m *Manager) RemoveConnection(id string) {
	p, ok := m.peers[id]
	if !ok {
		return
	}
	delete(m.peers, id)
	m.peerOrder = slices.DeleteFunc(m.peerOrder, func(s string) bool { return s == id })
	for _, r := range m.replicas {
		r.DeltaSerializer().RemoveRemoteSystem(delta.RemoteID(id))
	}
	for name, queued := range m.pending {
		queued = slices.DeleteFunc(queued, func(d pendingDelta) bool { return d.from == id })
		if len(queued) == 0 {
			delete(m.pending, name)
		} else {
			m.pending[name] = queued
		}
	}
	m.log.Info("connection removed", "conn", id, "owner", p.ownerID)

	if !m.opts.Host || p.ownerID == "" || p.ownerID == m.opts.LocalID {
		return
	}
	for _, name := range slices.Clone(m.order) {
		r := m.replicas[name]
		if r.OwnerID() != p.ownerID {
			continue
		}
		m.remove(name)
		m.destroyLocal(r)
		m.broadcastDestroy(name, id)
	}
}

// Connections returns the ids of the joined connections in join order.
func (m *Manager) Connections() []string {
	return slices.Clone(m.peerOrder)
}

// Update runs one replication tick.
func (m *Manager) Update() {
	m.tick++
	m.expireReceipts()

	for _, name := range m.order {
		r := m.replicas[name]
		var reliable, acked []*peer
		for _, id := range m.peerOrder {
			p := m.peers[id]
			if !m.canSend(r, p) {
				continue
			}
			if !p.constructed[name] {
				m.construct(p, r)
				continue
			}
			if p.conn.Reliable() {
				reliable = append(reliable, p)
			} else {
				acked = append(acked, p)
			}
		}
		if len(reliable) > 0 {
			m.sendIdentical(r, reliable)
		}
		for _, p := range acked {
			m.sendAcked(r, p)
		}
	}
}

func (m *Manager) canSend(r Replica, p *peer) bool {
	if p.ownerID != "" && p.ownerID == r.OwnerID() {
		return false
	}
	if m.opts.Host {
		return true
	}
	return r.OwnerID() == m.opts.LocalID
}

func (m *Manager) construct(p *peer, r Replica) {
	alloc, err := r.WriteAllocationID()
	if err != nil {
		m.log.Error("write allocation id", "replica", r.Name(), "error", err)
		return
	}
	frame, _, err := r.Serialize(SerializeParameters{Mode: Full})
	if err != nil {
		m.log.Error("serialize construction", "replica", r.Name(), "error", err)
		return
	}
	msg := messages.ReplicaConstruct{Allocation: alloc, OwnerID: r.OwnerID(), Frame: frame}
	if err := p.conn.Send(msg); err != nil {
		m.log.Warn("send construct", "replica", r.Name(), "conn", p.conn.ID(), "error", err)
		return
	}
	p.constructed[r.Name()] = true
	m.opts.Metrics.frameSent(r.ObjectType(), Full, len(frame))
	m.log.Debug("replica constructed", "replica", r.Name(), "conn", p.conn.ID())
}

func (m *Manager) sendIdentical(r Replica, targets []*peer) {
	frame, changed, err := r.Serialize(SerializeParameters{Mode: Identical})
	if err != nil {
		m.log.Error("serialize", "replica", r.Name(), "error", err)
		return
	}
	if !changed {
		return
	}
	msg := messages.ReplicaDelta{Name: r.Name(), Frame: frame}
	for _, p := range targets {
		if err := p.conn.Send(msg); err != nil {
			m.log.Warn("send delta", "replica", r.Name(), "conn", p.conn.ID(), "error", err)
			continue
		}
		m.opts.Metrics.frameSent(r.ObjectType(), Identical, len(frame))
	}
}

func (m *Manager) sendAcked(r Replica, p *peer) {
	receipt := m.nextReceipt()
	remote := delta.RemoteID(p.conn.ID())
	frame, changed, err := r.Serialize(SerializeParameters{Mode: Acked, Remote: remote, Receipt: receipt})
	if err != nil {
		m.log.Error("serialize", "replica", r.Name(), "conn", p.conn.ID(), "error", err)
		return
	}
	if !changed {
		return
	}
	msg := messages.ReplicaDelta{Name: r.Name(), Receipt: uint32(receipt), Frame: frame}
	if err := p.conn.Send(msg); err != nil {
		m.log.Warn("send delta", "replica", r.Name(), "conn", p.conn.ID(), "error", err)
		r.DeltaSerializer().OnMessageReceipt(remote, receipt, false)
		return
	}
	p.inFlight[receipt] = inFlightSend{replica: r.Name(), tick: m.tick}
	m.opts.Metrics.frameSent(r.ObjectType(), Acked, len(frame))
}

func (m *Manager) nextReceipt() delta.Receipt {
	m.receipt++
	if m.receipt == 0 {
		m.receipt++
	}
	return m.receipt
}

func (m *Manager) expireReceipts() {
	for _, id := range m.peerOrder {
		p := m.peers[id]
		for receipt, s := range p.inFlight {
			if m.tick-s.tick <= m.opts.AckTimeout {
				continue
			}
			delete(p.inFlight, receipt)
			m.opts.Metrics.receiptLost()
			if r, ok := m.replicas[s.replica]; ok {
				r.DeltaSerializer().OnMessageReceipt(delta.RemoteID(id), receipt, false)
			}
		}
	}
}

// Dispatch routes an inbound replica message from the connection connID.
// Messages of other types are ignored and reported as not handled.
func (m *Manager) Dispatch(connID string, msg any) (handled bool, err error) {
	switch v := msg.(type) {
	case messages.ReplicaConstruct:
		return true, m.HandleConstruct(connID, v)
	case messages.ReplicaDelta:
		return true, m.HandleDelta(connID, v)
	case messages.ReplicaAck:
		return true, m.HandleAck(connID, v)
	case messages.ReplicaDestroy:
		return true, m.HandleDestroy(connID, v)
	}
	return false, nil
}

// HandleConstruct creates the replica a connection announced.
func (m *Manager) HandleConstruct(connID string, msg messages.ReplicaConstruct) error {
	p, ok := m.peers[connID]
	if !ok {
		return fmt.Errorf("construct from %s: %w", connID, ErrNotJoined)
	}
	id, err := ReadAllocationID(msg.Allocation)
	if err != nil {
		m.opts.Metrics.rejected("allocation")
		return err
	}
	if _, ok := m.replicas[id.Name]; ok {
		p.constructed[id.Name] = true
		m.log.Debug("replica already constructed", "replica", id.Name, "conn", connID)
		return nil
	}
	if m.opts.Host && msg.OwnerID != p.ownerID {
		m.opts.Metrics.rejected("owner")
		return fmt.Errorf("construct %q from %s: %w", id.Name, connID, ErrNotOwner)
	}
	f, ok := m.factories[id.ObjectType]
	if !ok {
		m.opts.Metrics.rejected("type")
		return fmt.Errorf("construct %q: %w: %s", id.Name, ErrUnknownType, id.ObjectType)
	}
	r, err := f.Construct(id.Name, msg.OwnerID)
	if err != nil {
		return fmt.Errorf("construct %q: %w", id.Name, err)
	}
	m.add(r)
	p.constructed[id.Name] = true
	m.log.Debug("replica received", "replica", id.Name, "type", id.ObjectType, "owner", msg.OwnerID)

	if len(msg.Frame) > 0 {
		if err := r.Deserialize(msg.Frame); err != nil {
			return fmt.Errorf("construct %q: %w", id.Name, err)
		}
		m.opts.Metrics.frameReceived(r.ObjectType())
	}
	m.replayPending(id.Name)
	return nil
}

// HandleDelta applies a delta, or keeps it until its replica exists.
//
// An acked delta is acknowledged when it is applied. One that is not newer
// than the last acked delta applied to its replica is dropped unacknowledged,
// so the sender's loss handling resends whatever it carried that is still
// current.
func (m *Manager) HandleDelta(connID string, msg messages.ReplicaDelta) error {
	p, ok := m.peers[connID]
	if !ok {
		return fmt.Errorf("delta from %s: %w", connID, ErrNotJoined)
	}
	if _, ok := m.replicas[msg.Name]; !ok {
		m.buffer(p, msg)
		return nil
	}
	return m.apply(p, msg)
}

func (m *Manager) apply(p *peer, msg messages.ReplicaDelta) error {
	connID := p.conn.ID()
	r := m.replicas[msg.Name]
	if m.opts.Host && r.OwnerID() != p.ownerID {
		m.opts.Metrics.rejected("owner")
		return fmt.Errorf("delta %q from %s: %w", msg.Name, connID, ErrNotOwner)
	}
	if msg.Receipt != 0 {
		if last, ok := p.applied[msg.Name]; ok && !newerReceipt(msg.Receipt, last) {
			m.opts.Metrics.rejected("stale")
			m.log.Debug("stale delta dropped", "replica", msg.Name, "conn", connID,
				"receipt", msg.Receipt, "applied", last)
			return nil
		}
		if err := p.conn.Send(messages.ReplicaAck{Receipt: msg.Receipt}); err != nil {
			m.log.Warn("send ack", "conn", connID, "error", err)
		}
		p.applied[msg.Name] = msg.Receipt
	}
	if err := r.Deserialize(msg.Frame); err != nil {
		m.opts.Metrics.rejected("frame")
		return fmt.Errorf("delta %q: %w", msg.Name, err)
	}
	m.opts.Metrics.frameReceived(r.ObjectType())
	return nil
}

// newerReceipt reports whether receipt a was issued after b. Receipts wrap
// around, skipping zero.
func newerReceipt(a, b uint32) bool {
	return int32(a-b) > 0
}

func (m *Manager) buffer(p *peer, msg messages.ReplicaDelta) {
	connID := p.conn.ID()
	if p.pending >= m.opts.MaxPendingPerConnection {
		m.opts.Metrics.pendingDropped()
		m.log.Warn("pending deltas of connection full, dropping", "replica", msg.Name, "conn", connID)
		return
	}
	queued := m.pending[msg.Name]
	if len(queued) >= m.opts.MaxPendingDeltas {
		m.log.Warn("pending deltas full, dropping oldest", "replica", msg.Name)
		if old, ok := m.peers[queued[0].from]; ok {
			old.pending--
		}
		queued = queued[1:]
		m.opts.Metrics.pendingDropped()
	}
	m.pending[msg.Name] = append(queued, pendingDelta{from: connID, msg: msg})
	p.pending++
	m.opts.Metrics.deltaBuffered()
	m.log.Debug("delta buffered", "replica", msg.Name, "queued", len(m.pending[msg.Name]))
}

// takePending removes and returns the deltas kept for name.
func (m *Manager) takePending(name string) []pendingDelta {
	queued, ok := m.pending[name]
	if !ok {
		return nil
	}
	delete(m.pending, name)
	for _, d := range queued {
		if p, ok := m.peers[d.from]; ok {
			p.pending--
		}
	}
	return queued
}

func (m *Manager) replayPending(name string) {
	for _, d := range m.takePending(name) {
		p, ok := m.peers[d.from]
		if !ok {
			continue
		}
		if err := m.apply(p, d.msg); err != nil {
			m.log.Warn("replay delta", "replica", name, "error", err)
		}
	}
}

// Pending returns the number of buffered deltas for name.
func (m *Manager) Pending(name string) int {
	return len(m.pending[name])
}

// PendingFrom returns the number of buffered deltas received from connID.
func (m *Manager) PendingFrom(connID string) int {
	p, ok := m.peers[connID]
	if !ok {
		return 0
	}
	return p.pending
}

// HandleAck marks an acked-mode send as delivered.
func (m *Manager) HandleAck(connID string, msg messages.ReplicaAck) error {
	p, ok := m.peers[connID]
	if !ok {
		return fmt.Errorf("ack from %s: %w", connID, ErrNotJoined)
	}
	receipt := delta.Receipt(msg.Receipt)
	s, ok := p.inFlight[receipt]
	if !ok {
		return nil
	}
	delete(p.inFlight, receipt)
	if r, ok := m.replicas[s.replica]; ok {
		r.DeltaSerializer().OnMessageReceipt(delta.RemoteID(connID), receipt, true)
	}
	return nil
}

// HandleDestroy removes a replica a connection destroyed. The host forwards
// the destruction to the other connections.
func (m *Manager) HandleDestroy(connID string, msg messages.ReplicaDestroy) error {
	p, ok := m.peers[connID]
	if !ok {
		return fmt.Errorf("destroy from %s: %w", connID, ErrNotJoined)
	}
	r, ok := m.replicas[msg.Name]
	if !ok {
		m.takePending(msg.Name)
		return nil
	}
	if m.opts.Host && r.OwnerID() != p.ownerID {
		m.opts.Metrics.rejected("owner")
		return fmt.Errorf("destroy %q from %s: %w", msg.Name, connID, ErrNotOwner)
	}
	m.remove(msg.Name)
	m.destroyLocal(r)
	if m.opts.Host {
		m.broadcastDestroy(msg.Name, connID)
	}
	m.log.Debug("replica destroyed", "replica", msg.Name, "conn", connID)
	return nil
}

func (m *Manager) add(r Replica) {
	m.replicas[r.Name()] = r
	m.order = append(m.order, r.Name())
	m.opts.Metrics.setReplicas(len(m.replicas))
}

func (m *Manager) remove(name string) {
	delete(m.replicas, name)
	m.takePending(name)
	m.order = slices.DeleteFunc(m.order, func(s string) bool { return s == name })
	for _, p := range m.peers {
		delete(p.applied, name)
		for receipt, s := range p.inFlight {
			if s.replica == name {
				delete(p.inFlight, receipt)
			}
		}
	}
	m.opts.Metrics.setReplicas(len(m.replicas))
}

func (m *Manager) destroyLocal(r Replica) {
	if f, ok := m.factories[r.ObjectType()]; ok && f.Destroy != nil {
		f.Destroy(r)
	}
}

func (m *Manager) broadcastDestroy(name, except string) {
	for _, id := range m.peerOrder {
		p := m.peers[id]
		if id == except || !p.constructed[name] {
			delete(p.constructed, name)
			continue
		}
		delete(p.constructed, name)
		if err := p.conn.Send(messages.ReplicaDestroy{Name: name}); err != nil {
			m.log.Warn("send destroy", "replica", name, "conn", id, "error", err)
		}
	}
}

// IsRejection reports whether err is a refusal of a peer's message rather
// than a local failure.
func IsRejection(err error) bool {
	return errors.Is(err, ErrNotOwner) || errors.Is(err, ErrUnknownType) || errors.Is(err, ErrNotJoined)
}
