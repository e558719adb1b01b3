package delta

import (
	"bytes"
	"sort"
	"sync"
)

// MaxInFlight bounds the unacknowledged sends remembered per remote. When it
// is exceeded the oldest send is treated as lost.
const MaxInFlight = 256

type mode int

const (
	modeIdentical mode = iota
	modeAcked
	modeFull
)

// history holds the encoding last sent for each variable position. A nil
// entry means the recipient's value is unknown and must be sent.
type history struct {
	values [MaxVariables][]byte
}

func (h *history) reset() {
	h.values = [MaxVariables][]byte{}
}

type sentVariable struct {
	index int
	value []byte
}

type remoteHistory struct {
	history
	inFlight map[Receipt][]sentVariable
	order    []Receipt
}

// Serializer tracks what has been sent for one object.
//
// It keeps one history shared by every recipient (identical serialization
// over a reliable ordered channel) and one history per remote system for
// unreliable channels, where losses are reported through OnMessageReceipt.
// A Serializer is safe for concurrent use; contexts are not.
type Serializer struct {
	mu        sync.Mutex
	identical history
	remotes   map[RemoteID]*remoteHistory
}

// SerializationContext collects the variables of one pass.
type SerializationContext struct {
	s       *Serializer
	mode    mode
	remote  RemoteID
	receipt Receipt
	force   bool
	values  [][]byte
	err     error
	ended   bool
}

// BeginIdenticalSerialize starts a pass whose frame is broadcast unchanged to
// every recipient. force writes every variable regardless of history, which
// is what the first serialization of an object needs.
func (s *Serializer) BeginIdenticalSerialize(force bool) *SerializationContext {
	return &SerializationContext{s: s, mode: modeIdentical, force: force}
}

// BeginUnreliableAckedSerialize starts a pass for a single remote system on a
// channel that may drop the frame. The frame must be sent under receipt.
func (s *Serializer) BeginUnreliableAckedSerialize(remote RemoteID, receipt Receipt, force bool) *SerializationContext {
	return &SerializationContext{s: s, mode: modeAcked, remote: remote, receipt: receipt, force: force}
}

// BeginFullSerialize starts a pass that writes every variable and leaves all
// histories untouched. It is used for construction frames.
func (s *Serializer) BeginFullSerialize() *SerializationContext {
	return &SerializationContext{s: s, mode: modeFull, force: true}
}

// SerializeVariable offers the next variable of the pass.
func (c *SerializationContext) SerializeVariable(v any) {
	if c.err != nil {
		return
	}
	if len(c.values) == MaxVariables {
		c.err = ErrTooManyVariables
		return
	}
	b, err := Encode(v)
	if err != nil {
		c.err = err
		return
	}
	c.values = append(c.values, b)
}

// EndSerialize builds the frame. changed is false when no variable differs
// from the history, in which case nothing should be sent and no history
// advances.
func (c *SerializationContext) EndSerialize() (frame Frame, changed bool, err error) {
	if c.ended {
		return nil, false, ErrContextEnded
	}
	c.ended = true
	if c.err != nil {
		return nil, false, c.err
	}

	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	var hist *history
	var remote *remoteHistory
	switch c.mode {
	case modeIdentical:
		hist = &c.s.identical
	case modeAcked:
		remote = c.s.remoteLocked(c.remote)
		hist = &remote.history
	}

	var mask uint64
	var body bytes.Buffer
	var sent []sentVariable
	for i, v := range c.values {
		if !c.force && hist != nil && bytes.Equal(hist.values[i], v) {
			continue
		}
		mask |= 1 << uint(i)
		body.Write(v)
		sent = append(sent, sentVariable{index: i, value: v})
	}
	if mask == 0 {
		return nil, false, nil
	}

	head, err := Encode(mask)
	if err != nil {
		return nil, false, err
	}

	if hist != nil {
		for _, sv := range sent {
			hist.values[sv.index] = sv.value
		}
	}
	if remote != nil {
		c.s.trackLocked(remote, c.receipt, sent)
	}

	frame = make(Frame, 0, len(head)+body.Len())
	frame = append(frame, head...)
	frame = append(frame, body.Bytes()...)
	return frame, true, nil
}

func (s *Serializer) remoteLocked(id RemoteID) *remoteHistory {
	if s.remotes == nil {
		s.remotes = make(map[RemoteID]*remoteHistory)
	}
	r, ok := s.remotes[id]
	if !ok {
		r = &remoteHistory{inFlight: make(map[Receipt][]sentVariable)}
		s.remotes[id] = r
	}
	return r
}

func (s *Serializer) trackLocked(r *remoteHistory, receipt Receipt, sent []sentVariable) {
	if _, dup := r.inFlight[receipt]; !dup {
		r.order = append(r.order, receipt)
	}
	r.inFlight[receipt] = sent
	for len(r.order) > MaxInFlight {
		oldest := r.order[0]
		r.order = r.order[1:]
		r.lostLocked(oldest)
	}
}

func (r *remoteHistory) lostLocked(receipt Receipt) {
	sent, ok := r.inFlight[receipt]
	if !ok {
		return
	}
	delete(r.inFlight, receipt)
	for _, sv := range sent {
		// A newer value may already be on its way; only forget values that
		// are still the latest ones sent.
		if bytes.Equal(r.values[sv.index], sv.value) {
			r.values[sv.index] = nil
		}
	}
}

// OnMessageReceipt reports the fate of an acked-mode send. A lost send makes
// the variables it carried dirty again for that remote.
func (s *Serializer) OnMessageReceipt(remote RemoteID, receipt Receipt, delivered bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.remotes[remote]
	if !ok {
		return
	}
	if _, ok := r.inFlight[receipt]; !ok {
		return
	}
	if delivered {
		delete(r.inFlight, receipt)
	} else {
		r.lostLocked(receipt)
	}
	for i, rc := range r.order {
		if rc == receipt {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// InFlight returns the unacknowledged receipts for remote in send order.
func (s *Serializer) InFlight(remote RemoteID) []Receipt {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.remotes[remote]
	if !ok {
		return nil
	}
	out := make([]Receipt, len(r.order))
	copy(out, r.order)
	return out
}

// RemoveRemoteSystem forgets everything known about remote.
func (s *Serializer) RemoveRemoteSystem(remote RemoteID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.remotes, remote)
}

// Remotes lists the remote systems with a history, sorted.
func (s *Serializer) Remotes() []RemoteID {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]RemoteID, 0, len(s.remotes))
	for id := range s.remotes {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// FreeVariableHistory drops every history, so the next pass of any kind
// writes all variables.
func (s *Serializer) FreeVariableHistory() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identical.reset()
	s.remotes = nil
}
