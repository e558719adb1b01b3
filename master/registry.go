package main

import (
	"cmp"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SessionInfo describes a replication session visible to peers.
type SessionInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Address  string `json:"address"`
	Peers    int    `json:"peers"`
	MaxPeers int    `json:"maxPeers"`
	// Replicas is the number of replicated scene entities the host reported.
	Replicas int    `json:"replicas"`
	Version  string `json:"version"`
	Region   string `json:"region"`
}

// Open reports whether another peer may join. MaxPeers 0 means unlimited.
func (s SessionInfo) Open() bool {
	return s.MaxPeers == 0 || s.Peers < s.MaxPeers
}

// Occupancy is what a host reports with each heartbeat.
type Occupancy struct {
	Peers    int
	Replicas int
}

// Filter selects sessions in List. Zero fields match everything.
type Filter struct {
	// Version is the protocol version peers speak.
	Version string
	Region  string
	// Open keeps only sessions with a free peer slot.
	Open bool
}

func (f Filter) match(s SessionInfo) bool {
	switch {
	case f.Version != "" && s.Version != f.Version:
		return false
	case f.Region != "" && s.Region != f.Region:
		return false
	case f.Open && !s.Open():
		return false
	}
	return true
}

type sessionRecord struct {
	SessionInfo
	LastSeen time.Time
}

// Registry is an in-memory store of active sessions with TTL-based expiry.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*sessionRecord
	ttl      time.Duration
	now      func() time.Time
	log      *slog.Logger
	stopCh   chan struct{}
}

func NewRegistry(ttl time.Duration, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions: make(map[string]*sessionRecord),
		ttl:      ttl,
		now:      time.Now,
		log:      logger.With("component", "master"),
		stopCh:   make(chan struct{}),
	}
}

// Start runs the expiry sweep every interval until Stop.
func (r *Registry) Start(interval time.Duration) {
	go r.cleanupLoop(interval)
}

func (r *Registry) Stop() {
	close(r.stopCh)
}

func (r *Registry) Register(info SessionInfo) string {
	info.ID = uuid.NewString()

	r.mu.Lock()
	r.sessions[info.ID] = &sessionRecord{
		SessionInfo: info,
		LastSeen:    r.now(),
	}
	r.mu.Unlock()

	return info.ID
}

// Heartbeat keeps the session listed and records its occupancy. It returns
// false for an unknown or expired session, which must register again.
func (r *Registry) Heartbeat(id string, o Occupancy) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.sessions[id]
	if !ok {
		return false
	}
	rec.LastSeen = r.now()
	rec.Peers = o.Peers
	rec.Replicas = o.Replicas
	return true
}

// Get returns the session registered under id.
func (r *Registry) Get(id string) (SessionInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.sessions[id]
	if !ok {
		return SessionInfo{}, false
	}
	return rec.SessionInfo, true
}

// List returns the live sessions matching f sorted by name.
func (r *Registry) List(f Filter) []SessionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]SessionInfo, 0, len(r.sessions))
	for _, rec := range r.sessions {
		if f.match(rec.SessionInfo) {
			result = append(result, rec.SessionInfo)
		}
	}
	slices.SortFunc(result, func(a, b SessionInfo) int {
		if c := cmp.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return result
}

// expire drops sessions not seen within the TTL and returns how many.
func (r *Registry) expire() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	n := 0
	for id, rec := range r.sessions {
		if now.Sub(rec.LastSeen) >= r.ttl {
			r.log.Info("expired session", "name", rec.Name, "id", id,
				"lastSeen", now.Sub(rec.LastSeen).Round(time.Second))
			delete(r.sessions, id)
			n++
		}
	}
	return n
}

func (r *Registry) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.expire()
		}
	}
}
