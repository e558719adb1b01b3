package core

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/won21kr/ApertusVR/config"
)

// Occupancy reports what the session currently holds.
type Occupancy interface {
	PeerCount() int
	ReplicaCount() int
}

// Registration registers the session with the master and keeps it listed
// with heartbeats.
type Registration struct {
	masterURL string
	sessionID string
	name      string
	address   string
	version   string
	region    string
	maxPeers  int
	interval  time.Duration
	occupancy Occupancy
	client    *http.Client
	log       *slog.Logger
}

type regRequest struct {
	Name     string `json:"name"`
	Address  string `json:"address"`
	Peers    int    `json:"peers"`
	MaxPeers int    `json:"maxPeers"`
	Replicas int    `json:"replicas"`
	Version  string `json:"version"`
	Region   string `json:"region"`
}

type regResponse struct {
	ID string `json:"id"`
}

type heartbeatRequest struct {
	ID       string `json:"id"`
	Peers    int    `json:"peers"`
	Replicas int    `json:"replicas"`
}

func NewRegistration(settings config.Settings, version string, occupancy Occupancy, logger *slog.Logger) *Registration {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registration{
		masterURL: settings.Master.URL,
		name:      settings.Session.Name,
		address:   settings.Master.Address,
		version:   version,
		region:    settings.Master.Region,
		maxPeers:  settings.Session.MaxPeers,
		interval:  settings.Master.Heartbeat,
		occupancy: occupancy,
		client:    &http.Client{Timeout: 5 * time.Second},
		log:       logger.With("component", "registration"),
	}
}

// Run registers and then heartbeats until ctx ends. Failures are logged and
// retried on the next heartbeat.
func (r *Registration) Run(ctx context.Context) {
	if err := r.register(ctx); err != nil {
		r.log.Warn("initial registration failed", "error", err)
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.sendHeartbeat(ctx); err != nil {
				r.log.Warn("heartbeat failed", "error", err)
			}
		}
	}
}

// SessionID returns the id the master assigned, or "" before registration.
func (r *Registration) SessionID() string {
	return r.sessionID
}

func (r *Registration) register(ctx context.Context) error {
	resp, err := r.post(ctx, "/sessions/register", regRequest{
		Name:     r.name,
		Address:  r.address,
		Peers:    r.occupancy.PeerCount(),
		MaxPeers: r.maxPeers,
		Replicas: r.occupancy.ReplicaCount(),
		Version:  r.version,
		Region:   r.region,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var result regResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decode: %w", err)
	}

	r.sessionID = result.ID
	r.log.Info("registered with master", "id", r.sessionID)
	return nil
}

func (r *Registration) sendHeartbeat(ctx context.Context) error {
	if r.sessionID == "" {
		return r.register(ctx)
	}
	resp, err := r.post(ctx, "/sessions/heartbeat", heartbeatRequest{
		ID:       r.sessionID,
		Peers:    r.occupancy.PeerCount(),
		Replicas: r.occupancy.ReplicaCount(),
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		r.log.Info("master lost our registration, re-registering")
		r.sessionID = ""
		return r.register(ctx)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	return nil
}

func (r *Registration) post(ctx context.Context, path string, v any) (*http.Response, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.masterURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post: %w", err)
	}
	return resp, nil
}
