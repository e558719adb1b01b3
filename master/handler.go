package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
)

type registerRequest struct {
	Name     string `json:"name"`
	Address  string `json:"address"`
	Peers    int    `json:"peers"`
	MaxPeers int    `json:"maxPeers"`
	Replicas int    `json:"replicas"`
	Version  string `json:"version"`
	Region   string `json:"region"`
}

type registerResponse struct {
	ID string `json:"id"`
}

type heartbeatRequest struct {
	ID       string `json:"id"`
	Peers    int    `json:"peers"`
	Replicas int    `json:"replicas"`
}

const maxRequestBody = 1 << 16 // 64 KB

// NewMux routes the session directory endpoints.
func NewMux(reg *Registry, logger *slog.Logger) *http.ServeMux {
	logger = logger.With("component", "master")
	mux := http.NewServeMux()
	mux.HandleFunc("GET /sessions", ListSessions(reg, logger))
	mux.HandleFunc("GET /sessions/{id}", GetSession(reg))
	mux.HandleFunc("POST /sessions/register", RegisterSession(reg, logger))
	mux.HandleFunc("POST /sessions/heartbeat", Heartbeat(reg, logger))
	mux.HandleFunc("GET /health", Health())
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

func jsonHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
}

// ListSessions answers with the sessions a peer could join. The version,
// region and open query parameters narrow the list.
func ListSessions(reg *Registry, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jsonHeaders(w)

		q := r.URL.Query()
		f := Filter{Version: q.Get("version"), Region: q.Get("region")}
		if v := q.Get("open"); v != "" {
			open, err := strconv.ParseBool(v)
			if err != nil {
				http.Error(w, `{"error":"open must be a boolean"}`, http.StatusBadRequest)
				return
			}
			f.Open = open
		}

		if err := writeJSON(w, http.StatusOK, reg.List(f)); err != nil {
			logger.Warn("list encode error", "error", err)
		}
	}
}

func GetSession(reg *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jsonHeaders(w)

		info, ok := reg.Get(r.PathValue("id"))
		if !ok {
			http.Error(w, `{"error":"unknown session"}`, http.StatusNotFound)
			return
		}
		_ = writeJSON(w, http.StatusOK, info)
	}
}

func RegisterSession(reg *Registry, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jsonHeaders(w)

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
		var req registerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"error":"invalid json"}`, http.StatusBadRequest)
			return
		}
		switch {
		case req.Name == "" || req.Address == "":
			http.Error(w, `{"error":"name and address required"}`, http.StatusBadRequest)
			return
		case req.Peers < 0 || req.MaxPeers < 0 || req.Replicas < 0:
			http.Error(w, `{"error":"counts must not be negative"}`, http.StatusBadRequest)
			return
		}

		id := reg.Register(SessionInfo{
			Name:     req.Name,
			Address:  req.Address,
			Peers:    req.Peers,
			MaxPeers: req.MaxPeers,
			Replicas: req.Replicas,
			Version:  req.Version,
			Region:   req.Region,
		})

		logger.Info("registered session", "name", req.Name, "address", req.Address,
			"version", req.Version, "id", id)

		_ = writeJSON(w, http.StatusCreated, registerResponse{ID: id})
	}
}

// Heartbeat refreshes a session and its occupancy. Unknown ids answer 404 so
// the host registers again.
func Heartbeat(reg *Registry, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jsonHeaders(w)

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
		var req heartbeatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"error":"invalid json"}`, http.StatusBadRequest)
			return
		}
		if req.Peers < 0 || req.Replicas < 0 {
			http.Error(w, `{"error":"counts must not be negative"}`, http.StatusBadRequest)
			return
		}

		if !reg.Heartbeat(req.ID, Occupancy{Peers: req.Peers, Replicas: req.Replicas}) {
			logger.Debug("heartbeat for unknown session", "id", req.ID)
			http.Error(w, `{"error":"unknown session"}`, http.StatusNotFound)
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}
}

func Health() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}
}
