package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/leap-fish/necs/router"
	"github.com/leap-fish/necs/transports"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/won21kr/ApertusVR/config"
	"github.com/won21kr/ApertusVR/shared/messages"
	"github.com/won21kr/ApertusVR/shared/protocol"
	"github.com/won21kr/ApertusVR/shared/replication"
	"github.com/won21kr/ApertusVR/shared/scene"
)

const commandQueueSize = 1024

// Options configures a Server.
type Options struct {
	Settings config.Settings
	Logger   *slog.Logger
	// Registry receives the replication and session metrics. Nil means a
	// private registry.
	Registry *prometheus.Registry
	// Store persists the host's scene between runs. Nil disables persistence.
	Store Store
	// Version is the protocol version peers must announce. Empty accepts any.
	Version string
}

// Server hosts a replication session. Router callbacks run on transport
// goroutines and only enqueue commands; the scene and the replica manager
// are touched by the game loop alone.
type Server struct {
	settings config.SessionConfig
	version  string
	log      *slog.Logger
	hostID   string

	scene     *scene.Manager
	replicas  *replication.Manager
	registry  *prometheus.Registry
	peerGauge prometheus.Gauge

	loop      *GameLoop
	transport *transports.WsServerTransport
	store     Store

	peers    *xsync.MapOf[string, *peerConn]
	joined   atomic.Int32
	replicaN atomic.Int32
	commands chan func()
}

// NewServer creates the host scene, from the saved scene if one exists and
// from the configured one otherwise, and prepares it for replication.
func NewServer(opts Options) (*Server, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hostID := opts.Settings.Session.HostID
	if hostID == "" {
		hostID = uuid.NewString()
	}
	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	s := &Server{
		settings: opts.Settings.Session,
		version:  opts.Version,
		log:      logger.With("component", "server"),
		hostID:   hostID,
		registry: reg,
		store:    opts.Store,
		peers:    xsync.NewMapOf[string, *peerConn](),
		commands: make(chan func(), commandQueueSize),
	}
	s.peerGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "apertus",
		Subsystem: "session",
		Name:      "peers",
		Help:      "Number of peers joined to the session.",
	})
	reg.MustRegister(s.peerGauge)

	s.scene = scene.NewManager(hostID, true, logger)
	s.scene.Events().Subscribe(func(e scene.Event) {
		s.log.Debug("scene event", "subject", e.Subject, "type", e.Type.String())
	})

	initial := opts.Settings.Scene
	if s.store != nil {
		saved, ok, err := LoadScene(s.store)
		if err != nil {
			return nil, err
		}
		if ok {
			s.log.Info("restoring saved scene", "nodes", len(saved.Nodes), "spheres", len(saved.Spheres))
			initial = saved
		}
	}
	if err := BuildScene(s.scene, hostID, initial); err != nil {
		return nil, err
	}

	s.replicas = replication.NewManager(replication.Options{
		LocalID:                 hostID,
		Host:                    true,
		AckTimeout:              uint64(s.settings.AckTimeoutTicks),
		MaxPendingDeltas:        s.settings.MaxPendingDeltas,
		MaxPendingPerConnection: s.settings.MaxPendingPerPeer,
		Logger:                  logger,
		Metrics:                 replication.NewMetrics(reg),
	})
	if err := s.scene.AttachReplication(s.replicas); err != nil {
		return nil, fmt.Errorf("attach replication: %w", err)
	}

	s.replicaN.Store(int32(len(s.replicas.Replicas())))
	s.loop = NewGameLoop(s, s.settings.TickRate, logger)
	return s, nil
}

// Run serves the session on port until ctx ends or the transport fails.
func (s *Server) Run(ctx context.Context, port uint) error {
	s.setupRouterCallbacks()
	go s.loop.Run()

	s.transport = transports.NewWsServerTransport(port, "", nil)
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.transport.Start()
	}()
	s.log.Info("session started", "name", s.settings.Name, "port", port, "host", s.hostID)

	var err error
	select {
	case <-ctx.Done():
	case err = <-errCh:
		err = fmt.Errorf("transport: %w", err)
	}
	s.Stop()
	return err
}

// Stop halts the game loop and saves the scene.
func (s *Server) Stop() {
	s.loop.Stop()
	if s.store == nil {
		return
	}
	if err := SaveScene(s.store, s.scene, s.hostID); err != nil {
		s.log.Error("save scene", "error", err)
		return
	}
	s.log.Info("scene saved")
}

func (s *Server) setupRouterCallbacks() {
	router.OnConnect(func(client *router.NetworkClient) {
		s.onConnect(client)
	})
	router.OnDisconnect(func(client *router.NetworkClient, err error) {
		s.onDisconnect(client, err)
	})
	router.On(func(client *router.NetworkClient, req messages.JoinRequest) {
		s.onJoin(client, req)
	})
	router.On(func(client *router.NetworkClient, msg messages.ReplicaConstruct) {
		s.onReplicaMessage(client, msg)
	})
	router.On(func(client *router.NetworkClient, msg messages.ReplicaDelta) {
		s.onReplicaMessage(client, msg)
	})
	router.On(func(client *router.NetworkClient, msg messages.ReplicaAck) {
		s.onReplicaMessage(client, msg)
	})
	router.On(func(client *router.NetworkClient, msg messages.ReplicaDestroy) {
		s.onReplicaMessage(client, msg)
	})
	router.OnError(func(client *router.NetworkClient, err error) {
		s.log.Warn("client error", "conn", client.Id(), "error", err)
	})
}

func (s *Server) enqueue(cmd func()) {
	s.commands <- cmd
}

// ProcessCommands runs the commands queued by the router callbacks.
func (s *Server) ProcessCommands() {
	for {
		select {
		case cmd := <-s.commands:
			cmd()
		default:
			return
		}
	}
}

// Tick runs one step of the session: inbound commands, replication, then
// scene event delivery.
func (s *Server) Tick() {
	s.ProcessCommands()
	s.replicas.Update()
	s.scene.Events().Process()
	s.replicaN.Store(int32(len(s.replicas.Replicas())))
}

func (s *Server) onConnect(client sender) {
	s.log.Info("client connected", "conn", client.Id())
	s.peers.Store(client.Id(), &peerConn{client: client})
}

func (s *Server) onDisconnect(client sender, err error) {
	if err != nil {
		s.log.Info("client disconnected", "conn", client.Id(), "error", err)
	} else {
		s.log.Info("client disconnected", "conn", client.Id())
	}
	id := client.Id()
	s.enqueue(func() { s.leave(id) })
}

func (s *Server) onJoin(client sender, req messages.JoinRequest) {
	id := client.Id()
	s.enqueue(func() { s.join(id, req) })
}

func (s *Server) onReplicaMessage(client sender, msg any) {
	id := client.Id()
	s.enqueue(func() { s.receive(id, msg) })
}

func (s *Server) join(id string, req messages.JoinRequest) {
	pc, ok := s.peers.Load(id)
	if !ok || pc.joined {
		return
	}
	if err := protocol.CheckVersion(s.version, req.Version); err != nil {
		s.reject(pc, err.Error())
		return
	}
	if s.settings.MaxPeers > 0 && int(s.joined.Load()) >= s.settings.MaxPeers {
		s.reject(pc, "session full")
		return
	}
	ownerID := req.OwnerID
	if ownerID == "" {
		ownerID = uuid.NewString()
	}
	if s.ownerInUse(ownerID) {
		s.reject(pc, "owner id in use")
		return
	}

	err := pc.Send(messages.JoinAccepted{
		OwnerID:     ownerID,
		HostID:      s.hostID,
		SessionName: s.settings.Name,
		TickRate:    s.settings.TickRate,
	})
	if err != nil {
		s.log.Warn("send join accepted", "conn", id, "error", err)
		return
	}
	if err := s.replicas.AddConnection(pc, ownerID); err != nil {
		s.log.Error("add connection", "conn", id, "error", err)
		return
	}
	pc.joined = true
	pc.ownerID = ownerID
	pc.name = req.Name
	s.peerGauge.Set(float64(s.joined.Add(1)))
	s.log.Info("peer joined", "conn", id, "owner", ownerID, "name", req.Name)
	s.broadcast(messages.PeerJoined{OwnerID: ownerID, Name: req.Name}, id)
}

func (s *Server) reject(pc *peerConn, reason string) {
	s.log.Info("join rejected", "conn", pc.ID(), "reason", reason)
	if err := pc.Send(messages.JoinRejected{Reason: reason}); err != nil {
		s.log.Warn("send join rejected", "conn", pc.ID(), "error", err)
	}
}

func (s *Server) ownerInUse(ownerID string) bool {
	if ownerID == s.hostID {
		return true
	}
	inUse := false
	s.peers.Range(func(_ string, pc *peerConn) bool {
		inUse = pc.joined && pc.ownerID == ownerID
		return !inUse
	})
	return inUse
}

func (s *Server) leave(id string) {
	pc, ok := s.peers.LoadAndDelete(id)
	if !ok || !pc.joined {
		return
	}
	s.replicas.RemoveConnection(id)
	s.peerGauge.Set(float64(s.joined.Add(-1)))
	s.log.Info("peer left", "conn", id, "owner", pc.ownerID)
	s.broadcast(messages.PeerLeft{OwnerID: pc.ownerID}, id)
}

func (s *Server) receive(id string, msg any) {
	handled, err := s.replicas.Dispatch(id, msg)
	switch {
	case err != nil && replication.IsRejection(err):
		s.log.Warn("replica message rejected", "conn", id, "error", err)
	case err != nil:
		s.log.Error("replica message", "conn", id, "error", err)
	case !handled:
		s.log.Debug("unhandled message", "conn", id, "type", fmt.Sprintf("%T", msg))
	}
}

func (s *Server) broadcast(msg any, except string) {
	s.peers.Range(func(id string, pc *peerConn) bool {
		if id == except || !pc.joined {
			return true
		}
		if err := pc.Send(msg); err != nil {
			s.log.Warn("broadcast", "conn", id, "error", err)
		}
		return true
	})
}

// HostID returns the owner id of the host.
func (s *Server) HostID() string {
	return s.hostID
}

// Scene returns the host scene. It must only be used from the game loop.
func (s *Server) Scene() *scene.Manager {
	return s.scene
}

// PeerCount returns the number of joined peers.
func (s *Server) PeerCount() int {
	return int(s.joined.Load())
}

// ReplicaCount returns the number of replicated entities as of the last tick.
func (s *Server) ReplicaCount() int {
	return int(s.replicaN.Load())
}

// Registry returns the registry holding the server's metrics.
func (s *Server) Registry() *prometheus.Registry {
	return s.registry
}
