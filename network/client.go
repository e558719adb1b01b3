package network

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/coder/websocket"
	"github.com/leap-fish/necs/router"
	"github.com/leap-fish/necs/transports"

	"github.com/won21kr/ApertusVR/shared/messages"
	"github.com/won21kr/ApertusVR/shared/replication"
	"github.com/won21kr/ApertusVR/shared/scene"
)

type ClientState int

const (
	StateDisconnected ClientState = iota
	StateConnecting
	StateConnected
	StateJoined
	StateError
)

func (s ClientState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateJoined:
		return "joined"
	case StateError:
		return "error"
	}
	return fmt.Sprintf("ClientState(%d)", int(s))
}

// hostConnID names the host connection inside the client's replica manager.
const hostConnID = "host"

const inboxSize = 1024

// Client joins a session over a websocket. Router callbacks run on necs
// goroutines and only queue messages; Update applies them to the client's
// scene on the caller's goroutine.
type Client struct {
	mu sync.RWMutex

	state       ClientState
	lastError   error
	ownerID     string
	hostID      string
	sessionName string
	tickRate    int
	conn        *websocket.Conn
	peers       map[string]string

	log   *slog.Logger
	inbox chan any
	// send delivers a message to the host; SendMessage unless replaced.
	send func(msg any) error

	// Owned by the Update goroutine.
	scene    *scene.Manager
	replicas *replication.Manager
	events   []scene.Event
}

func NewClient(logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		state: StateDisconnected,
		peers: make(map[string]string),
		log:   logger.With("component", "client"),
		inbox: make(chan any, inboxSize),
	}
	c.send = c.SendMessage
	return c
}

// Connect dials the host in a background goroutine and sends the join
// request once connected. An empty ownerID lets the host pick one.
func (c *Client) Connect(address, version, ownerID, name string) {
	c.mu.Lock()
	c.state = StateConnecting
	c.lastError = nil
	c.mu.Unlock()

	router.OnConnect(func(_ *router.NetworkClient) {
		c.log.Info("connected to host", "address", address)
		c.mu.Lock()
		c.state = StateConnected
		c.mu.Unlock()

		if err := c.SendMessage(messages.JoinRequest{
			Version: version,
			OwnerID: ownerID,
			Name:    name,
		}); err != nil {
			c.setError(fmt.Errorf("failed to send join request: %w", err))
		}
	})

	router.On(func(_ *router.NetworkClient, msg messages.JoinAccepted) {
		c.log.Info("join accepted", "owner", msg.OwnerID, "session", msg.SessionName, "tickRate", msg.TickRate)
		c.mu.Lock()
		c.ownerID = msg.OwnerID
		c.hostID = msg.HostID
		c.sessionName = msg.SessionName
		c.tickRate = msg.TickRate
		c.state = StateJoined
		c.mu.Unlock()
		c.deliver(msg)
	})

	router.On(func(_ *router.NetworkClient, msg messages.JoinRejected) {
		c.log.Warn("join rejected", "reason", msg.Reason)
		c.setError(fmt.Errorf("join rejected: %s", msg.Reason))
	})

	router.On(func(_ *router.NetworkClient, msg messages.PeerJoined) { c.deliver(msg) })
	router.On(func(_ *router.NetworkClient, msg messages.PeerLeft) { c.deliver(msg) })
	router.On(func(_ *router.NetworkClient, msg messages.ReplicaConstruct) { c.deliver(msg) })
	router.On(func(_ *router.NetworkClient, msg messages.ReplicaDelta) { c.deliver(msg) })
	router.On(func(_ *router.NetworkClient, msg messages.ReplicaAck) { c.deliver(msg) })
	router.On(func(_ *router.NetworkClient, msg messages.ReplicaDestroy) { c.deliver(msg) })

	router.OnDisconnect(func(_ *router.NetworkClient, err error) {
		c.log.Info("disconnected", "error", err)
		c.mu.Lock()
		if c.state != StateError {
			c.state = StateDisconnected
		}
		c.conn = nil
		c.mu.Unlock()
	})

	router.OnError(func(_ *router.NetworkClient, err error) {
		c.log.Warn("router error", "error", err)
	})

	go func() {
		transport := transports.NewWsClientTransport("ws://" + address)
		err := transport.Start(func(conn *websocket.Conn) {
			c.mu.Lock()
			c.conn = conn
			c.mu.Unlock()
		})
		if err != nil {
			c.setError(fmt.Errorf("connection failed: %w", err))
		}
	}()
}

func (c *Client) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	c.state = StateDisconnected
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.CloseNow()
	}

	router.ResetRouter()
}

func (c *Client) State() ClientState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Client) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastError
}

// OwnerID returns the owner id the host accepted, or "" before joining.
func (c *Client) OwnerID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ownerID
}

func (c *Client) SessionName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionName
}

func (c *Client) TickRate() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tickRate
}

// Peers returns the names of the other peers keyed by owner id.
func (c *Client) Peers() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.peers))
	for k, v := range c.peers {
		out[k] = v
	}
	return out
}

// Scene returns the replicated scene, or nil before the join is processed by
// Update. It must only be used from the goroutine calling Update.
func (c *Client) Scene() *scene.Manager {
	return c.scene
}

func (c *Client) SendMessage(msg any) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		return fmt.Errorf("not connected")
	}

	payload, err := router.Serialize(msg)
	if err != nil {
		return fmt.Errorf("serialize: %w", err)
	}

	return conn.Write(context.Background(), websocket.MessageBinary, payload)
}

func (c *Client) setError(err error) {
	c.mu.Lock()
	c.state = StateError
	c.lastError = err
	c.mu.Unlock()
}

// deliver queues msg for Update. It blocks while the inbox is full: replica
// frames must not be dropped.
func (c *Client) deliver(msg any) {
	c.inbox <- msg
}

// Update applies the queued messages, sends the changes of the replicas this
// client owns and delivers the scene events.
func (c *Client) Update() {
	for _, msg := range drainChan(c.inbox) {
		c.handle(msg)
	}
	if c.replicas == nil {
		return
	}
	c.replicas.Update()
	c.scene.Events().Process()
}

func (c *Client) handle(msg any) {
	switch v := msg.(type) {
	case messages.JoinAccepted:
		c.joined(v)
	case messages.PeerJoined:
		c.log.Info("peer joined", "owner", v.OwnerID, "name", v.Name)
		c.mu.Lock()
		c.peers[v.OwnerID] = v.Name
		c.mu.Unlock()
	case messages.PeerLeft:
		c.log.Info("peer left", "owner", v.OwnerID)
		c.mu.Lock()
		delete(c.peers, v.OwnerID)
		c.mu.Unlock()
	default:
		if c.replicas == nil {
			c.log.Warn("message before join", "type", fmt.Sprintf("%T", msg))
			return
		}
		if _, err := c.replicas.Dispatch(hostConnID, msg); err != nil {
			c.log.Warn("replica message", "error", err)
		}
	}
}

func (c *Client) joined(msg messages.JoinAccepted) {
	if c.scene != nil {
		return
	}
	c.scene = scene.NewManager(msg.OwnerID, false, c.log)
	c.scene.Events().Subscribe(func(e scene.Event) {
		c.events = append(c.events, e)
	})
	c.replicas = replication.NewManager(replication.Options{
		LocalID: msg.OwnerID,
		Logger:  c.log,
	})
	if err := c.scene.AttachReplication(c.replicas); err != nil {
		c.log.Error("attach replication", "error", err)
		return
	}
	if err := c.replicas.AddConnection(hostConn{c}, msg.HostID); err != nil {
		c.log.Error("add host connection", "error", err)
	}
}

// DrainEvents returns the scene events delivered since the last call. Like
// Scene it must only be used from the goroutine calling Update.
func (c *Client) DrainEvents() []scene.Event {
	out := c.events
	c.events = nil
	return out
}

// hostConn is the client's only replication connection.
type hostConn struct {
	c *Client
}

func (h hostConn) ID() string         { return hostConnID }
func (h hostConn) Reliable() bool     { return true }
func (h hostConn) Send(msg any) error { return h.c.send(msg) }

func drainChan[T any](ch chan T) []T {
	var out []T
	for {
		select {
		case v := <-ch:
			out = append(out, v)
		default:
			return out
		}
	}
}
