package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"swarmcast/internal/core/domain"
	"swarmcast/pkg/utils"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ClientState is the relay client's connection lifecycle state.
type ClientState string

const (
	StateIdle         ClientState = "idle"
	StateConnecting   ClientState = "connecting"
	StateConnected    ClientState = "connected"
	StateDisconnected ClientState = "disconnected"
	StateClosed       ClientState = "closed"
)

const defaultWriteWait = 10 * time.Second

// SignalMetrics receives signaling events; the prometheus collector
// implements it. A nil recorder disables reporting.
type SignalMetrics interface {
	RecordEnvelopeSent(envType string)
	RecordEnvelopeReceived(envType string)
	RecordEnvelopeDropped()
	RecordReconnect()
}

// ClientConfig carries everything the relay client needs from the
// application configuration.
type ClientConfig struct {
	// Enabled=false means backend-mode detection reported no reachable
	// backend; the client then stays permanently idle.
	Enabled bool

	// Address is the private relay endpoint used in agent mode.
	Address string

	// Origin and Path derive the default endpoint outside agent mode.
	Origin string
	Path   string

	AgentMode         bool
	HeartbeatInterval time.Duration
	ReconnectDelay    time.Duration
}

// RelayClient maintains one best-effort connection to the signaling
// relay: join/leave a room, fire-and-forget negotiation envelopes, and a
// reconnection state machine with heartbeat liveness. Callers never see
// transport failures; sends while disconnected are silently dropped.
type RelayClient struct {
	peerID  domain.PeerID
	cfg     ClientConfig
	metrics SignalMetrics
	logger  *zap.SugaredLogger

	mu               sync.Mutex
	state            ClientState
	conn             *websocket.Conn
	connGen          int
	room             *domain.Room
	lastAddr         string
	reconnectAllowed bool
	reconnectTimer   *time.Timer
	heartbeatStop    chan struct{}
	handlers         map[EnvelopeType]Handler
	onConnect        func()
	onDisconnect     func()

	// writeMu serializes frames; heartbeats and sends share the socket.
	writeMu sync.Mutex
}

func NewRelayClient(cfg ClientConfig, metrics SignalMetrics, logger *zap.SugaredLogger) *RelayClient {
	return &RelayClient{
		peerID:           domain.PeerID(utils.GeneratePeerID()),
		cfg:              cfg,
		metrics:          metrics,
		logger:           logger,
		state:            StateIdle,
		reconnectAllowed: true,
		handlers:         make(map[EnvelopeType]Handler),
	}
}

// PeerID returns this client's process-unique peer identity.
func (c *RelayClient) PeerID() domain.PeerID {
	return c.peerID
}

// State returns the current lifecycle state.
func (c *RelayClient) State() ClientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// On registers the handler for one inbound envelope type, replacing any
// previous one.
func (c *RelayClient) On(t EnvelopeType, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[t] = h
}

// OnConnect registers the connection-established callback.
func (c *RelayClient) OnConnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnect = fn
}

// OnDisconnect registers the connection-lost callback.
func (c *RelayClient) OnDisconnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnect = fn
}

// Connect establishes the relay connection. No-op when already connected
// or connecting, after Disconnect, and permanently when no backend is
// reachable. Success and failure are observed through callbacks, not
// return values.
func (c *RelayClient) Connect(ctx context.Context, address string) {
	c.mu.Lock()
	if !c.cfg.Enabled {
		c.mu.Unlock()
		c.logger.Info("no backend reachable, signaling stays idle")
		return
	}
	switch c.state {
	case StateConnecting, StateConnected, StateClosed:
		c.mu.Unlock()
		return
	}

	if address == "" {
		address = c.defaultAddress()
	}
	c.state = StateConnecting
	c.lastAddr = address
	c.mu.Unlock()

	c.logger.Infow("connecting to relay", "address", address, "peer_id", c.peerID)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, address, nil)
	if err != nil {
		c.logger.Warnw("relay connection failed", "address", address, "error", err)
		c.transportLost(-1)
		return
	}

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.connGen++
	gen := c.connGen
	c.state = StateConnected
	c.heartbeatStop = make(chan struct{})
	stop := c.heartbeatStop
	room := c.room
	onConnect := c.onConnect
	c.mu.Unlock()

	go c.readPump(conn, gen)
	go c.heartbeatLoop(stop)

	c.logger.Infow("connected to relay", "address", address)
	if onConnect != nil {
		onConnect()
	}

	// Re-announce room membership after a reconnect.
	if room != nil {
		c.sendEnvelope(c.joinEnvelope(*room))
	}
}

// Disconnect permanently shuts the client down: no further reconnection,
// pending timers canceled, heartbeat stopped, transport closed.
// Idempotent.
func (c *RelayClient) Disconnect() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.reconnectAllowed = false
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.stopHeartbeatLocked()
	conn := c.conn
	c.conn = nil
	c.state = StateClosed
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	c.logger.Info("relay client closed")
}

// JoinRoom records the room as current and announces it. Joining a new
// room supersedes the previous membership. The join envelope is silently
// dropped when not connected; membership is re-announced on reconnect.
func (c *RelayClient) JoinRoom(contentID domain.VideoCID, participantID string) {
	room := domain.Room{ContentID: contentID, ParticipantID: participantID}

	c.mu.Lock()
	c.room = &room
	c.mu.Unlock()

	c.sendEnvelope(c.joinEnvelope(room))
}

// LeaveRoom announces departure and clears the recorded room.
func (c *RelayClient) LeaveRoom() {
	c.mu.Lock()
	c.room = nil
	c.mu.Unlock()

	c.sendEnvelope(Envelope{Type: TypeLeave, SenderPeerID: c.peerID})
}

// SendOffer relays an opaque negotiation offer to target. Fire-and-forget.
func (c *RelayClient) SendOffer(target domain.PeerID, offer json.RawMessage) {
	c.sendEnvelope(Envelope{
		Type:         TypeOffer,
		SenderPeerID: c.peerID,
		TargetPeerID: target,
		Payload:      offer,
	})
}

// SendAnswer relays an opaque negotiation answer to target.
func (c *RelayClient) SendAnswer(target domain.PeerID, answer json.RawMessage) {
	c.sendEnvelope(Envelope{
		Type:         TypeAnswer,
		SenderPeerID: c.peerID,
		TargetPeerID: target,
		Payload:      answer,
	})
}

// SendICECandidate relays an opaque candidate blob to target.
func (c *RelayClient) SendICECandidate(target domain.PeerID, candidate json.RawMessage) {
	c.sendEnvelope(Envelope{
		Type:         TypeICECandidate,
		SenderPeerID: c.peerID,
		TargetPeerID: target,
		Payload:      candidate,
	})
}

// UpdateStats reports delivery counters to the relay. Informational,
// never acknowledged.
func (c *RelayClient) UpdateStats(stats domain.DeliveryStats) {
	payload, err := json.Marshal(stats)
	if err != nil {
		c.logger.Warnw("failed to marshal stats update", "error", err)
		return
	}
	c.sendEnvelope(Envelope{
		Type:         TypeStatsUpdate,
		SenderPeerID: c.peerID,
		Payload:      payload,
	})
}

func (c *RelayClient) joinEnvelope(room domain.Room) Envelope {
	payload, _ := json.Marshal(JoinPayload{
		PeerID:        c.peerID,
		ContentID:     room.ContentID,
		ParticipantID: room.ParticipantID,
		IsAgent:       c.cfg.AgentMode,
	})
	return Envelope{Type: TypeJoin, SenderPeerID: c.peerID, Payload: payload}
}

// defaultAddress picks the private relay endpoint in agent mode, else
// derives one from the configured origin and relay path.
func (c *RelayClient) defaultAddress() string {
	if c.cfg.AgentMode || c.cfg.Origin == "" {
		return c.cfg.Address
	}

	u, err := url.Parse(c.cfg.Origin)
	if err != nil || u.Host == "" {
		c.logger.Warnw("invalid relay origin, using private address", "origin", c.cfg.Origin)
		return c.cfg.Address
	}
	scheme := "ws"
	if u.Scheme == "https" {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s%s", scheme, u.Host, c.cfg.Path)
}

// sendEnvelope transmits env when connected and drops it silently
// otherwise. No outbound queueing: negotiation data has its own
// freshness requirements.
func (c *RelayClient) sendEnvelope(env Envelope) {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected || conn == nil {
		c.logger.Debugw("not connected, dropping envelope", "type", env.Type)
		if c.metrics != nil {
			c.metrics.RecordEnvelopeDropped()
		}
		return
	}

	c.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(defaultWriteWait))
	err := conn.WriteJSON(env)
	c.writeMu.Unlock()

	if err != nil {
		c.logger.Warnw("failed to send envelope", "type", env.Type, "error", err)
		return
	}
	if c.metrics != nil {
		c.metrics.RecordEnvelopeSent(string(env.Type))
	}
}

// readPump reads inbound frames until the transport fails. Per-message
// parse failures are logged and dropped without touching connection
// state.
func (c *RelayClient) readPump(conn *websocket.Conn, gen int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.transportLost(gen)
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warnw("discarding malformed envelope", "error", err)
			continue
		}
		c.dispatch(env)
	}
}

func (c *RelayClient) dispatch(env Envelope) {
	if c.metrics != nil {
		c.metrics.RecordEnvelopeReceived(string(env.Type))
	}

	if env.Type == TypeError {
		var p ErrorPayload
		if err := json.Unmarshal(env.Payload, &p); err == nil {
			c.logger.Warnw("relay reported error", "message", p.Message)
		} else {
			c.logger.Warn("relay reported error with unreadable payload")
		}
	}

	c.mu.Lock()
	handler := c.handlers[env.Type]
	c.mu.Unlock()

	if handler != nil {
		handler(env)
	}
}

func (c *RelayClient) heartbeatLoop(stop chan struct{}) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sendEnvelope(Envelope{Type: TypeHeartbeat, SenderPeerID: c.peerID})
		case <-stop:
			return
		}
	}
}

// transportLost handles closure or error of the current transport: stop
// the heartbeat, fire the disconnect callback and schedule exactly one
// reconnection attempt. gen guards against a stale pump racing a newer
// connection; gen < 0 marks a failed dial, which never had a pump.
func (c *RelayClient) transportLost(gen int) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	if gen >= 0 && gen != c.connGen {
		c.mu.Unlock()
		return
	}
	hadConn := c.conn != nil
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.stopHeartbeatLocked()
	c.state = StateDisconnected
	onDisconnect := c.onDisconnect
	allowed := c.reconnectAllowed

	if allowed {
		// Exactly one pending attempt: replace any prior timer.
		if c.reconnectTimer != nil {
			c.reconnectTimer.Stop()
		}
		addr := c.lastAddr
		c.reconnectTimer = time.AfterFunc(c.cfg.ReconnectDelay, func() {
			if c.metrics != nil {
				c.metrics.RecordReconnect()
			}
			c.Connect(context.Background(), addr)
		})
	}
	c.mu.Unlock()

	if hadConn {
		c.logger.Infow("relay connection lost", "reconnect", allowed)
	}
	if hadConn && onDisconnect != nil {
		onDisconnect()
	}
}

func (c *RelayClient) stopHeartbeatLocked() {
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
		c.heartbeatStop = nil
	}
}
