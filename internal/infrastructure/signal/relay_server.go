package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"swarmcast/internal/core/domain"
	"swarmcast/internal/core/ports"
	"swarmcast/pkg/logger"
	"swarmcast/pkg/tracing"
	"swarmcast/pkg/utils"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Should be configured properly for production
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// RelayMetrics receives relay-side events; the prometheus collector
// implements it.
type RelayMetrics interface {
	RecordPeerConnected(isAgent bool)
	RecordPeerDisconnected(isAgent bool)
	RecordEnvelopeRouted(envType string)
	RecordDeliveryStats(stats domain.DeliveryStats)
}

type peerConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (p *peerConn) writeJSON(v interface{}, timeout time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(timeout))
	return p.conn.WriteJSON(v)
}

// RelayServer is the rendezvous endpoint peers negotiate through: it
// tracks room membership, routes negotiation envelopes to their target
// peer, answers heartbeats and pushes peer-list updates.
type RelayServer struct {
	registry ports.RoomRegistry
	metrics  RelayMetrics

	connections map[domain.PeerID]*peerConn
	mu          sync.RWMutex

	pingInterval time.Duration
	readTimeout  time.Duration
	writeTimeout time.Duration

	logger *zap.SugaredLogger
}

func NewRelayServer(registry ports.RoomRegistry, metrics RelayMetrics, log *zap.SugaredLogger) *RelayServer {
	return &RelayServer{
		registry:     registry,
		metrics:      metrics,
		connections:  make(map[domain.PeerID]*peerConn),
		pingInterval: 30 * time.Second,
		readTimeout:  90 * time.Second,
		writeTimeout: 10 * time.Second,
		logger:       log,
	}
}

// HandleWebSocket upgrades the request and serves one peer connection
// until it closes. Peers announce their identity with a join envelope;
// envelopes arriving before the join are answered with an error.
func (s *RelayServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	pc := &peerConn{conn: conn}
	defer conn.Close()

	session := utils.GenerateSessionID()
	s.logger.Debugw("relay session opened", "session", session, "remote", r.RemoteAddr)

	conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		return nil
	})

	pingTicker := time.NewTicker(s.pingInterval)
	defer pingTicker.Stop()

	messageChan := make(chan Envelope, 10)
	errorChan := make(chan error, 1)

	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				errorChan <- err
				return
			}
			conn.SetReadDeadline(time.Now().Add(s.readTimeout))

			var env Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				s.sendError(pc, "malformed envelope")
				continue
			}
			messageChan <- env
		}
	}()

	var peerID domain.PeerID

	for {
		select {
		case env := <-messageChan:
			joined, err := s.handleEnvelope(r.Context(), pc, peerID, env)
			if err != nil {
				s.logger.Infow("error handling envelope",
					"session", session, "peer_id", peerID, "type", env.Type, "error", err)
				s.sendError(pc, err.Error())
				continue
			}
			if joined != "" {
				// A new identity on the same socket retires the old one.
				if peerID != "" && joined != peerID {
					s.handleLeave(r.Context(), peerID)
				}
				peerID = joined
			}
			if env.Type == TypeLeave {
				peerID = ""
			}

		case <-pingTicker.C:
			pc.mu.Lock()
			conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			pc.mu.Unlock()
			if err != nil {
				s.logger.Infow("error sending ping", "session", session, "peer_id", peerID, "error", err)
				s.cleanup(peerID)
				return
			}

		case err := <-errorChan:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Infow("error reading from peer", "session", session, "peer_id", peerID, "error", err)
			}
			s.cleanup(peerID)
			return
		}
	}
}

// handleEnvelope routes one inbound envelope. It returns the peer id
// when the envelope established room membership.
func (s *RelayServer) handleEnvelope(ctx context.Context, pc *peerConn, peerID domain.PeerID, env Envelope) (domain.PeerID, error) {
	ctx, span := otel.Tracer("relay").Start(ctx, "relay.route")
	defer span.End()
	span.SetAttributes(
		attribute.String("envelope.type", string(env.Type)),
		tracing.PeerIDKey.String(string(peerID)),
	)
	log := logger.WithTrace(ctx, s.logger)

	if s.metrics != nil {
		s.metrics.RecordEnvelopeRouted(string(env.Type))
	}

	switch env.Type {
	case TypeJoin:
		return s.handleJoin(ctx, pc, env)

	case TypeLeave:
		if peerID != "" {
			s.handleLeave(ctx, peerID)
		}
		return "", nil

	case TypeOffer, TypeAnswer, TypeICECandidate:
		if peerID == "" {
			return "", domain.ErrRoomNotFound
		}
		return "", s.route(ctx, peerID, env, log)

	case TypeHeartbeat:
		// Liveness echo; the client's ticker drives it.
		return "", pc.writeJSON(Envelope{Type: TypeHeartbeat}, s.writeTimeout)

	case TypeStatsUpdate:
		var stats domain.DeliveryStats
		if err := json.Unmarshal(env.Payload, &stats); err != nil {
			log.Warnw("discarding malformed stats update", "peer_id", peerID, "error", err)
			return "", nil
		}
		if s.metrics != nil {
			s.metrics.RecordDeliveryStats(stats)
		}
		return "", nil

	default:
		log.Warnw("unknown envelope type", "type", env.Type)
		return "", nil
	}
}

func (s *RelayServer) handleJoin(ctx context.Context, pc *peerConn, env Envelope) (domain.PeerID, error) {
	var payload JoinPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return "", err
	}
	if payload.PeerID == "" || payload.ContentID == "" {
		return "", domain.ErrPeerNotFound
	}
	trace.SpanFromContext(ctx).SetAttributes(
		tracing.PeerIDKey.String(string(payload.PeerID)),
		tracing.ContentIDKey.String(string(payload.ContentID)),
	)

	peer := &domain.RoomPeer{
		ID:            payload.PeerID,
		ContentID:     payload.ContentID,
		ParticipantID: utils.SanitizeString(payload.ParticipantID),
		IsAgent:       payload.IsAgent,
		JoinedAt:      time.Now(),
	}

	// Joining again supersedes any previous room membership.
	if existing, err := s.registry.GetByID(ctx, payload.PeerID); err == nil && existing != nil {
		s.registry.Remove(ctx, payload.PeerID)
		s.broadcastPeerList(ctx, existing.ContentID)
	}

	if err := s.registry.Add(ctx, peer); err != nil {
		return "", err
	}

	s.mu.Lock()
	if old, exists := s.connections[payload.PeerID]; exists && old != pc {
		old.conn.Close()
	}
	s.connections[payload.PeerID] = pc
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordPeerConnected(payload.IsAgent)
	}
	s.logger.Infow("peer joined room",
		"peer_id", payload.PeerID,
		"content_id", payload.ContentID,
		"participant", peer.ParticipantID,
		"is_agent", payload.IsAgent,
	)

	s.broadcastPeerList(ctx, payload.ContentID)
	return payload.PeerID, nil
}

func (s *RelayServer) handleLeave(ctx context.Context, peerID domain.PeerID) {
	peer, err := s.registry.GetByID(ctx, peerID)
	if err != nil {
		return
	}
	s.registry.Remove(ctx, peerID)

	s.mu.Lock()
	delete(s.connections, peerID)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordPeerDisconnected(peer.IsAgent)
	}
	s.logger.Infow("peer left room", "peer_id", peerID, "content_id", peer.ContentID)
	s.broadcastPeerList(ctx, peer.ContentID)
}

// route forwards a negotiation envelope to its target peer, stamping the
// sender so the receiver can answer.
func (s *RelayServer) route(ctx context.Context, from domain.PeerID, env Envelope, log *zap.SugaredLogger) error {
	if env.TargetPeerID == "" {
		return domain.ErrPeerNotFound
	}

	targetID := env.TargetPeerID
	s.mu.RLock()
	target, exists := s.connections[targetID]
	s.mu.RUnlock()
	if !exists {
		return domain.ErrPeerNotFound
	}

	env.SenderPeerID = from
	env.TargetPeerID = ""

	log.Debugw("routing envelope",
		"type", env.Type,
		"from_peer", from,
		"to_peer", targetID,
		"payload_bytes", len(env.Payload),
	)
	return target.writeJSON(env, s.writeTimeout)
}

// broadcastPeerList pushes the current room roster to every member.
// Agents are listed first; the relay prioritizes long-running delivery
// nodes as negotiation targets.
func (s *RelayServer) broadcastPeerList(ctx context.Context, contentID domain.VideoCID) {
	peers, err := s.registry.ListRoom(ctx, contentID)
	if err != nil {
		s.logger.Warnw("failed to list room", "content_id", contentID, "error", err)
		return
	}

	sort.SliceStable(peers, func(i, j int) bool {
		if peers[i].IsAgent != peers[j].IsAgent {
			return peers[i].IsAgent
		}
		return peers[i].JoinedAt.Before(peers[j].JoinedAt)
	})

	entries := make([]PeerListEntry, 0, len(peers))
	for _, p := range peers {
		entries = append(entries, PeerListEntry{
			PeerID:        p.ID,
			ParticipantID: p.ParticipantID,
			IsAgent:       p.IsAgent,
		})
	}
	payload, _ := json.Marshal(PeerListPayload{ContentID: contentID, Peers: entries})
	env := Envelope{Type: TypePeerList, Payload: payload}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range peers {
		if pc, exists := s.connections[p.ID]; exists {
			if err := pc.writeJSON(env, s.writeTimeout); err != nil {
				s.logger.Debugw("failed to push peer list", "peer_id", p.ID, "error", err)
			}
		}
	}
}

func (s *RelayServer) cleanup(peerID domain.PeerID) {
	if peerID == "" {
		return
	}
	s.handleLeave(context.Background(), peerID)
}

func (s *RelayServer) sendError(pc *peerConn, message string) {
	payload, _ := json.Marshal(ErrorPayload{Message: message})
	pc.writeJSON(Envelope{Type: TypeError, Payload: payload}, s.writeTimeout)
}

// ConnectedPeers returns the ids of currently registered peers.
func (s *RelayServer) ConnectedPeers() []domain.PeerID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	peers := make([]domain.PeerID, 0, len(s.connections))
	for id := range s.connections {
		peers = append(peers, id)
	}
	return peers
}

// HealthCheck reports relay liveness and connection count.
func (s *RelayServer) HealthCheck(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	connectionCount := len(s.connections)
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":      "healthy",
		"timestamp":   time.Now().Unix(),
		"connections": connectionCount,
	})
}
