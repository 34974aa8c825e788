package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"swarmcast/internal/core/domain"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// relayStub accepts websocket upgrades and exposes everything the client
// sends plus a way to push envelopes back or kill the transport.
type relayStub struct {
	srv       *httptest.Server
	upgrades  atomic.Int64
	inbound   chan Envelope
	conns     chan *websocket.Conn
	closeHook func(*websocket.Conn)
}

func newRelayStub(t *testing.T) *relayStub {
	t.Helper()

	stub := &relayStub{
		inbound: make(chan Envelope, 64),
		conns:   make(chan *websocket.Conn, 8),
	}
	upgrader := websocket.Upgrader{}

	stub.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		stub.upgrades.Add(1)
		stub.conns <- conn

		for {
			var env Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			stub.inbound <- env
		}
	}))
	t.Cleanup(stub.srv.Close)
	return stub
}

func (s *relayStub) wsURL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *relayStub) nextConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-s.conns:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("server saw no connection")
		return nil
	}
}

func (s *relayStub) nextEnvelope(t *testing.T) Envelope {
	t.Helper()
	select {
	case env := <-s.inbound:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("server received no envelope")
		return Envelope{}
	}
}

type fakeSignalMetrics struct {
	sent       atomic.Int64
	received   atomic.Int64
	dropped    atomic.Int64
	reconnects atomic.Int64
}

func (m *fakeSignalMetrics) RecordEnvelopeSent(string)     { m.sent.Add(1) }
func (m *fakeSignalMetrics) RecordEnvelopeReceived(string) { m.received.Add(1) }
func (m *fakeSignalMetrics) RecordEnvelopeDropped()        { m.dropped.Add(1) }
func (m *fakeSignalMetrics) RecordReconnect()              { m.reconnects.Add(1) }

func testClientConfig() ClientConfig {
	return ClientConfig{
		Enabled:           true,
		AgentMode:         true,
		HeartbeatInterval: time.Hour, // keep heartbeats out of envelope assertions
		ReconnectDelay:    50 * time.Millisecond,
	}
}

func newTestClient(t *testing.T, cfg ClientConfig, metrics SignalMetrics) *RelayClient {
	t.Helper()
	client := NewRelayClient(cfg, metrics, zaptest.NewLogger(t).Sugar())
	t.Cleanup(client.Disconnect)
	return client
}

func waitForState(t *testing.T, client *RelayClient, want ClientState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if client.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("client never reached state %q, stuck in %q", want, client.State())
}

func TestRelayClient_ConnectIsIdempotent(t *testing.T) {
	stub := newRelayStub(t)
	client := newTestClient(t, testClientConfig(), nil)
	ctx := context.Background()

	client.Connect(ctx, stub.wsURL())
	waitForState(t, client, StateConnected)

	client.Connect(ctx, stub.wsURL())
	client.Connect(ctx, stub.wsURL())
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, int64(1), stub.upgrades.Load())
}

func TestRelayClient_DisabledStaysIdle(t *testing.T) {
	cfg := testClientConfig()
	cfg.Enabled = false
	client := newTestClient(t, cfg, nil)

	client.Connect(context.Background(), "ws://localhost:1/ws")
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, StateIdle, client.State())
}

func TestRelayClient_JoinRoomEmitsJoinEnvelope(t *testing.T) {
	stub := newRelayStub(t)
	client := newTestClient(t, testClientConfig(), nil)

	client.Connect(context.Background(), stub.wsURL())
	waitForState(t, client, StateConnected)

	client.JoinRoom("vid-abc", "alice")

	env := stub.nextEnvelope(t)
	assert.Equal(t, TypeJoin, env.Type)

	var payload JoinPayload
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	assert.NotEmpty(t, payload.PeerID)
	assert.Equal(t, client.PeerID(), payload.PeerID)
	assert.Equal(t, domain.VideoCID("vid-abc"), payload.ContentID)
	assert.Equal(t, "alice", payload.ParticipantID)
	assert.True(t, payload.IsAgent)

	// No second join for the single call.
	select {
	case extra := <-stub.inbound:
		t.Fatalf("unexpected extra envelope %q", extra.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRelayClient_SendsDroppedWhenDisconnected(t *testing.T) {
	metrics := &fakeSignalMetrics{}
	client := newTestClient(t, testClientConfig(), metrics)

	client.SendOffer("peer-x", json.RawMessage(`{"sdp":"?"}`))
	client.UpdateStats(domain.DeliveryStats{BytesUploaded: 1})
	client.JoinRoom("vid-abc", "")

	assert.Equal(t, int64(3), metrics.dropped.Load())
	assert.Equal(t, int64(0), metrics.sent.Load())
}

func TestRelayClient_ReconnectsOnceAfterTransportLoss(t *testing.T) {
	stub := newRelayStub(t)
	metrics := &fakeSignalMetrics{}
	client := newTestClient(t, testClientConfig(), metrics)

	client.Connect(context.Background(), stub.wsURL())
	waitForState(t, client, StateConnected)
	client.JoinRoom("vid-abc", "alice")
	stub.nextEnvelope(t) // first join

	conn := stub.nextConn(t)
	conn.Close()

	waitForState(t, client, StateDisconnected)
	waitForState(t, client, StateConnected)
	assert.Equal(t, int64(2), stub.upgrades.Load())
	assert.Equal(t, int64(1), metrics.reconnects.Load())

	// Membership re-announced on the new transport.
	env := stub.nextEnvelope(t)
	assert.Equal(t, TypeJoin, env.Type)

	// Only one attempt was scheduled for the single loss.
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int64(2), stub.upgrades.Load())
}

func TestRelayClient_DisconnectStopsReconnection(t *testing.T) {
	stub := newRelayStub(t)
	client := newTestClient(t, testClientConfig(), nil)

	client.Connect(context.Background(), stub.wsURL())
	waitForState(t, client, StateConnected)

	client.Disconnect()
	client.Disconnect() // idempotent
	assert.Equal(t, StateClosed, client.State())

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int64(1), stub.upgrades.Load())

	// Closed is permanent.
	client.Connect(context.Background(), stub.wsURL())
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, StateClosed, client.State())
	assert.Equal(t, int64(1), stub.upgrades.Load())
}

func TestRelayClient_DialFailureSchedulesReconnect(t *testing.T) {
	metrics := &fakeSignalMetrics{}
	client := newTestClient(t, testClientConfig(), metrics)

	client.Connect(context.Background(), "ws://127.0.0.1:1/ws")
	waitForState(t, client, StateDisconnected)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && metrics.reconnects.Load() == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Greater(t, metrics.reconnects.Load(), int64(0))

	client.Disconnect()
}

func TestRelayClient_DispatchesInboundByType(t *testing.T) {
	stub := newRelayStub(t)
	client := newTestClient(t, testClientConfig(), nil)

	peerLists := make(chan PeerListPayload, 1)
	client.On(TypePeerList, func(env Envelope) {
		var p PeerListPayload
		if err := json.Unmarshal(env.Payload, &p); err == nil {
			peerLists <- p
		}
	})
	errs := make(chan ErrorPayload, 1)
	client.On(TypeError, func(env Envelope) {
		var p ErrorPayload
		if err := json.Unmarshal(env.Payload, &p); err == nil {
			errs <- p
		}
	})

	client.Connect(context.Background(), stub.wsURL())
	waitForState(t, client, StateConnected)
	conn := stub.nextConn(t)

	payload, _ := json.Marshal(PeerListPayload{
		ContentID: "vid-abc",
		Peers:     []PeerListEntry{{PeerID: "peer-1", IsAgent: true}},
	})
	require.NoError(t, conn.WriteJSON(Envelope{Type: TypePeerList, Payload: payload}))

	select {
	case roster := <-peerLists:
		assert.Equal(t, domain.VideoCID("vid-abc"), roster.ContentID)
		require.Len(t, roster.Peers, 1)
	case <-time.After(2 * time.Second):
		t.Fatal("peer list never dispatched")
	}

	// Error envelopes are forwarded, not swallowed.
	errPayload, _ := json.Marshal(ErrorPayload{Message: "room full"})
	require.NoError(t, conn.WriteJSON(Envelope{Type: TypeError, Payload: errPayload}))

	select {
	case e := <-errs:
		assert.Equal(t, "room full", e.Message)
	case <-time.After(2 * time.Second):
		t.Fatal("error envelope never dispatched")
	}
}

func TestRelayClient_MalformedInboundKeepsConnection(t *testing.T) {
	stub := newRelayStub(t)
	client := newTestClient(t, testClientConfig(), nil)

	client.Connect(context.Background(), stub.wsURL())
	waitForState(t, client, StateConnected)
	conn := stub.nextConn(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, StateConnected, client.State())
}

func TestRelayClient_DefaultAddress(t *testing.T) {
	tests := []struct {
		name string
		cfg  ClientConfig
		want string
	}{
		{
			name: "agent mode uses private relay",
			cfg: ClientConfig{
				AgentMode: true,
				Address:   "ws://localhost:5112/ws/delivery",
				Origin:    "https://dashboard.example",
				Path:      "/ws/delivery",
			},
			want: "ws://localhost:5112/ws/delivery",
		},
		{
			name: "https origin derives wss",
			cfg: ClientConfig{
				Origin: "https://dashboard.example",
				Path:   "/ws/delivery",
			},
			want: "wss://dashboard.example/ws/delivery",
		},
		{
			name: "http origin derives ws",
			cfg: ClientConfig{
				Origin: "http://localhost:3000",
				Path:   "/ws/delivery",
			},
			want: "ws://localhost:3000/ws/delivery",
		},
		{
			name: "no origin falls back to private relay",
			cfg: ClientConfig{
				Address: "ws://localhost:5112/ws/delivery",
			},
			want: "ws://localhost:5112/ws/delivery",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.cfg.Enabled = true
			client := NewRelayClient(tt.cfg, nil, zaptest.NewLogger(t).Sugar())
			assert.Equal(t, tt.want, client.defaultAddress())
		})
	}
}

func TestRelayClient_PeerIDFormat(t *testing.T) {
	client := newTestClient(t, testClientConfig(), nil)

	id := string(client.PeerID())
	assert.True(t, strings.HasPrefix(id, "peer-"))
	parts := strings.Split(id, "-")
	require.Len(t, parts, 3)
	assert.Len(t, parts[2], 8)
}
