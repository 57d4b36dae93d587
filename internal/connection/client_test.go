package connection

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/tick-relay/internal/auth"
	"github.com/rickgao/tick-relay/internal/stomp"
)

// mockFeedServer creates a test WebSocket server that completes the STOMP
// handshake and then hands the connection to handler.
func mockFeedServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()

		// Expect CONNECT, answer CONNECTED
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		frame, err := stomp.Decode(data)
		if err != nil || frame.Command != stomp.CmdConnect {
			t.Logf("expected CONNECT, got %q", data)
			return
		}
		connected := stomp.Frame{
			Command: stomp.CmdConnected,
			Headers: map[string]string{"version": "1.2"},
		}
		if err := conn.WriteMessage(websocket.TextMessage, stomp.Encode(connected)); err != nil {
			return
		}

		handler(conn)
	}))

	return server
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func testClientConfig(url string) ClientConfig {
	cfg := DefaultClientConfig()
	cfg.URL = url
	cfg.DeviceID = "test-device"
	cfg.Tokens = auth.StaticTokenSource("test-token")
	return cfg
}

func TestClient_Connect(t *testing.T) {
	server := mockFeedServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	client := NewClient(testClientConfig(wsURL(server)), nil)

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if !client.IsConnected() {
		t.Error("expected IsConnected to return true")
	}

	if err := client.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if client.IsConnected() {
		t.Error("expected IsConnected to return false after Close")
	}
}

func TestClient_ConnectRejected(t *testing.T) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		errFrame := stomp.Frame{
			Command: stomp.CmdError,
			Headers: map[string]string{},
			Body:    "invalid credentials",
		}
		conn.WriteMessage(websocket.TextMessage, stomp.Encode(errFrame))
	}))
	defer server.Close()

	client := NewClient(testClientConfig(wsURL(server)), nil)

	err := client.Connect(context.Background())
	if !errors.Is(err, ErrHandshake) {
		t.Errorf("expected ErrHandshake, got %v", err)
	}
	if client.IsConnected() {
		t.Error("client should not report connected after rejected handshake")
	}
}

func TestClient_Send(t *testing.T) {
	var mu sync.Mutex
	var received []byte

	server := mockFeedServer(t, func(conn *websocket.Conn) {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if stomp.IsHeartbeat(msg) {
				continue
			}
			mu.Lock()
			received = msg
			mu.Unlock()
		}
	})
	defer server.Close()

	client := NewClient(testClientConfig(wsURL(server)), nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Close()

	frame := stomp.Subscribe("sub_1", "/topic/A005930")
	if err := client.Send(frame); err != nil {
		t.Errorf("Send failed: %v", err)
	}

	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	got, err := stomp.Decode(received)
	if err != nil {
		t.Fatalf("decode received: %v", err)
	}
	if got.Command != stomp.CmdSubscribe || got.Header(stomp.HdrDestination) != "/topic/A005930" {
		t.Errorf("server received %+v", got)
	}
}

func TestClient_Frames(t *testing.T) {
	messages := []stomp.Frame{
		{Command: stomp.CmdMessage, Headers: map[string]string{stomp.HdrSubscription: "s1"}, Body: `{"seq":1}`},
		{Command: stomp.CmdMessage, Headers: map[string]string{stomp.HdrSubscription: "s1"}, Body: `{"seq":2}`},
		{Command: stomp.CmdReceipt, Headers: map[string]string{stomp.HdrReceiptID: "s1-sub_receipt"}},
	}

	server := mockFeedServer(t, func(conn *websocket.Conn) {
		// Heartbeats must be consumed silently by the client
		conn.WriteMessage(websocket.TextMessage, stomp.Heartbeat())
		for _, f := range messages {
			if err := conn.WriteMessage(websocket.TextMessage, stomp.Encode(f)); err != nil {
				return
			}
		}
		time.Sleep(time.Second)
	})
	defer server.Close()

	client := NewClient(testClientConfig(wsURL(server)), nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Close()

	var got []stomp.Frame
	timeout := time.After(2 * time.Second)
	for i := 0; i < len(messages); i++ {
		select {
		case f := <-client.Frames():
			got = append(got, f)
		case <-timeout:
			t.Fatalf("timeout, received %d of %d frames", len(got), len(messages))
		}
	}

	if got[0].Body != `{"seq":1}` || got[1].Body != `{"seq":2}` {
		t.Errorf("unexpected message bodies: %+v", got)
	}
	if got[2].Command != stomp.CmdReceipt {
		t.Errorf("frame 2 command = %s, want RECEIPT", got[2].Command)
	}
}

func TestClient_SendNotConnected(t *testing.T) {
	client := NewClient(testClientConfig("ws://localhost:12345"), nil)

	if err := client.Send(stomp.Disconnect()); err != ErrNotConnected {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestClient_DoubleClose(t *testing.T) {
	server := mockFeedServer(t, func(conn *websocket.Conn) {
		time.Sleep(time.Second)
	})
	defer server.Close()

	client := NewClient(testClientConfig(wsURL(server)), nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if err := client.Close(); err != nil {
		t.Errorf("first Close failed: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
}

func TestClient_StaleDetection(t *testing.T) {
	server := mockFeedServer(t, func(conn *websocket.Conn) {
		// Stay silent; only drain so writes do not error
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	cfg := testClientConfig(wsURL(server))
	cfg.HeartbeatInterval = 20 * time.Millisecond

	client := NewClient(cfg, nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Close()

	select {
	case err := <-client.Errors():
		if !errors.Is(err, ErrStaleConnection) {
			t.Errorf("expected ErrStaleConnection, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for stale connection error")
	}
}

func TestClient_SendsHeartbeats(t *testing.T) {
	beats := make(chan struct{}, 16)
	server := mockFeedServer(t, func(conn *websocket.Conn) {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if stomp.IsHeartbeat(msg) {
				beats <- struct{}{}
				// Answer so the client never goes stale
				conn.WriteMessage(websocket.TextMessage, stomp.Heartbeat())
			}
		}
	})
	defer server.Close()

	cfg := testClientConfig(wsURL(server))
	cfg.HeartbeatInterval = 20 * time.Millisecond

	client := NewClient(cfg, nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Close()

	for i := 0; i < 2; i++ {
		select {
		case <-beats:
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for heartbeat %d", i+1)
		}
	}
}

func TestDefaultConfigs(t *testing.T) {
	clientCfg := DefaultClientConfig()
	if clientCfg.HeartbeatInterval != 10*time.Second {
		t.Errorf("HeartbeatInterval = %v, want 10s", clientCfg.HeartbeatInterval)
	}
	if clientCfg.FrameBufferSize != 10000 {
		t.Errorf("FrameBufferSize = %d, want 10000", clientCfg.FrameBufferSize)
	}

	mgrCfg := DefaultManagerConfig()
	if mgrCfg.ReconnectMultiplier != 2.0 {
		t.Errorf("ReconnectMultiplier = %v, want 2.0", mgrCfg.ReconnectMultiplier)
	}
	if mgrCfg.MaxReconnectAttempts != 10 {
		t.Errorf("MaxReconnectAttempts = %d, want 10", mgrCfg.MaxReconnectAttempts)
	}
}
