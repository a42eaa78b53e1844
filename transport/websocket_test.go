package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// wsPair dials a test server and returns the server-side transport together
// with the client connection.
func wsPair(t testing.TB, cfg WebSocketConfig) (*WebSocketTransport, *websocket.Conn) {
	t.Helper()
	upgrader := NewWebSocketUpgrader()
	ready := make(chan *WebSocketTransport, 1)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade error: %v", err)
			return
		}
		ready <- NewWebSocketTransport(conn, cfg)
	}))
	t.Cleanup(server.Close)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	select {
	case tr := <-ready:
		return tr, client
	case <-time.After(2 * time.Second):
		t.Fatal("server transport not ready")
	}
	return nil, nil
}

func readResponse(t *testing.T, conn *websocket.Conn) Response {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read error: %v", err)
	}
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return resp
}

// --- Unit Tests ---

func TestWebSocketConfig_Defaults(t *testing.T) {
	cfg := DefaultWebSocketConfig()
	if cfg.MaxMessageSize != 1024*1024 {
		t.Errorf("MaxMessageSize = %d, want 1MB", cfg.MaxMessageSize)
	}
	if cfg.WriteTimeout != 10*time.Second {
		t.Errorf("WriteTimeout = %v, want 10s", cfg.WriteTimeout)
	}
	if cfg.PingInterval != 30*time.Second {
		t.Errorf("PingInterval = %v, want 30s", cfg.PingInterval)
	}
}

func TestWebSocketUpgrader_Origins(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Origin", "https://docs.example.org")

	if !NewWebSocketUpgrader().CheckOrigin(req) {
		t.Error("empty allow list should accept every origin")
	}
	if !NewWebSocketUpgrader("https://docs.example.org").CheckOrigin(req) {
		t.Error("listed origin rejected")
	}
	if NewWebSocketUpgrader("https://other.example.org").CheckOrigin(req) {
		t.Error("unlisted origin accepted")
	}
}

// --- Integration Tests ---

func TestWebSocketTransport_RoundTrip(t *testing.T) {
	tr, client := wsPair(t, DefaultWebSocketConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- tr.Run(ctx) }()

	reqData, _ := json.Marshal(Request{JSONRPC: "2.0", ID: 1, Method: "traits"})
	client.WriteMessage(websocket.TextMessage, reqData)

	if got := recvRequest(t, tr); got.Method != "traits" {
		t.Errorf("method = %q, want traits", got.Method)
	}

	tr.Send(Result(1, []string{"Eq", "Ord"}))
	resp := readResponse(t, client)
	if resp.ID != float64(1) || resp.Error != nil {
		t.Errorf("unexpected response %+v", resp)
	}

	cancel()
	if err := <-runDone; err != context.Canceled {
		t.Errorf("Run returned %v, want context.Canceled", err)
	}
}

func TestWebSocketTransport_Notifications(t *testing.T) {
	tr, client := wsPair(t, DefaultWebSocketConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go tr.Run(ctx)

	tr.Send(Notify("implementors.snapshot", map[string]string{"traitId": "Eq"}))

	client.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("read error: %v", err)
	}
	var notif Notification
	json.Unmarshal(data, &notif)
	if notif.Method != "implementors.snapshot" {
		t.Errorf("method = %q, want implementors.snapshot", notif.Method)
	}
}

func TestWebSocketTransport_CloseFlushes(t *testing.T) {
	tr, client := wsPair(t, DefaultWebSocketConfig())
	go tr.Run(context.Background())

	for i := 0; i < 3; i++ {
		tr.Send(Notify("implementors.delta", i))
	}
	tr.Close()

	got := 0
	for {
		client.SetReadDeadline(time.Now().Add(time.Second))
		_, _, err := client.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.Errorf("expected normal closure, got %v", err)
			}
			break
		}
		got++
	}
	if got != 3 {
		t.Errorf("received %d messages before close, want 3", got)
	}
}

// --- Failure Tests ---

func TestWebSocketTransport_SendAfterClose(t *testing.T) {
	tr, _ := wsPair(t, DefaultWebSocketConfig())
	tr.Close()

	if err := tr.Send(Notify("test", nil)); err != ErrClosed {
		t.Errorf("err = %v, want ErrClosed", err)
	}
	if err := tr.Run(context.Background()); err != ErrClosed {
		t.Errorf("Run after Close = %v, want ErrClosed", err)
	}
}

func TestWebSocketTransport_ClientDisconnect(t *testing.T) {
	tr, client := wsPair(t, DefaultWebSocketConfig())

	runDone := make(chan error, 1)
	go func() { runDone <- tr.Run(context.Background()) }()

	client.Close()

	select {
	case err := <-runDone:
		if err != nil {
			t.Errorf("Run returned %v after disconnect, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the client disconnected")
	}
	if _, ok := <-tr.Recv(); ok {
		t.Error("recv should be closed after disconnect")
	}
}

// --- Security Tests ---

func TestWebSocketTransport_MalformedJSON(t *testing.T) {
	tr, client := wsPair(t, DefaultWebSocketConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go tr.Run(ctx)

	client.WriteMessage(websocket.TextMessage, []byte(`{invalid`))
	resp := readResponse(t, client)
	if resp.Error == nil || resp.Error.Code != ParseError {
		t.Errorf("expected ParseError, got %+v", resp.Error)
	}

	client.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","id":9}`))
	resp = readResponse(t, client)
	if resp.Error == nil || resp.Error.Code != InvalidRequest || resp.ID != float64(9) {
		t.Errorf("expected InvalidRequest for id 9, got %+v", resp)
	}
}

func TestWebSocketTransport_MessageTooLarge(t *testing.T) {
	cfg := DefaultWebSocketConfig()
	cfg.MaxMessageSize = 128
	tr, client := wsPair(t, cfg)

	runDone := make(chan error, 1)
	go func() { runDone <- tr.Run(context.Background()) }()

	client.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","id":1,"method":"`+strings.Repeat("x", 512)+`"}`))

	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("oversized message should end the connection")
	}
}

// --- Performance Tests ---

func BenchmarkWebSocketTransport_Throughput(b *testing.B) {
	tr, client := wsPair(b, DefaultWebSocketConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Run(ctx)

	reqData, _ := json.Marshal(Request{JSONRPC: "2.0", ID: 1, Method: "bench"})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		client.WriteMessage(websocket.TextMessage, reqData)
		<-tr.Recv()
	}
}
