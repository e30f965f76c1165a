package hub_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/atlas-quant/tradecore/internal/hub"
)

type fakeDispatcher struct {
	lastEngine, lastCmd string
}

func (d *fakeDispatcher) Dispatch(engine, cmd string, data map[string]interface{}) error {
	d.lastEngine, d.lastCmd = engine, cmd
	return nil
}

func dialHub(t *testing.T, h *hub.Hub) (*websocket.Conn, func()) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.ServeWS)
	ts := httptest.NewServer(mux)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn, func() { conn.Close(); ts.Close() }
}

func call(t *testing.T, conn *websocket.Conn, method string, params interface{}) hub.Response {
	t.Helper()
	req := hub.Request{JSONRPC: "2.0", ID: 1, Method: method}
	if params != nil {
		b, _ := json.Marshal(params)
		req.Params = b
	}
	if err := conn.WriteJSON(req); err != nil {
		t.Fatalf("write: %v", err)
	}
	var resp hub.Response
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("read: %v", err)
	}
	return resp
}

func TestUnauthenticatedCallIsRejected(t *testing.T) {
	tokens := hub.NewTokenIssuer("secret", time.Minute, time.Hour)
	h := hub.New(zap.NewNop(), tokens, &fakeDispatcher{})
	go h.Run()
	defer h.Stop()

	conn, closeFn := dialHub(t, h)
	defer closeFn()

	resp := call(t, conn, "sub.subscribe", map[string][]string{"topics": {"orders"}})
	if resp.Error == nil {
		t.Fatal("expected unauthenticated sub.subscribe to be rejected")
	}
}

func TestLoginThenSubscribeThenEmitDeliversEvent(t *testing.T) {
	tokens := hub.NewTokenIssuer("secret", time.Minute, time.Hour)
	pair, err := tokens.IssuePair("alice")
	if err != nil {
		t.Fatalf("issue pair: %v", err)
	}

	h := hub.New(zap.NewNop(), tokens, &fakeDispatcher{})
	go h.Run()
	defer h.Stop()

	conn, closeFn := dialHub(t, h)
	defer closeFn()

	loginResp := call(t, conn, "auth.login", map[string]string{"token": pair.AccessToken})
	if loginResp.Error != nil {
		t.Fatalf("expected login to succeed, got %v", loginResp.Error)
	}

	subResp := call(t, conn, "sub.subscribe", map[string][]string{"topics": {"orders"}})
	if subResp.Error != nil {
		t.Fatalf("expected subscribe to succeed, got %v", subResp.Error)
	}

	// give the subscribe registration a moment to land before emitting.
	time.Sleep(20 * time.Millisecond)
	h.EmitEvent("orders", map[string]string{"symbol": "RB99"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var notif hub.Notification
	if err := conn.ReadJSON(&notif); err != nil {
		t.Fatalf("expected event.emit notification, got error: %v", err)
	}
	if notif.Method != "event.emit" {
		t.Fatalf("expected event.emit, got %s", notif.Method)
	}
}

func TestEngineCommandDispatchesToHandler(t *testing.T) {
	tokens := hub.NewTokenIssuer("secret", time.Minute, time.Hour)
	pair, _ := tokens.IssuePair("alice")
	disp := &fakeDispatcher{}
	h := hub.New(zap.NewNop(), tokens, disp)
	go h.Run()
	defer h.Stop()

	conn, closeFn := dialHub(t, h)
	defer closeFn()

	call(t, conn, "auth.login", map[string]string{"token": pair.AccessToken})
	resp := call(t, conn, "engine.command", map[string]interface{}{
		"engine": "CTA1", "cmd": "engine.mute", "data": map[string]interface{}{"symbols": []string{"RB99"}},
	})
	if resp.Error != nil {
		t.Fatalf("expected engine.command to succeed, got %v", resp.Error)
	}
	if disp.lastEngine != "CTA1" || disp.lastCmd != "engine.mute" {
		t.Fatalf("expected dispatcher to see CTA1/engine.mute, got %s/%s", disp.lastEngine, disp.lastCmd)
	}
}
