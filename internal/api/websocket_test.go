package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hearthstack/hearth-core/internal/events"
)

// wsTicket obtains a single-use connect ticket through the normal
// authenticated endpoint.
func (ts *testServer) wsTicket() string {
	ts.t.Helper()
	rec := ts.request(http.MethodPost, "/api/v1/auth/ws-ticket", nil, ts.token())
	if rec.Code != http.StatusOK {
		ts.t.Fatalf("ws-ticket status = %d, want 200", rec.Code)
	}
	var body map[string]any
	decodeBody(ts.t, rec, &body)
	ticket, _ := body["ticket"].(string)
	if ticket == "" {
		ts.t.Fatal("empty ticket")
	}
	return ticket
}

func dialWS(t *testing.T, httpURL, ticket string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(httpURL, "http") + "/api/v1/ws?ticket=" + ticket
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dialling %s: %v", wsURL, err)
	}
	return conn
}

func readWS(t *testing.T, conn *websocket.Conn) WSMessage {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("setting read deadline: %v", err)
	}
	var msg WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("reading websocket message: %v", err)
	}
	return msg
}

func TestWebSocketRequiresTicket(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.request(http.MethodGet, "/api/v1/ws", nil, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("ws without ticket status = %d, want 401", rec.Code)
	}
}

func TestWebSocketRejectsBadTicket(t *testing.T) {
	ts := newTestServer(t)
	httpSrv := httptest.NewServer(ts.router)
	defer httpSrv.Close()

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/api/v1/ws?ticket=forged"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("dial with forged ticket should fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("handshake response = %v, want 401", resp)
	}
}

func TestWebSocketTicketSingleUse(t *testing.T) {
	ts := newTestServer(t)
	httpSrv := httptest.NewServer(ts.router)
	defer httpSrv.Close()

	ticket := ts.wsTicket()
	conn := dialWS(t, httpSrv.URL, ticket)
	conn.Close()

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/api/v1/ws?ticket=" + ticket
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("reused ticket should be rejected")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("handshake response = %v, want 401", resp)
	}
}

func TestWebSocketSubscribeAndReceive(t *testing.T) {
	ts := newTestServer(t)
	httpSrv := httptest.NewServer(ts.router)
	defer httpSrv.Close()

	conn := dialWS(t, httpSrv.URL, ts.wsTicket())
	defer conn.Close()

	err := conn.WriteJSON(WSMessage{
		Type:    WSTypeSubscribe,
		ID:      "sub-1",
		Payload: WSSubscribePayload{Channels: []string{"entry_state_changed"}},
	})
	if err != nil {
		t.Fatalf("writing subscribe: %v", err)
	}

	resp := readWS(t, conn)
	if resp.Type != WSTypeResponse || resp.ID != "sub-1" {
		t.Fatalf("subscribe ack = %+v", resp)
	}

	// An event kind the client did not subscribe to is never enqueued, so
	// the next frame after these publishes is the state change.
	ts.bus.Publish(events.RefreshCompleted{EntryID: "e1", Name: "demo", OK: true, At: time.Now()})
	ts.bus.Publish(events.EntryStateChanged{
		EntryID: "e1",
		Domain:  "demo",
		From:    "not_loaded",
		To:      "loaded",
		At:      time.Now(),
	})

	msg := readWS(t, conn)
	if msg.Type != WSTypeEvent {
		t.Fatalf("message type = %q, want event", msg.Type)
	}
	if msg.EventType != "entry_state_changed" {
		t.Fatalf("event_type = %q, want entry_state_changed", msg.EventType)
	}
	payload, ok := msg.Payload.(map[string]any)
	if !ok {
		t.Fatalf("payload = %T, want object", msg.Payload)
	}
	if payload["entry_id"] != "e1" || payload["to"] != "loaded" {
		t.Errorf("payload = %v", payload)
	}
}

func TestWebSocketUnsubscribeStopsDelivery(t *testing.T) {
	ts := newTestServer(t)
	httpSrv := httptest.NewServer(ts.router)
	defer httpSrv.Close()

	conn := dialWS(t, httpSrv.URL, ts.wsTicket())
	defer conn.Close()

	sub := WSSubscribePayload{Channels: []string{"availability_changed"}}
	if err := conn.WriteJSON(WSMessage{Type: WSTypeSubscribe, ID: "s", Payload: sub}); err != nil {
		t.Fatalf("writing subscribe: %v", err)
	}
	readWS(t, conn)

	if err := conn.WriteJSON(WSMessage{Type: WSTypeUnsubscribe, ID: "u", Payload: sub}); err != nil {
		t.Fatalf("writing unsubscribe: %v", err)
	}
	readWS(t, conn)

	ts.bus.Publish(events.AvailabilityChanged{EntryID: "e1", Name: "demo", Available: false, At: time.Now()})

	// A ping round-trip after the publish proves the event frame was
	// filtered rather than still in flight.
	if err := conn.WriteJSON(WSMessage{Type: WSTypePing, ID: "p"}); err != nil {
		t.Fatalf("writing ping: %v", err)
	}
	msg := readWS(t, conn)
	if msg.Type != WSTypePong {
		t.Fatalf("message type = %q, want pong", msg.Type)
	}
}

func TestWebSocketPing(t *testing.T) {
	ts := newTestServer(t)
	httpSrv := httptest.NewServer(ts.router)
	defer httpSrv.Close()

	conn := dialWS(t, httpSrv.URL, ts.wsTicket())
	defer conn.Close()

	if err := conn.WriteJSON(WSMessage{Type: WSTypePing, ID: "keepalive-1"}); err != nil {
		t.Fatalf("writing ping: %v", err)
	}
	msg := readWS(t, conn)
	if msg.Type != WSTypePong || msg.ID != "keepalive-1" {
		t.Fatalf("pong = %+v", msg)
	}
}

func TestWebSocketRejectsUnknownType(t *testing.T) {
	ts := newTestServer(t)
	httpSrv := httptest.NewServer(ts.router)
	defer httpSrv.Close()

	conn := dialWS(t, httpSrv.URL, ts.wsTicket())
	defer conn.Close()

	if err := conn.WriteJSON(WSMessage{Type: "teleport", ID: "x"}); err != nil {
		t.Fatalf("writing message: %v", err)
	}
	msg := readWS(t, conn)
	if msg.Type != WSTypeError {
		t.Fatalf("message type = %q, want error", msg.Type)
	}
}
