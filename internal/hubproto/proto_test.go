package hubproto

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/koltyakov/relayhub/internal/domain"
)

func TestMessageValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		msg     Message
		wantErr bool
	}{
		{name: "heartbeat", msg: Heartbeat(1)},
		{name: "result", msg: Result(1, domain.HeartbeatResponse{})},
		{name: "result without payload", msg: Message{Kind: KindHeartbeatResult}, wantErr: true},
		{name: "error", msg: Error(1, domain.CodeNotFound, "not found")},
		{name: "empty error", msg: Message{Kind: KindError}, wantErr: true},
		{name: "no kind", msg: Message{}, wantErr: true},
		{name: "unknown kind", msg: Message{Kind: "ping"}, wantErr: true},
	}
	for _, tt := range tests {
		err := tt.msg.Validate()
		if (err != nil) != tt.wantErr {
			t.Fatalf("%s: Validate() = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
		if err != nil && !errors.Is(err, ErrInvalidFrame) {
			t.Fatalf("%s: expected ErrInvalidFrame, got %v", tt.name, err)
		}
	}
}

func TestConnRoundTrip(t *testing.T) {
	t.Parallel()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := NewConn(ws, time.Second)
		msg, err := conn.Read(2 * time.Second)
		if err != nil || msg.Kind != KindHeartbeat {
			_ = conn.Close()
			return
		}
		res := domain.HeartbeatResponse{
			HeartbeatOutcome: domain.HeartbeatOutcome{
				Status:          domain.HeartbeatAssignmentDelivered,
				ClientPublicKey: "pubClientX",
			},
		}
		_ = conn.Write(Result(msg.Seq, res))
		_ = conn.CloseNormal("assignment delivered")
	}))
	defer srv.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatal(err)
	}
	conn := NewConn(ws, time.Second)
	defer conn.Close()

	if err := conn.Write(Heartbeat(7)); err != nil {
		t.Fatal(err)
	}
	msg, err := conn.Read(2 * time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Seq != 7 || msg.Result == nil || msg.Result.ClientPublicKey != "pubClientX" {
		t.Fatalf("unexpected result frame: %+v", msg)
	}
	if _, err := conn.Read(2 * time.Second); !IsNormalClose(err) {
		t.Fatalf("expected normal close, got %v", err)
	}
}

func TestConnWriteAfterClose(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		_, _, _ = ws.ReadMessage()
	}))
	defer srv.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatal(err)
	}
	conn := NewConn(ws, time.Second)
	if err := conn.Close(); err != nil {
		t.Fatal(err)
	}
	if err := conn.Write(Heartbeat(1)); err != ErrConnClosed {
		t.Fatalf("expected ErrConnClosed, got %v", err)
	}
}
