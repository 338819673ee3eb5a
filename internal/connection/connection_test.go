package connection

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/packet"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/wire"
)

func TestConnectionSendsInOrder(t *testing.T) {
	left, right := net.Pipe()
	conn := NewConnection(NewStreamConn(left), 8)
	defer conn.Close()
	peer := NewStreamConn(right)

	frames := [][]byte{packet.NewPingReqPacket(), packet.NewPingRespPacket(), packet.NewDisconnectPacket()}
	for _, frame := range frames {
		if err := conn.Send(frame); err != nil {
			t.Fatal(err)
		}
	}
	for _, want := range []wire.PacketType{wire.PINGREQ, wire.PINGRESP, wire.DISCONNECT} {
		header, _, err := peer.ReadPacket()
		if err != nil {
			t.Fatal(err)
		}
		if header.Type != want {
			t.Fatalf("got %s, want %s", header.Type, want)
		}
	}
}

func TestSendAfterClose(t *testing.T) {
	left, right := net.Pipe()
	defer right.Close()
	conn := NewConnection(NewStreamConn(left), 1)
	conn.Close()
	conn.Close()
	if err := conn.Send(packet.NewPingReqPacket()); err == nil {
		t.Fatal("send on a closed connection should fail")
	}
	select {
	case <-conn.Done():
	default:
		t.Fatal("done should be closed")
	}
}

func TestRegistry(t *testing.T) {
	left, right := net.Pipe()
	defer right.Close()
	registry := NewRegistry()
	conn := NewConnection(NewStreamConn(left), 1)
	conn.Member.UserID = "alice"

	registry.Add(conn)
	if got, ok := registry.Get(conn.ConnID); !ok || got != conn || registry.Count() != 1 {
		t.Fatal("connection was not registered")
	}
	registry.CloseAll()
	<-conn.Done()
	registry.Remove(conn.ConnID)
	if _, ok := registry.Get(conn.ConnID); ok || registry.Count() != 0 {
		t.Fatal("connection was not removed")
	}
}

func TestWebSocketConn(t *testing.T) {
	upgrader := websocket.Upgrader{}
	received := make(chan wire.PacketType, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := NewWebSocketConn(ws)
		defer conn.Close()
		header, _, err := conn.ReadPacket()
		if err != nil {
			return
		}
		received <- header.Type
		_ = conn.WritePacket(packet.NewPingRespPacket())
	}))
	defer srv.Close()

	addr := "ws" + strings.TrimPrefix(srv.URL, "http") + WebSocketPath
	conn, err := Dial(context.Background(), addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if err := conn.WritePacket(packet.NewPingReqPacket()); err != nil {
		t.Fatal(err)
	}
	if got := <-received; got != wire.PINGREQ {
		t.Fatalf("server read %s", got)
	}
	header, _, err := conn.ReadPacket()
	if err != nil || header.Type != wire.PINGRESP {
		t.Fatalf("client read %v, %v", header, err)
	}
}

func TestDialRejectsUnknownScheme(t *testing.T) {
	if _, err := Dial(context.Background(), "udp://127.0.0.1:1"); err == nil {
		t.Fatal("expected an error")
	}
}
