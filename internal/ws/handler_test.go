package ws

import (
	"encoding/json"
	"errors"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"parley/server/internal/core"
	"parley/server/internal/protocol"
)

// outEnvelope mirrors protocol.Outbound with the payload kept raw so each
// test decodes only what it asserts on.
type outEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func TestMessageFansOutToRoomMembersOnly(t *testing.T) {
	_, baseURL := startTestServer(t)

	alice := connectAndJoin(t, baseURL, "team/x", "alice")
	defer alice.Close()
	bob := connectAndJoin(t, baseURL, "team/x", "bob")
	defer bob.Close()
	carol := connectAndJoin(t, baseURL, "team/y", "carol")
	defer carol.Close()

	writeEvent(t, alice, protocol.Inbound{Type: protocol.EventMessage, Path: "team/x", Text: "hi"})

	ev := readUntil(t, bob, func(m outEnvelope) bool { return m.Type == protocol.OutMessage })
	history := decodeHistory(t, ev)
	last := history[len(history)-1]
	if last.Username != "alice" || last.Text != "hi" {
		t.Fatalf("unexpected final history entry: %#v", last)
	}

	assertNoMessageEvent(t, carol)
}

func TestJoinPushesHistoryAndSettings(t *testing.T) {
	_, baseURL := startTestServer(t)

	alice := connectAndJoin(t, baseURL, "team/x", "alice")
	defer alice.Close()
	writeEvent(t, alice, protocol.Inbound{Type: protocol.EventMessage, Path: "team/x", Text: "first"})
	readUntil(t, alice, func(m outEnvelope) bool { return m.Type == protocol.OutMessage })

	bob := dial(t, baseURL)
	defer bob.Close()
	writeEvent(t, bob, protocol.Inbound{Type: protocol.EventJoin, Path: "team/x", Username: "bob"})

	ev := readUntil(t, bob, func(m outEnvelope) bool { return m.Type == protocol.OutMessage })
	history := decodeHistory(t, ev)
	if len(history) != 1 || history[0].Text != "first" {
		t.Fatalf("joining client did not receive history: %#v", history)
	}
	readUntil(t, bob, func(m outEnvelope) bool { return m.Type == protocol.OutAnonymous })
	readUntil(t, bob, func(m outEnvelope) bool { return m.Type == protocol.OutCharacterLimit })
}

func TestMalformedPayloadKeepsConnectionOpen(t *testing.T) {
	_, baseURL := startTestServer(t)

	alice := connectAndJoin(t, baseURL, "team/x", "alice")
	defer alice.Close()

	_ = alice.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := alice.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write garbage: %v", err)
	}

	// The connection must survive and keep relaying.
	writeEvent(t, alice, protocol.Inbound{Type: protocol.EventMessage, Path: "team/x", Text: "still alive"})
	ev := readUntil(t, alice, func(m outEnvelope) bool { return m.Type == protocol.OutMessage })
	history := decodeHistory(t, ev)
	if history[len(history)-1].Text != "still alive" {
		t.Fatalf("unexpected history after malformed payload: %#v", history)
	}
}

func TestPingIsStateless(t *testing.T) {
	registry, baseURL := startTestServer(t)

	alice := dial(t, baseURL)
	defer alice.Close()

	// Ping before any join: no state transition, no reply, no room.
	writeEvent(t, alice, protocol.Inbound{Type: protocol.EventPing})
	writeEvent(t, alice, protocol.Inbound{Type: protocol.EventJoin, Path: "team/x", Username: "alice"})
	readUntil(t, alice, func(m outEnvelope) bool { return m.Type == protocol.OutMessage })

	clients, err := registry.RoomClients("team/x")
	if err != nil {
		t.Fatalf("room clients: %v", err)
	}
	if len(clients) != 1 {
		t.Fatalf("expected one member after join, got %#v", clients)
	}
}

func TestCharacterLimitRejectionIsReported(t *testing.T) {
	registry, baseURL := startTestServer(t)

	alice := connectAndJoin(t, baseURL, "team/x", "alice")
	defer alice.Close()
	if err := registry.SetCharacterLimit("team/x", 5); err != nil {
		t.Fatalf("set limit: %v", err)
	}
	readUntil(t, alice, func(m outEnvelope) bool { return m.Type == protocol.OutCharacterLimit })

	writeEvent(t, alice, protocol.Inbound{Type: protocol.EventMessage, Path: "team/x", Text: "definitely too long"})
	readUntil(t, alice, func(m outEnvelope) bool { return m.Type == protocol.OutError })

	msgs, err := registry.RoomMessages("team/x")
	if err != nil {
		t.Fatalf("room messages: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("rejected message was appended: %#v", msgs)
	}
}

func TestDeleteOwnMessageOnly(t *testing.T) {
	_, baseURL := startTestServer(t)

	alice := connectAndJoin(t, baseURL, "team/x", "alice")
	defer alice.Close()
	bob := connectAndJoin(t, baseURL, "team/x", "bob")
	defer bob.Close()

	writeEvent(t, alice, protocol.Inbound{Type: protocol.EventMessage, Path: "team/x", Text: "alice's"})
	readUntil(t, bob, func(m outEnvelope) bool { return m.Type == protocol.OutMessage })

	// Bob cannot delete alice's message.
	idx := 0
	writeEvent(t, bob, protocol.Inbound{Type: protocol.EventDelete, Path: "team/x", Index: &idx})
	readUntil(t, bob, func(m outEnvelope) bool { return m.Type == protocol.OutError })

	// Alice can; the broadcast history ends up empty.
	writeEvent(t, alice, protocol.Inbound{Type: protocol.EventDelete, Path: "team/x", Index: &idx})
	readUntil(t, alice, func(m outEnvelope) bool {
		return m.Type == protocol.OutMessage && len(decodeHistory(t, m)) == 0
	})
}

func TestMidSessionRoomBanClosesConnection(t *testing.T) {
	registry, baseURL := startTestServer(t)

	alice := connectAndJoin(t, baseURL, "team/x", "alice")
	defer alice.Close()

	if err := registry.BanInRoom("team/x", "127.0.0.1"); err != nil {
		t.Fatalf("ban: %v", err)
	}

	// The eviction closes the session outbox, which tears the transport down.
	waitForClose(t, alice)
}

func TestFileMessageIsRelayed(t *testing.T) {
	_, baseURL := startTestServer(t)

	alice := connectAndJoin(t, baseURL, "team/x", "alice")
	defer alice.Close()
	bob := connectAndJoin(t, baseURL, "team/x", "bob")
	defer bob.Close()

	writeEvent(t, alice, protocol.Inbound{
		Type:     protocol.EventFile,
		Path:     "team/x",
		Filename: "notes.txt",
		FileType: "text/plain",
		Result:   "data:text/plain;base64,aGk=",
	})

	ev := readUntil(t, bob, func(m outEnvelope) bool { return m.Type == protocol.OutMessage })
	history := decodeHistory(t, ev)
	last := history[len(history)-1]
	if last.Type != protocol.KindFile || last.Filename != "notes.txt" || last.Username != "alice" {
		t.Fatalf("unexpected file entry: %#v", last)
	}
}

func startTestServer(t *testing.T) (*core.Registry, string) {
	t.Helper()

	registry := core.NewRegistry(core.Options{SendBuffer: 16})
	e := echo.New()
	NewHandler(registry).Register(e)
	httpServer := httptest.NewServer(e)
	t.Cleanup(httpServer.Close)

	wsURL := "ws" + strings.TrimPrefix(httpServer.URL, "http")
	return registry, wsURL
}

func dial(t *testing.T, baseWSURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(baseWSURL+"/ws", nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	return conn
}

func connectAndJoin(t *testing.T, baseWSURL, path, username string) *websocket.Conn {
	t.Helper()
	conn := dial(t, baseWSURL)
	writeEvent(t, conn, protocol.Inbound{Type: protocol.EventJoin, Path: path, Username: username})
	readUntil(t, conn, func(m outEnvelope) bool { return m.Type == protocol.OutCharacterLimit })
	return conn
}

func writeEvent(t *testing.T, conn *websocket.Conn, in protocol.Inbound) {
	t.Helper()
	_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := conn.WriteJSON(in); err != nil {
		t.Fatalf("write json: %v", err)
	}
}

func readUntil(t *testing.T, conn *websocket.Conn, match func(outEnvelope) bool) outEnvelope {
	t.Helper()
	deadline := time.Now().Add(4 * time.Second)
	for time.Now().Before(deadline) {
		_ = conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		var msg outEnvelope
		err := conn.ReadJSON(&msg)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			t.Fatalf("read json: %v", err)
		}
		if match(msg) {
			return msg
		}
	}
	t.Fatal("timed out waiting for matching event")
	return outEnvelope{}
}

func decodeHistory(t *testing.T, ev outEnvelope) []protocol.ChatMessage {
	t.Helper()
	var data protocol.HistoryData
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		t.Fatalf("decode history payload: %v", err)
	}
	return data.History
}

// assertNoMessageEvent drains for a short window and fails on any history
// broadcast. Namespace (paths) events are fine.
func assertNoMessageEvent(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	stop := time.Now().Add(300 * time.Millisecond)
	_ = conn.SetReadDeadline(stop)
	for time.Now().Before(stop) {
		var msg outEnvelope
		err := conn.ReadJSON(&msg)
		if err != nil {
			// A gorilla conn cannot be read again after any failure
			// (including a deadline timeout), so stop draining here.
			return
		}
		if msg.Type == protocol.OutMessage {
			t.Fatalf("received a broadcast for a foreign room: %#v", msg)
		}
	}
}

func waitForClose(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	deadline := time.Now().Add(4 * time.Second)
	for time.Now().Before(deadline) {
		_ = conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		var msg outEnvelope
		err := conn.ReadJSON(&msg)
		if err == nil {
			continue
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			continue
		}
		return // closed as expected
	}
	t.Fatal("connection was not closed")
}
