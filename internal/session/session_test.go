package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"bken/server/internal/ratelimit"
	"bken/server/internal/registry"
	"bken/server/internal/room"
)

func startTestServer(t *testing.T, reg *registry.Registry) string {
	t.Helper()
	e := echo.New()
	New(reg).Register(e)
	httpServer := httptest.NewServer(e)
	t.Cleanup(httpServer.Close)
	return "ws" + strings.TrimPrefix(httpServer.URL, "http")
}

func dial(t *testing.T, baseURL, query string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(baseURL+"/v0/ws?"+query, nil)
	if err != nil {
		t.Fatalf("dial ws (%s): %v", query, err)
	}
	return conn
}

func readInbound(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var v map[string]any
	if err := conn.ReadJSON(&v); err != nil {
		t.Fatalf("read json: %v", err)
	}
	return v
}

func writeFrame(t *testing.T, conn *websocket.Conn, cmd string, payload any) {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, []byte(cmd+" "+string(body))); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func expectCloseCode(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		t.Fatalf("expected a close error, got %v", err)
	}
	if ce.Code != code {
		t.Fatalf("expected close code %d, got %d", code, ce.Code)
	}
}

func newRegistry() *registry.Registry { return registry.New() }

func newLimiter() *ratelimit.RoomLimiter { return ratelimit.NewRoomLimiter(1000, 1, 60) }

func TestCreateRegisterBroadcastReplay(t *testing.T) {
	reg := newRegistry()
	baseURL := startTestServer(t, reg)

	r := reg.Create("", -1, "1.2.3.4", newLimiter())

	owner := dial(t, baseURL, "code="+r.Code+"&su="+r.OwnerSecret)
	defer owner.Close()

	alice := dial(t, baseURL, "code="+r.Code+"&name=alice")
	defer alice.Close()
	aliceSu := readInbound(t, alice)
	if aliceSu["q"].(float64) != 0 {
		t.Fatalf("expected alice's su at q=0, got %v", aliceSu["q"])
	}
	msg := aliceSu["msg"].(map[string]any)
	if msg["type"] != "su" {
		t.Fatalf("expected su envelope, got %v", msg)
	}

	ownerUserAppend := readInbound(t, owner)
	if ownerUserAppend["q"].(float64) != 0 {
		t.Fatalf("expected owner's first userappend at q=0")
	}

	bob := dial(t, baseURL, "code="+r.Code+"&name=bob")
	defer bob.Close()
	readInbound(t, bob) // bob's own su
	readInbound(t, owner) // userappend(bob)

	writeFrame(t, alice, "chat", map[string]any{"to": 2, "content": "hi"})

	bobMsg := readInbound(t, bob)
	if bobMsg["q"].(float64) != 1 {
		t.Fatalf("expected bob's msg at q=1, got %v", bobMsg["q"])
	}

	aliceMsg := readInbound(t, alice)
	if aliceMsg["q"].(float64) != 1 {
		t.Fatalf("expected alice's own copy at q=1, got %v", aliceMsg["q"])
	}

	ownerMsg := readInbound(t, owner)
	if ownerMsg["q"].(float64) != 2 {
		t.Fatalf("expected owner's msg at q=2, got %v", ownerMsg["q"])
	}

	writeFrame(t, alice, "repeat", 0)
	repeated := readInbound(t, alice)
	repeatTail, ok := repeated["repeat"].([]any)
	if !ok || len(repeatTail) != 3 {
		t.Fatalf("expected a 3-entry repeat tail (su, msg, shadow), got %#v", repeated)
	}
	shadow := repeatTail[2].(map[string]any)
	if shadow["type"] != "shadow" {
		t.Fatalf("expected third replay entry to be a shadow, got %#v", shadow)
	}
}

func TestReattachTakeoverClosesPriorSocket(t *testing.T) {
	reg := newRegistry()
	baseURL := startTestServer(t, reg)
	r := reg.Create("", -1, "1.2.3.4", newLimiter())

	owner := dial(t, baseURL, "code="+r.Code+"&su="+r.OwnerSecret)
	defer owner.Close()

	alice := dial(t, baseURL, "code="+r.Code+"&name=alice")
	su := readInbound(t, alice)
	secret := su["msg"].(map[string]any)["su"].(string)
	readInbound(t, owner) // userappend

	second := dial(t, baseURL, fmt.Sprintf("code=%s&name=alice&su=%s", r.Code, secret))
	defer second.Close()
	readInbound(t, owner) // userjoin

	expectCloseCode(t, alice, room.Overridden.Code)
}

func expectNoFrame(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected no further frames")
	}
}

func TestAbruptDropEmitsUserLeft(t *testing.T) {
	reg := newRegistry()
	baseURL := startTestServer(t, reg)
	r := reg.Create("", -1, "1.2.3.4", newLimiter())

	owner := dial(t, baseURL, "code="+r.Code+"&su="+r.OwnerSecret)
	defer owner.Close()

	alice := dial(t, baseURL, "code="+r.Code+"&name=alice")
	readInbound(t, alice)
	readInbound(t, owner) // userappend

	// Tear the socket down without a close handshake.
	alice.Close()

	left := readInbound(t, owner)
	msg := left["msg"].(map[string]any)
	if msg["type"] != "userleft" || msg["user"] != "alice" {
		t.Fatalf("expected userleft for alice, got %#v", left)
	}
}

func TestTakeoverDoesNotEmitUserLeft(t *testing.T) {
	reg := newRegistry()
	baseURL := startTestServer(t, reg)
	r := reg.Create("", -1, "1.2.3.4", newLimiter())

	owner := dial(t, baseURL, "code="+r.Code+"&su="+r.OwnerSecret)
	defer owner.Close()

	alice := dial(t, baseURL, "code="+r.Code+"&name=alice")
	defer alice.Close()
	su := readInbound(t, alice)
	secret := su["msg"].(map[string]any)["su"].(string)
	readInbound(t, owner) // userappend

	second := dial(t, baseURL, fmt.Sprintf("code=%s&name=alice&su=%s", r.Code, secret))
	defer second.Close()
	join := readInbound(t, owner)
	if join["msg"].(map[string]any)["type"] != "userjoin" {
		t.Fatalf("expected userjoin after reattach, got %#v", join)
	}
	expectCloseCode(t, alice, room.Overridden.Code)

	// The displaced session was closed by the relay itself; the owner must
	// not be told alice left.
	expectNoFrame(t, owner)
}

func TestMalformedOpenIsRefused(t *testing.T) {
	reg := newRegistry()
	baseURL := startTestServer(t, reg)
	r := reg.Create("", -1, "1.2.3.4", newLimiter())

	neither := dial(t, baseURL, "code="+r.Code)
	defer neither.Close()
	expectCloseCode(t, neither, websocket.CloseProtocolError)
}

func TestWrongVersionIsRefused(t *testing.T) {
	reg := newRegistry()
	baseURL := startTestServer(t, reg)
	r := reg.Create("", -1, "1.2.3.4", newLimiter())

	conn, _, err := websocket.DefaultDialer.Dial(baseURL+"/v1/ws?code="+r.Code+"&name=alice", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	expectCloseCode(t, conn, room.BreakingApiChange.Code)
}

func TestLockRefusesRegistrationOverSocket(t *testing.T) {
	reg := newRegistry()
	baseURL := startTestServer(t, reg)
	r := reg.Create("", -1, "1.2.3.4", newLimiter())

	owner := dial(t, baseURL, "code="+r.Code+"&su="+r.OwnerSecret)
	defer owner.Close()

	writeFrame(t, owner, "lock", map[string]any{})
	time.Sleep(50 * time.Millisecond)

	locked := dial(t, baseURL, "code="+r.Code+"&name=alice")
	defer locked.Close()
	expectCloseCode(t, locked, room.ServerIsLocked.Code)

	writeFrame(t, owner, "unlock", map[string]any{})
	time.Sleep(50 * time.Millisecond)

	unlocked := dial(t, baseURL, "code="+r.Code+"&name=alice")
	defer unlocked.Close()
	readInbound(t, unlocked) // su succeeds this time
}

func TestParticipantNamedOneCannotLock(t *testing.T) {
	reg := newRegistry()
	baseURL := startTestServer(t, reg)
	r := reg.Create("", -1, "1.2.3.4", newLimiter())

	one := dial(t, baseURL, "code="+r.Code+"&name=1")
	defer one.Close()
	readInbound(t, one) // su

	writeFrame(t, one, "lock", map[string]any{})
	time.Sleep(50 * time.Millisecond)

	// The lock command from a non-owner session is a no-op; registration
	// still succeeds.
	alice := dial(t, baseURL, "code="+r.Code+"&name=alice")
	defer alice.Close()
	readInbound(t, alice) // su arrives, so the room is not locked
}

func TestChatsSendsEachInOrder(t *testing.T) {
	reg := newRegistry()
	baseURL := startTestServer(t, reg)
	r := reg.Create("", -1, "1.2.3.4", newLimiter())

	owner := dial(t, baseURL, "code="+r.Code+"&su="+r.OwnerSecret)
	defer owner.Close()
	alice := dial(t, baseURL, "code="+r.Code+"&name=alice")
	defer alice.Close()
	readInbound(t, alice)
	readInbound(t, owner) // userappend

	writeFrame(t, alice, "chats", []map[string]any{
		{"to": 1, "content": "first"},
		{"to": 1, "content": "second"},
	})

	for i, want := range []string{"first", "second"} {
		got := readInbound(t, owner)
		msg := got["msg"].(map[string]any)
		if msg["type"] != "msg" || msg["am"] != want {
			t.Fatalf("owner message %d: expected %q, got %#v", i, want, got)
		}
		if got["q"].(float64) != float64(i+1) {
			t.Fatalf("owner message %d: expected q=%d, got %v", i, i+1, got["q"])
		}
	}
}

func TestRepeatDoesNotAdvanceSequence(t *testing.T) {
	reg := newRegistry()
	baseURL := startTestServer(t, reg)
	r := reg.Create("", -1, "1.2.3.4", newLimiter())

	owner := dial(t, baseURL, "code="+r.Code+"&su="+r.OwnerSecret)
	defer owner.Close()
	alice := dial(t, baseURL, "code="+r.Code+"&name=alice")
	defer alice.Close()
	readInbound(t, alice) // su at q=0
	readInbound(t, owner)

	writeFrame(t, alice, "repeat", 0)
	repeated := readInbound(t, alice)
	if repeated["type"] != "repeated" {
		t.Fatalf("expected a repeated envelope, got %#v", repeated)
	}

	// The replay response is not part of history: the next real envelope
	// still lands at q=1.
	writeFrame(t, owner, "chat", map[string]any{"to": "alice", "content": "hi"})
	next := readInbound(t, alice)
	if next["q"].(float64) != 1 {
		t.Fatalf("expected q=1 after a replay, got %v", next["q"])
	}
}

func TestJoinRateLimitBansFourthRegistration(t *testing.T) {
	reg := newRegistry()
	baseURL := startTestServer(t, reg)
	limiter := ratelimit.NewRoomLimiter(3, 1, 60)
	r := reg.Create("", -1, "9.9.9.9", limiter)

	owner := dial(t, baseURL, "code="+r.Code+"&su="+r.OwnerSecret)
	defer owner.Close()

	for _, name := range []string{"a", "b", "c"} {
		conn := dial(t, baseURL, "code="+r.Code+"&name="+name)
		defer conn.Close()
		readInbound(t, conn)
		readInbound(t, owner)
	}

	fourth := dial(t, baseURL, "code="+r.Code+"&name=d")
	defer fourth.Close()
	expectCloseCode(t, fourth, room.BannedByRateLimit.Code)
}

func TestClosePropagationOverSocket(t *testing.T) {
	reg := newRegistry()
	baseURL := startTestServer(t, reg)
	r := reg.Create("", -1, "1.2.3.4", newLimiter())

	owner := dial(t, baseURL, "code="+r.Code+"&su="+r.OwnerSecret)
	defer owner.Close()
	alice := dial(t, baseURL, "code="+r.Code+"&name=alice")
	defer alice.Close()
	readInbound(t, alice)
	readInbound(t, owner)
	bob := dial(t, baseURL, "code="+r.Code+"&name=bob")
	defer bob.Close()
	readInbound(t, bob)
	readInbound(t, owner)

	r.Close()

	expectCloseCode(t, owner, room.ServerClosing.Code)
	expectCloseCode(t, alice, room.ServerClosing.Code)
	expectCloseCode(t, bob, room.ServerClosing.Code)

	if err := reg.Free(r.Code); err != nil {
		t.Fatalf("free after close: %v", err)
	}

	stale := dial(t, baseURL, "code="+r.Code+"&name=eve")
	defer stale.Close()
	expectCloseCode(t, stale, room.ServerCodeDoesntExist.Code)
}
