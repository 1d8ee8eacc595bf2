package observer

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"marscolony.ai/internal/protocol"
)

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(url, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func readType(t *testing.T, conn *websocket.Conn) (string, []byte) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, b, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	base, err := protocol.DecodeBase(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return base.Type, b
}

func waitSessions(t *testing.T, s *Server, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for s.Sessions() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d sessions, have %d", n, s.Sessions())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBroadcastReachesEveryObserver(t *testing.T) {
	s := NewServer()
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	a, b := dial(t, srv.URL), dial(t, srv.URL)
	defer a.Close()
	defer b.Close()

	var sids []string
	for _, c := range []*websocket.Conn{a, b} {
		typ, raw := readType(t, c)
		if typ != protocol.TypeWelcome {
			t.Fatalf("expected welcome, got %s", typ)
		}
		var w protocol.WelcomeMsg
		_ = json.Unmarshal(raw, &w)
		sids = append(sids, w.SessionID)
	}
	if sids[0] == "" || sids[0] == sids[1] {
		t.Fatalf("session ids must be unique: %v", sids)
	}
	waitSessions(t, s, 2)

	s.Broadcast(protocol.UpdateInstitution(7))
	for _, c := range []*websocket.Conn{a, b} {
		typ, raw := readType(t, c)
		if typ != protocol.TypeUpdateInstitution || !strings.Contains(string(raw), `"id":7`) {
			t.Fatalf("unexpected message %s", raw)
		}
	}

	a.Close()
	waitSessions(t, s, 1)
}

func TestSlowObserverDropsInsteadOfBlocking(t *testing.T) {
	s := NewServer(WithQueue(1))
	sid, _ := s.join()
	defer s.leave(sid)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			s.Broadcast(protocol.UpdateInstitution(int64(i)))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("broadcast blocked on a full queue")
	}
	if s.Dropped() != 9 {
		t.Fatalf("expected 9 dropped, got %d", s.Dropped())
	}
}
