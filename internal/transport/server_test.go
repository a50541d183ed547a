package transport

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"collabwiki/api/internal/auth"
	"collabwiki/api/internal/collab"
	"collabwiki/api/internal/ratelimit"
	"collabwiki/api/internal/rbac"
)

const testSecret = "transport-test-secret"

func newTestServer(t *testing.T, opts ServerOptions) (*hubFixture, *httptest.Server) {
	t.Helper()
	f := newHubFixture(t, collab.DefaultOptions(), ratelimit.DefaultLimits())
	srv := httptest.NewServer(NewServer(f.hub, auth.NewVerifier(testSecret, nil), opts))
	t.Cleanup(func() {
		f.hub.Close()
		srv.Close()
	})
	return f, srv
}

func wsURL(srv *httptest.Server, query string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
}

// issue signs an access token for userID in the main application's format.
func issue(t *testing.T, userID string) string {
	t.Helper()
	claims, err := json.Marshal(auth.Claims{
		Sub:  userID,
		Name: strings.ToUpper(userID[:1]) + userID[1:],
		JTI:  "jti-" + userID,
		Exp:  time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(claims)
	mac := hmac.New(sha256.New, []byte(testSecret))
	_, _ = mac.Write([]byte(payload))
	return payload + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func readEvent(t *testing.T, ws *websocket.Conn, event string) Envelope {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var env Envelope
		if err := ws.ReadJSON(&env); err != nil {
			t.Fatalf("waiting for %s: %v", event, err)
		}
		if env.Event == event {
			return env
		}
	}
}

func TestHandshakeRequiresToken(t *testing.T) {
	_, srv := newTestServer(t, ServerOptions{AuthRequired: true})

	cases := []struct {
		name   string
		query  string
		header http.Header
	}{
		{"missing", "", nil},
		{"garbage", "?token=nope", nil},
		{"bad bearer", "", http.Header{"Authorization": []string{"Bearer nope"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, tc.query), tc.header)
			if err == nil {
				t.Fatal("expected the handshake to fail")
			}
			if resp == nil || resp.StatusCode != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %+v", resp)
			}
		})
	}
}

func TestJoinOverWebsocket(t *testing.T) {
	f, srv := newTestServer(t, ServerOptions{AuthRequired: true})
	f.oracle.grant("doc-1", "alice", rbac.LevelEditor)
	f.oracle.grant("doc-1", "bob", rbac.LevelEditor)

	alice, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "?token="+issue(t, "alice")), nil)
	if err != nil {
		t.Fatalf("dial alice: %v", err)
	}
	defer alice.Close()
	bob, _, err := websocket.DefaultDialer.Dial(wsURL(srv, ""), http.Header{"Authorization": []string{"Bearer " + issue(t, "bob")}})
	if err != nil {
		t.Fatalf("dial bob: %v", err)
	}
	defer bob.Close()

	// userId in the payload is ignored for verified connections.
	if err := alice.WriteJSON(map[string]any{"event": EventJoinDocument, "data": map[string]string{"documentId": "doc-1", "userId": "bob"}}); err != nil {
		t.Fatalf("write join: %v", err)
	}
	env := readEvent(t, alice, EventSessionUsers)
	var users sessionUsersPayload
	if err := json.Unmarshal(env.Data, &users); err != nil {
		t.Fatalf("decode session-users: %v", err)
	}
	if len(users.Users) != 1 || users.Users[0].ID != "alice" || users.Users[0].Name != "Alice" {
		t.Fatalf("unexpected users %+v", users.Users)
	}

	if err := bob.WriteJSON(map[string]any{"event": EventJoinDocument, "data": map[string]string{"documentId": "doc-1"}}); err != nil {
		t.Fatalf("write join: %v", err)
	}
	readEvent(t, bob, EventSessionUsers)
	readEvent(t, alice, EventUserJoined)

	if err := bob.WriteJSON(map[string]any{"event": EventDocumentChange, "data": map[string]any{
		"documentId": "doc-1",
		"blockId":    "b1",
		"opType":     "insert",
		"snapshot":   []map[string]string{{"id": "b1"}},
	}}); err != nil {
		t.Fatalf("write change: %v", err)
	}
	env = readEvent(t, alice, EventDocumentChange)
	var relay documentChangeRelay
	if err := json.Unmarshal(env.Data, &relay); err != nil {
		t.Fatalf("decode relay: %v", err)
	}
	if relay.UserID != "bob" {
		t.Fatalf("expected bob's change, got %+v", relay)
	}

	if err := bob.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	env = readEvent(t, bob, EventError)
	var pe ProtocolError
	if err := json.Unmarshal(env.Data, &pe); err != nil || pe.Code != CodeInvalidPayload {
		t.Fatalf("expected %s, got %+v (%v)", CodeInvalidPayload, pe, err)
	}

	_ = bob.Close()
	readEvent(t, alice, EventUserLeft)
	if n := f.registry.UserCount("doc-1"); n != 1 {
		t.Fatalf("expected one user after bob disconnected, got %d", n)
	}
}

func TestAnonymousHandshakeWhenAuthOptional(t *testing.T) {
	f, srv := newTestServer(t, ServerOptions{AuthRequired: false})
	f.oracle.grant("doc-1", "guest-7", rbac.LevelViewer)

	ws, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "?userId=guest-7&name=Guest"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()
	if err := ws.WriteJSON(map[string]any{"event": EventJoinDocument, "data": map[string]string{"documentId": "doc-1"}}); err != nil {
		t.Fatalf("write join: %v", err)
	}
	env := readEvent(t, ws, EventSessionUsers)
	var users sessionUsersPayload
	if err := json.Unmarshal(env.Data, &users); err != nil {
		t.Fatalf("decode session-users: %v", err)
	}
	if len(users.Users) != 1 || users.Users[0].Name != "Guest" {
		t.Fatalf("unexpected users %+v", users.Users)
	}
}

func TestCheckOrigin(t *testing.T) {
	s := NewServer(nil, nil, ServerOptions{AllowedOrigins: []string{"https://wiki.example.com"}})

	cases := []struct {
		name   string
		origin string
		want   bool
	}{
		{"no origin", "", true},
		{"allowed", "https://wiki.example.com", true},
		{"same host", "http://collab.internal:8787", true},
		{"foreign", "https://evil.example.net", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "http://collab.internal:8787/ws", nil)
			if tc.origin != "" {
				r.Header.Set("Origin", tc.origin)
			}
			if got := s.checkOrigin(r); got != tc.want {
				t.Fatalf("checkOrigin(%q) = %v, want %v", tc.origin, got, tc.want)
			}
		})
	}
}

func TestHubCloseDisconnectsClients(t *testing.T) {
	f, srv := newTestServer(t, ServerOptions{AuthRequired: true})
	ws, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "?token="+issue(t, "alice")), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	deadline := time.Now().Add(2 * time.Second)
	for f.hub.ConnectionCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("connection was never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	f.hub.Close()

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := ws.ReadMessage(); err == nil {
		t.Fatal("expected the socket to be closed by the server")
	}
}
