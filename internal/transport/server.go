package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"collabwiki/api/internal/auth"
	"collabwiki/api/internal/util"
)

// TokenVerifier validates the bearer token presented at handshake.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (auth.Claims, error)
}

type ServerOptions struct {
	// AuthRequired rejects handshakes without a valid token. When false,
	// clients may name themselves and the join payload's userId is trusted.
	AuthRequired   bool
	AllowedOrigins []string
}

// Server upgrades HTTP requests into hub connections.
type Server struct {
	hub      *Hub
	verifier TokenVerifier
	opts     ServerOptions
	upgrader websocket.Upgrader
}

func NewServer(hub *Hub, verifier TokenVerifier, opts ServerOptions) *Server {
	s := &Server{hub: hub, verifier: verifier, opts: opts}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.authenticate(r)
	if !ok {
		handshakeFailuresTotal.Inc()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"code":  "UNAUTHORIZED",
			"error": "a valid access token is required",
		})
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		handshakeFailuresTotal.Inc()
		slog.Debug("websocket upgrade failed", "error", err)
		return
	}

	c := newConn(util.NewID("conn"), identity, ws)
	s.hub.register(c)
	go c.writePump()
	go c.readPump(s.hub)
}

func (s *Server) authenticate(r *http.Request) (Identity, bool) {
	token := requestToken(r)
	if token != "" && s.verifier != nil {
		claims, err := s.verifier.Verify(r.Context(), token)
		if err == nil {
			return Identity{UserID: claims.Sub, Name: claims.Name, TeamID: claims.TeamID, Verified: true}, true
		}
		slog.Debug("websocket token rejected", "error", err)
		if s.opts.AuthRequired {
			return Identity{}, false
		}
	}
	if s.opts.AuthRequired {
		return Identity{}, false
	}
	query := r.URL.Query()
	userID := strings.TrimSpace(query.Get("userId"))
	if userID == "" {
		userID = util.NewID("anon")
	}
	return Identity{UserID: userID, Name: strings.TrimSpace(query.Get("name"))}, true
}

func requestToken(r *http.Request) string {
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.opts.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}
