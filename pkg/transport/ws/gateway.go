package ws

import (
	"context"
	"crypto/tls"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	obsmetrics "github.com/WALL-EEEEEEE/aeron/pkg/observability/metrics"
	"github.com/WALL-EEEEEEE/aeron/pkg/session"
)

// Ingress is the gateway's hook into the node. Every client action becomes a
// replicated log event; the gateway itself holds no authoritative state.
type Ingress interface {
	// OpenSession allocates a cluster-unique session id and replicates the
	// open event. It returns once the event is committed.
	OpenSession(ctx context.Context) (int64, error)

	// Message replicates one inbound payload for the session.
	Message(ctx context.Context, sessionID int64, payload []byte) error

	// CloseSession replicates the close event with the given reason.
	CloseSession(ctx context.Context, sessionID int64, reason session.CloseReason) error

	// Bind attaches the reply channel for a session terminated here.
	Bind(sessionID int64, rp session.Responder) error
}

// Gateway accepts websocket clients and turns their traffic into session
// events. One connection maps to one cluster session for its whole lifetime.
type Gateway struct {
	bind           string
	ingress        Ingress
	logger         *log.Logger
	tlsCfg         *tls.Config
	authToken      string
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool

	srv *http.Server
}

// NewGateway binds to the given TCP address (e.g., ":17950").
func NewGateway(bind string, ingress Ingress, logger *log.Logger) *Gateway {
	if logger == nil {
		logger = log.Default()
	}
	return &Gateway{
		bind:           bind,
		ingress:        ingress,
		logger:         logger,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
	}
}

// UseTLS enables TLS for the gateway listener.
func (g *Gateway) UseTLS(cfg *tls.Config) *Gateway { g.tlsCfg = cfg; return g }

// WithAuthToken requires clients to present the token via query parameter or
// bearer header. Empty disables auth.
func (g *Gateway) WithAuthToken(token string) *Gateway { g.authToken = token; return g }

// WithAllowedOrigins restricts browser origins. Empty allows same-host and
// localhost only.
func (g *Gateway) WithAllowedOrigins(origins []string) *Gateway {
	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		g.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			g.allowedHosts[parsed.Host] = true
		}
	}
	return g
}

// Start launches the gateway. It is shut down when the context is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/session", g.handleWS)

	g.srv = &http.Server{Addr: g.bind, Handler: mux}

	ln, err := net.Listen("tcp", g.bind)
	if err != nil {
		return err
	}
	if g.tlsCfg != nil {
		ln = tls.NewListener(ln, g.tlsCfg)
	}

	go func() {
		<-ctx.Done()
		_ = g.Stop(context.Background())
	}()
	go func() {
		if err := g.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			g.logger.Printf("ws: gateway error: %v", err)
		}
	}()
	return nil
}

// Addr returns the configured bind address.
func (g *Gateway) Addr() string { return g.bind }

// Stop attempts a graceful shutdown with a short timeout.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.srv == nil {
		return nil
	}
	c, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	err := g.srv.Shutdown(c)
	g.srv = nil
	return err
}

func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	if !g.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: g.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Printf("ws: upgrade error: %v", err)
		return
	}

	id, err := g.ingress.OpenSession(r.Context())
	if err != nil {
		g.logger.Printf("ws: session open refused for %s: %v", r.RemoteAddr, err)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "session open refused"),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}

	c := newClient(conn)
	if err := g.ingress.Bind(id, &responder{c: c}); err != nil {
		g.logger.Printf("ws: bind session %d: %v", id, err)
		c.close()
		return
	}
	obsmetrics.GatewaySessions.Inc()
	g.logger.Printf("ws: session %d connected from %s", id, r.RemoteAddr)

	go g.readPump(c, id, r.RemoteAddr)
}

func (g *Gateway) readPump(c *client, id int64, remote string) {
	reason := session.ReasonClientAction
	defer func() {
		c.close()
		obsmetrics.GatewaySessions.Dec()
		g.logger.Printf("ws: session %d disconnected (%s): %s", id, reason, remote)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := g.ingress.CloseSession(ctx, id, reason); err != nil {
			g.logger.Printf("ws: close session %d: %v", id, err)
		}
	}()
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if err := g.ingress.Message(context.Background(), id, payload); err != nil {
			g.logger.Printf("ws: session %d message refused: %v", id, err)
			reason = session.ReasonServiceAction
			return
		}
	}
}

func (g *Gateway) authorize(r *http.Request) bool {
	if g.authToken == "" {
		return true
	}
	if r.URL.Query().Get("token") == g.authToken {
		return true
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == g.authToken {
		return true
	}
	return false
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(g.allowedOrigins) > 0 {
		if g.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return g.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := parsed.Host
	if host == "" {
		return false
	}
	if host == r.Host {
		return true
	}
	if strings.HasPrefix(host, "localhost:") || host == "localhost" {
		return true
	}
	if strings.HasPrefix(host, "127.0.0.1:") || host == "127.0.0.1" {
		return true
	}
	if strings.HasPrefix(host, "[::1]:") || host == "::1" {
		return true
	}
	return false
}
