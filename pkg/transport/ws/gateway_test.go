package ws

import (
	"context"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WALL-EEEEEEE/aeron/pkg/session"
)

type fakeIngress struct {
	mu        sync.Mutex
	nextID    int64
	messages  map[int64][]string
	responder map[int64]session.Responder
	closed    map[int64]session.CloseReason
}

func newFakeIngress() *fakeIngress {
	return &fakeIngress{
		messages:  make(map[int64][]string),
		responder: make(map[int64]session.Responder),
		closed:    make(map[int64]session.CloseReason),
	}
}

func (f *fakeIngress) OpenSession(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return f.nextID, nil
}

func (f *fakeIngress) Message(_ context.Context, id int64, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[id] = append(f.messages[id], string(payload))
	return nil
}

func (f *fakeIngress) CloseSession(_ context.Context, id int64, reason session.CloseReason) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed[id] = reason
	return nil
}

func (f *fakeIngress) Bind(id int64, rp session.Responder) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responder[id] = rp
	return nil
}

func (f *fakeIngress) send(t *testing.T, id int64, payload string) {
	t.Helper()
	f.mu.Lock()
	rp := f.responder[id]
	f.mu.Unlock()
	require.NotNil(t, rp, "no responder bound for session %d", id)
	require.NoError(t, rp.Send([]byte(payload)))
}

func startGateway(t *testing.T, ingress Ingress) (*Gateway, string) {
	t.Helper()
	g := NewGateway("", ingress, log.New(io.Discard, "", 0))
	srv := httptest.NewServer(http.HandlerFunc(g.handleWS))
	t.Cleanup(srv.Close)
	return g, "ws" + strings.TrimPrefix(srv.URL, "http") + "/session"
}

func TestGatewaySessionRoundTrip(t *testing.T) {
	ingress := newFakeIngress()
	_, url := startGateway(t, ingress)

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("ping")))

	require.Eventually(t, func() bool {
		ingress.mu.Lock()
		defer ingress.mu.Unlock()
		return len(ingress.messages[1]) == 1
	}, 2*time.Second, 10*time.Millisecond, "message not ingested")

	ingress.send(t, 1, "pong")
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, reply, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "pong", string(reply))
}

func TestGatewayCloseOnDisconnect(t *testing.T) {
	ingress := newFakeIngress()
	_, url := startGateway(t, ingress)

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	conn.Close()

	require.Eventually(t, func() bool {
		ingress.mu.Lock()
		defer ingress.mu.Unlock()
		reason, ok := ingress.closed[1]
		return ok && reason == session.ReasonClientAction
	}, 2*time.Second, 10*time.Millisecond, "close not propagated")
}

func TestGatewayAuthToken(t *testing.T) {
	ingress := newFakeIngress()
	g := NewGateway("", ingress, log.New(io.Discard, "", 0)).WithAuthToken("sekrit")
	srv := httptest.NewServer(http.HandlerFunc(g.handleWS))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/session"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(url+"?token=sekrit", nil)
	require.NoError(t, err)
	conn.Close()
}
