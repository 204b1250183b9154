package ws

import (
	"errors"

	"github.com/gorilla/websocket"

	"github.com/WALL-EEEEEEE/aeron/pkg/session"
)

// ErrSlowConsumer is returned when a client's send buffer is full and a reply
// would have to block the dispatch thread.
var ErrSlowConsumer = errors.New("ws: slow consumer, reply dropped")

// client owns one websocket connection. Writes go through a buffered channel
// and a single write pump so replies never block the event dispatcher.
type client struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
}

func newClient(conn *websocket.Conn) *client {
	c := &client{
		conn: conn,
		send: make(chan []byte, 64),
		done: make(chan struct{}),
	}
	go c.writePump()
	return c
}

func (c *client) writePump() {
	defer c.conn.Close()
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *client) close() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

// responder adapts a client to the session reply interface. It is what the
// registry holds for sessions terminated on this node.
type responder struct {
	c *client
}

var _ session.Responder = (*responder)(nil)

func (r *responder) Send(payload []byte) error {
	buf := make([]byte, len(payload))
	copy(buf, payload)
	select {
	case <-r.c.done:
		return session.ErrNoResponder
	case r.c.send <- buf:
		return nil
	default:
		return ErrSlowConsumer
	}
}

// Close lets the registry tear the connection down when a session is removed.
func (r *responder) Close() error {
	r.c.close()
	return nil
}
