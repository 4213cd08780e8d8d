package transport

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// sendBufferSize is the per-client outbound queue depth. A full queue marks
// the client slow; sends to it are dropped rather than blocking the relay.
const sendBufferSize = 256

// client is one live WebSocket connection. The id is the connection id the
// session core knows it by; it never outlives the socket.
type client struct {
	id   string
	conn net.Conn

	// send is drained by writePump. Writers must never block on it.
	send chan []byte

	// flood throttles raw inbound frames before they reach event dispatch.
	flood *rate.Limiter

	connectedAt time.Time
	closeOnce   sync.Once
}

func newClient(id string, conn net.Conn, floodRate float64, floodBurst int) *client {
	return &client{
		id:          id,
		conn:        conn,
		send:        make(chan []byte, sendBufferSize),
		flood:       rate.NewLimiter(rate.Limit(floodRate), floodBurst),
		connectedAt: time.Now(),
	}
}

// close shuts the socket exactly once. Both pumps and the server teardown
// path race to call it.
func (c *client) close() {
	c.closeOnce.Do(func() {
		if c.conn != nil {
			c.conn.Close()
		}
	})
}
