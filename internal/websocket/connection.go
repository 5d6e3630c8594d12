package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Connection is one live feed client
// ARCHITECTURAL DISCOVERY: WebSocket writes must be serialized, so every write
// goes through a single writer goroutine fed by a buffered channel
type Connection struct {
	conn        *websocket.Conn
	writeCh     chan []byte // 100 buffer absorbs a burst of transitions at class start
	clientID    string
	classFilter string // "" subscribes to every class
	ctx         context.Context
	cancel      context.CancelFunc
	closeOnce   sync.Once

	// While held, writes queue in pending until Release sends the priming
	// messages ahead of them
	holdMu  sync.Mutex
	held    bool
	pending [][]byte
}

// NewConnection wraps an upgraded socket and starts its writer
func NewConnection(conn *websocket.Conn, clientID, classFilter string) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		conn:        conn,
		writeCh:     make(chan []byte, 100),
		clientID:    clientID,
		classFilter: classFilter,
		ctx:         ctx,
		cancel:      cancel,
	}

	go c.writeLoop()

	return c
}

func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.writeCh:
			// FUNCTIONAL DISCOVERY: 5-second deadline keeps a stalled dashboard
			// from holding the writer forever
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				_ = c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				_ = c.Close()
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

// WriteJSON queues a JSON message for the client
func (c *Connection) WriteJSON(v interface{}) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(v)
	if err != nil {
		return ErrInvalidJSON
	}

	c.holdMu.Lock()
	if c.held {
		defer c.holdMu.Unlock()
		if len(c.pending) >= cap(c.writeCh) {
			return ErrWriteTimeout
		}
		c.pending = append(c.pending, data)
		return nil
	}
	c.holdMu.Unlock()

	return c.enqueue(data)
}

func (c *Connection) enqueue(data []byte) error {
	timer := time.NewTimer(5 * time.Second)
	defer timer.Stop()
	select {
	case c.writeCh <- data:
		return nil
	case <-timer.C:
		return ErrWriteTimeout
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

// Hold buffers subsequent writes until Release
func (c *Connection) Hold() {
	c.holdMu.Lock()
	defer c.holdMu.Unlock()
	c.held = true
}

// Release sends first, then every write buffered since Hold, and resumes
// direct writes
// FUNCTIONAL DISCOVERY: Registering before priming and holding broadcasts
// until the prime is queued means a client never sees a transition ahead of
// its hello and state, and never misses one made while the state was read
func (c *Connection) Release(first ...interface{}) error {
	c.holdMu.Lock()
	defer c.holdMu.Unlock()

	queue := make([][]byte, 0, len(first)+len(c.pending))
	for _, v := range first {
		data, err := json.Marshal(v)
		if err != nil {
			return ErrInvalidJSON
		}
		queue = append(queue, data)
	}
	queue = append(queue, c.pending...)
	c.pending = nil
	c.held = false

	for _, data := range queue {
		if err := c.enqueue(data); err != nil {
			return err
		}
	}
	return nil
}

// Close stops the writer and closes the socket. Safe to call more than once.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}

// Done is closed once the connection is closed
func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}

func (c *Connection) GetClientID() string {
	return c.clientID
}

func (c *Connection) GetClassFilter() string {
	return c.classFilter
}
