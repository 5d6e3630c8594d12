package websocket

import (
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"presence/pkg/types"
)

// WebSocket upgrader shared by all feed handlers
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// FUNCTIONAL DISCOVERY: Dashboards are served from other origins on the
		// classroom network, so origins are not restricted
		return true
	},
	HandshakeTimeout: 10 * time.Second,
}

// AttendanceSource is the read side of the registry a new client is primed from
type AttendanceSource interface {
	Classes() []string
	Attendance(classID string) ([]types.AttendanceRecord, error)
}

// Handler upgrades feed requests and registers the resulting clients
// ARCHITECTURAL DISCOVERY: The handler only accepts and primes clients; the hub
// pushes transitions, so the read pump here exists for heartbeats and close
type Handler struct {
	registry *Registry
	source   AttendanceSource
}

// NewHandler creates a feed handler
func NewHandler(registry *Registry, source AttendanceSource) *Handler {
	return &Handler{
		registry: registry,
		source:   source,
	}
}

// HandleWebSocket serves /ws. The optional class query parameter limits the
// feed to one class.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	classFilter := r.URL.Query().Get("class")

	// Validate before upgrading so a bad request gets a proper HTTP status
	if classFilter != "" {
		if _, err := h.source.Attendance(classFilter); err != nil {
			if errors.Is(err, types.ErrNotFound) {
				http.Error(w, "Class not found", http.StatusNotFound)
				return
			}
			http.Error(w, "Class lookup failed", http.StatusInternalServerError)
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	wsConn := NewConnection(conn, uuid.NewString(), classFilter)
	wsConn.Hold()
	if err := h.registry.RegisterConnection(wsConn); err != nil {
		log.Printf("Failed to register feed client: %v", err)
		_ = wsConn.Close()
		return
	}
	log.Printf("Feed client connected: id=%s class=%q", wsConn.GetClientID(), classFilter)

	h.sendInitialState(wsConn)
	go h.handleConnection(wsConn)
}

// sendInitialState greets the client and sends the current attendance of
// every class it subscribed to, ahead of any transition broadcast since it
// registered
func (h *Handler) sendInitialState(conn *Connection) {
	events := []interface{}{types.FeedEvent{
		Type:      types.FeedEventHello,
		ClientID:  conn.GetClientID(),
		ClassID:   conn.GetClassFilter(),
		Timestamp: time.Now(),
	}}

	classes := []string{conn.GetClassFilter()}
	if conn.GetClassFilter() == "" {
		classes = h.source.Classes()
	}

	for _, classID := range classes {
		records, err := h.source.Attendance(classID)
		if err != nil {
			// Class removed between connect and prime
			continue
		}
		events = append(events, types.FeedEvent{
			Type:      types.FeedEventState,
			ClassID:   classID,
			Records:   records,
			Timestamp: time.Now(),
		})
	}

	if err := conn.Release(events...); err != nil {
		log.Printf("Failed to send initial state to %s: %v", conn.GetClientID(), err)
	}
}

// handleConnection runs the read pump and heartbeat until the client goes away
func (h *Handler) handleConnection(conn *Connection) {
	defer func() {
		h.registry.UnregisterConnection(conn)
		_ = conn.Close()
		log.Printf("Feed client disconnected: id=%s", conn.GetClientID())
	}()

	// TECHNICAL DISCOVERY: 60-second read deadline with a 30-second ping keeps
	// idle dashboards alive and drops dead ones
	if err := conn.conn.SetReadDeadline(time.Now().Add(60 * time.Second)); err != nil {
		log.Printf("Failed to set read deadline: %v", err)
		return
	}
	conn.conn.SetPongHandler(func(string) error {
		return conn.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	go func() {
		for {
			select {
			case <-ticker.C:
				if err := conn.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(10*time.Second)); err != nil {
					return
				}
			case <-conn.Done():
				return
			}
		}
	}()

	// The feed is server-push only; client messages are read and discarded
	for {
		if _, _, err := conn.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("Feed client %s error: %v", conn.GetClientID(), err)
			}
			return
		}
	}
}
