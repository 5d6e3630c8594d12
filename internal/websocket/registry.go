package websocket

import (
	"log"
	"sync"
)

// Registry tracks feed clients by ID and by subscribed class
// ARCHITECTURAL DISCOVERY: Pure connection bookkeeping; the hub decides what
// to send and the registry only answers who should receive it
type Registry struct {
	mu      sync.RWMutex                      // TECHNICAL DISCOVERY: broadcast lookups far outnumber registrations
	clients map[string]*Connection            // clientID -> Connection
	byClass map[string]map[string]*Connection // classFilter -> clientID -> Connection ("" = all classes)

	onChange func(count int)
}

// NewRegistry creates an empty registry. onChange, if set, is called with the
// client count after every registration change.
func NewRegistry(onChange func(count int)) *Registry {
	return &Registry{
		clients:  make(map[string]*Connection),
		byClass:  make(map[string]map[string]*Connection),
		onChange: onChange,
	}
}

// RegisterConnection adds a client, replacing any connection with the same ID
func (r *Registry) RegisterConnection(conn *Connection) error {
	if conn == nil {
		return ErrNilConnection
	}
	clientID := conn.GetClientID()
	if clientID == "" {
		return ErrMissingID
	}

	r.mu.Lock()
	if existing, ok := r.clients[clientID]; ok {
		r.removeLocked(existing)
		// Closed outside the lock; Close may block on the socket
		go func() {
			if err := existing.Close(); err != nil {
				log.Printf("Failed to close replaced feed connection: %v", err)
			}
		}()
	}

	r.clients[clientID] = conn
	filter := conn.GetClassFilter()
	if r.byClass[filter] == nil {
		r.byClass[filter] = make(map[string]*Connection)
	}
	r.byClass[filter][clientID] = conn
	count := len(r.clients)
	r.mu.Unlock()

	r.notify(count)
	return nil
}

// UnregisterConnection removes a client. Only the exact registered instance
// is removed, so a stale connection cannot evict its replacement.
func (r *Registry) UnregisterConnection(conn *Connection) {
	if conn == nil {
		return
	}

	r.mu.Lock()
	registered, ok := r.clients[conn.GetClientID()]
	if !ok || registered != conn {
		r.mu.Unlock()
		return
	}
	r.removeLocked(conn)
	count := len(r.clients)
	r.mu.Unlock()

	r.notify(count)
}

func (r *Registry) removeLocked(conn *Connection) {
	clientID := conn.GetClientID()
	filter := conn.GetClassFilter()
	delete(r.clients, clientID)
	if subscribers, ok := r.byClass[filter]; ok {
		delete(subscribers, clientID)
		if len(subscribers) == 0 {
			delete(r.byClass, filter)
		}
	}
}

func (r *Registry) notify(count int) {
	if r.onChange != nil {
		r.onChange(count)
	}
}

// GetConnection looks a client up by ID
func (r *Registry) GetConnection(clientID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.clients[clientID]
	return conn, ok
}

// Subscribers returns the clients that should see events for a class: those
// subscribed to it plus those subscribed to every class
func (r *Registry) Subscribers(classID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Connection
	for _, conn := range r.byClass[""] {
		out = append(out, conn)
	}
	if classID != "" {
		for _, conn := range r.byClass[classID] {
			out = append(out, conn)
		}
	}
	return out
}

// All returns every registered client
func (r *Registry) All() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.clients))
	for _, conn := range r.clients {
		out = append(out, conn)
	}
	return out
}

// Count returns the number of registered clients
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// GetStats returns registry statistics for the health endpoint
func (r *Registry) GetStats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	filtered := 0
	for filter, subscribers := range r.byClass {
		if filter != "" {
			filtered += len(subscribers)
		}
	}
	return map[string]int{
		"total_connections":   len(r.clients),
		"class_subscriptions": filtered,
		"all_class_listeners": len(r.byClass[""]),
	}
}
