package interfaces

// Connection represents a live feed client
// ARCHITECTURAL DISCOVERY: Pure abstraction without implementation details
// keeps the feed hub testable without real sockets
type Connection interface {
	// WriteJSON sends a JSON message to the client (thread-safe)
	WriteJSON(v interface{}) error

	// Close closes the connection and cleans up resources
	Close() error

	// GetClientID returns the feed client's generated ID
	GetClientID() string

	// GetClassFilter returns the class the client subscribed to, or "" for all
	GetClassFilter() string
}
