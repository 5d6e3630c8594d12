package hub

import (
	"context"
	"log"
	"sync"
	"time"

	"presence/internal/metrics"
	"presence/internal/websocket"
	"presence/pkg/interfaces"
	"presence/pkg/types"
)

// Hub fans presence transitions out to the history table and feed clients
// ARCHITECTURAL DISCOVERY: The registry publishes while holding its lock, so
// the hub only queues there and does all slow work on its own goroutine
type Hub struct {
	// FUNCTIONAL DISCOVERY: 1000 batches absorbs a whole class arriving in one
	// cycle; beyond that batches are dropped rather than stalling the registry
	transitions     chan []types.Transition
	shutdownChannel chan struct{}
	done            chan struct{}

	registry *websocket.Registry
	recorder interfaces.TransitionRecorder // nil when the backend keeps no history
	metrics  *metrics.Metrics

	recordTimeout time.Duration

	running bool
	mu      sync.RWMutex
}

// NewHub creates a stopped hub. recorder and m may be nil.
func NewHub(registry *websocket.Registry, recorder interfaces.TransitionRecorder, m *metrics.Metrics) *Hub {
	return &Hub{
		transitions:     make(chan []types.Transition, 1000),
		shutdownChannel: make(chan struct{}),
		done:            make(chan struct{}),
		registry:        registry,
		recorder:        recorder,
		metrics:         m,
		recordTimeout:   5 * time.Second,
	}
}

// Start begins processing queued transitions
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return ErrHubAlreadyRunning
	}
	h.running = true

	log.Println("Starting transition hub...")
	go h.run(ctx)
	return nil
}

// Stop drains what is already queued, then stops the hub
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	close(h.shutdownChannel)
	h.mu.Unlock()

	log.Println("Stopping transition hub...")
	<-h.done
	// Batches published after a context-cancelled run exited
	h.drain(context.Background())
	return nil
}

// Publish queues a batch without blocking; a full queue drops the batch
func (h *Hub) Publish(transitions []types.Transition) {
	if len(transitions) == 0 {
		return
	}
	select {
	case h.transitions <- transitions:
	default:
		log.Printf("warning: transition queue full, dropped %d transitions", len(transitions))
		h.metrics.FeedDropped()
	}
}

func (h *Hub) run(ctx context.Context) {
	defer close(h.done)
	defer log.Println("Hub processing stopped")

	for {
		select {
		case batch := <-h.transitions:
			h.handleBatch(ctx, batch)

		case <-h.shutdownChannel:
			h.drain(ctx)
			return

		case <-ctx.Done():
			// FUNCTIONAL DISCOVERY: A signal cancels ctx before Stop runs, so
			// queued history is still written on this path
			log.Println("Hub context cancelled")
			h.drain(ctx)
			return
		}
	}
}

// drain handles batches queued before shutdown so history is not lost
func (h *Hub) drain(ctx context.Context) {
	for {
		select {
		case batch := <-h.transitions:
			h.handleBatch(ctx, batch)
		default:
			return
		}
	}
}

func (h *Hub) handleBatch(ctx context.Context, batch []types.Transition) {
	if h.recorder != nil {
		// Shutdown cancels ctx; the write is bounded by recordTimeout instead
		recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.recordTimeout)
		if err := h.recorder.RecordTransitions(recordCtx, batch); err != nil {
			log.Printf("warning: failed to record %d transitions: %v", len(batch), err)
		}
		cancel()
	}

	for i := range batch {
		h.broadcast(&batch[i])
	}
}

// broadcast delivers one transition to every client subscribed to its class
func (h *Hub) broadcast(tr *types.Transition) {
	event := types.FeedEvent{
		Type:       types.FeedEventTransition,
		ClassID:    tr.ClassID,
		Transition: tr,
		Timestamp:  time.Now(),
	}

	for _, conn := range h.registry.Subscribers(tr.ClassID) {
		if err := conn.WriteJSON(event); err != nil {
			// TECHNICAL DISCOVERY: A client that cannot keep up is dropped; it
			// can reconnect and be primed with current state
			log.Printf("Feed client %s dropped: %v", conn.GetClientID(), err)
			h.registry.UnregisterConnection(conn)
			_ = conn.Close()
			h.metrics.FeedDropped()
		}
	}
}
