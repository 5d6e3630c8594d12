package integration

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"

	"presence/internal/attendance"
	"presence/internal/database"
	"presence/internal/hub"
	"presence/internal/metrics"
	"presence/internal/scanner"
	"presence/internal/websocket"
	dbconfig "presence/pkg/database"
	"presence/pkg/types"
)

// stack is the running system minus the REST surface
type stack struct {
	dbPath   string
	store    *database.Manager
	feed     *websocket.Registry
	hub      *hub.Hub
	registry *attendance.Manager
	loop     *scanner.Loop
	server   *httptest.Server
}

// startStack opens the sqlite store at dbPath and wires every component the
// way the daemon does. frames drive the scanner loop.
func startStack(t *testing.T, dbPath string, frames [][]types.Device) *stack {
	t.Helper()
	config := dbconfig.DefaultConfig()
	config.DatabasePath = dbPath

	store, err := database.NewManager(config)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}

	m := metrics.New()
	feed := websocket.NewRegistry(m.SetFeedClients)
	transitionHub := hub.NewHub(feed, store, m)
	if err := transitionHub.Start(t.Context()); err != nil {
		t.Fatalf("Failed to start hub: %v", err)
	}

	registry := attendance.NewManager(attendance.Options{
		Store:     store,
		Publisher: transitionHub,
		Metrics:   m,
	})
	registry.Load(t.Context())

	loop := scanner.NewLoop(scanner.NewReplaySource(frames), registry, scanner.LoopOptions{Metrics: m})
	server := httptest.NewServer(http.HandlerFunc(websocket.NewHandler(feed, registry).HandleWebSocket))

	s := &stack{
		dbPath:   dbPath,
		store:    store,
		feed:     feed,
		hub:      transitionHub,
		registry: registry,
		loop:     loop,
		server:   server,
	}
	t.Cleanup(s.stop)
	return s
}

// stop shuts components down in daemon order. Safe to call twice.
func (s *stack) stop() {
	s.server.Close()
	_ = s.loop.Stop()
	_ = s.hub.Stop()
	for _, conn := range s.feed.All() {
		_ = conn.Close()
	}
	_ = s.store.Close()
}

func tempDBPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "attendance.db")
}

// dialFeed subscribes to one class and returns the decoded event stream
func (s *stack) dialFeed(t *testing.T, classID string) <-chan types.FeedEvent {
	t.Helper()
	target := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/?class=" + url.QueryEscape(classID)
	client, _, err := gorilla.DefaultDialer.Dial(target, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	events := make(chan types.FeedEvent, 100)
	go func() {
		defer close(events)
		for {
			_, data, err := client.ReadMessage()
			if err != nil {
				return
			}
			var event types.FeedEvent
			if json.Unmarshal(data, &event) == nil {
				events <- event
			}
		}
	}()
	return events
}

// nextEvent waits for the next event of the given type, skipping others
func nextEvent(t *testing.T, events <-chan types.FeedEvent, eventType string) types.FeedEvent {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case event, ok := <-events:
			if !ok {
				t.Fatalf("Feed closed while waiting for %q", eventType)
			}
			if event.Type == eventType {
				return event
			}
		case <-timeout:
			t.Fatalf("Timed out waiting for %q event", eventType)
		}
	}
}

// waitFeedClients polls until the feed has the expected number of clients
func (s *stack) waitFeedClients(t *testing.T, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for s.feed.Count() != want {
		if time.Now().After(deadline) {
			t.Fatalf("Expected %d feed clients, have %d", want, s.feed.Count())
		}
		time.Sleep(10 * time.Millisecond)
	}
}
