package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"

	"presence/internal/api"
	"presence/internal/attendance"
	"presence/internal/config"
	"presence/internal/database"
	"presence/internal/hub"
	"presence/internal/metrics"
	"presence/internal/scanner"
	"presence/internal/websocket"
	"presence/pkg/interfaces"
)

// Application owns every component of the attendance service
type Application struct {
	config     *config.Config
	metrics    *metrics.Metrics
	store      interfaces.SnapshotStore
	recorder   interfaces.TransitionRecorder
	feed       *websocket.Registry
	hub        *hub.Hub
	registry   *attendance.Manager
	loop       *scanner.Loop // nil when no scan source is configured
	apiServer  *api.Server
	httpServer *http.Server
	listener   net.Listener
	cancel     context.CancelFunc
}

// NewApplication builds and wires every component. Initialization order:
// Metrics → Storage → Feed → Registry (load + blacklist) → Scanner → API → HTTP
func NewApplication(cfg *config.Config) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	m := metrics.New()

	// STEP 1: Storage
	store, recorder, err := database.Open(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	log.Printf("Storage backend: %s", cfg.Storage.Backend)

	// STEP 2: Live feed; the hub also writes the attendance history
	feed := websocket.NewRegistry(m.SetFeedClients)
	transitionHub := hub.NewHub(feed, recorder, m)

	// STEP 3: Registry, restored from the store
	registry := attendance.NewManager(attendance.Options{
		Store:            store,
		Publisher:        transitionHub,
		Metrics:          m,
		ScanInterval:     cfg.Scanner.Interval,
		ValidClassCodes:  cfg.Roster.ValidClassCodes,
		StrictClassCodes: cfg.Roster.StrictClassCodes,
		SaveTimeout:      cfg.Storage.SaveTimeout,
	})
	registry.Load(context.Background())

	if cfg.Scanner.BlacklistFile != "" {
		ids, err := scanner.LoadBlacklistFile(cfg.Scanner.BlacklistFile)
		if err != nil {
			// FUNCTIONAL DISCOVERY: A missing blacklist file only means more
			// devices are considered; it is not worth refusing to start
			log.Printf("warning: blacklist not imported: %v", err)
		} else {
			added := registry.ImportBlacklist(ids)
			log.Printf("Imported %d new blacklist entries from %s", added, cfg.Scanner.BlacklistFile)
		}
	}

	// STEP 4: Scanner
	source, err := newSource(cfg.Scanner)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	var loop *scanner.Loop
	var apiScanner api.Scanner
	if source != nil {
		loop = scanner.NewLoop(source, registry, scanner.LoopOptions{
			SignalFloor: &cfg.Scanner.SignalFloor,
			StopTimeout: cfg.Scanner.StopTimeout,
			Metrics:     m,
		})
		apiScanner = loop
	}

	// STEP 5: API and HTTP
	deps := api.Dependencies{
		Registry:           registry,
		Store:              store,
		Recorder:           recorder,
		Scanner:            apiScanner,
		Metrics:            m.Handler(),
		MutationsPerMinute: cfg.HTTP.MutationsPerMinute,
	}
	if cfg.Feed.Enabled {
		deps.Feed = feed
		deps.FeedHandler = http.HandlerFunc(websocket.NewHandler(feed, registry).HandleWebSocket)
	}

	app := &Application{
		config:   cfg,
		metrics:  m,
		store:    store,
		recorder: recorder,
		feed:     feed,
		hub:      transitionHub,
		registry: registry,
		loop:     loop,
	}

	app.apiServer = api.NewServer(deps)
	app.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      app.apiServer,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}
	return app, nil
}

func newSource(cfg *config.ScannerConfig) (interfaces.DeviceSource, error) {
	switch cfg.Source {
	case config.SourceBLE:
		return scanner.NewBLESource(), nil
	case config.SourceReplay:
		source, err := scanner.LoadReplayFile(cfg.ReplayFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load replay source: %w", err)
		}
		return source, nil
	default:
		log.Printf("No scan source configured; presence changes only by manual marks")
		return nil, nil
	}
}

// Start launches the hub, the scan loop (if configured to auto-start) and the
// HTTP server. It returns once the listener is bound.
func (app *Application) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	app.cancel = cancel

	if err := app.hub.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("failed to start transition hub: %w", err)
	}

	listener, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		_ = app.hub.Stop()
		cancel()
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}
	app.listener = listener
	log.Printf("Attendance service listening on %s", listener.Addr())

	go func() {
		if err := app.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("HTTP server error: %v", err)
		}
	}()

	if app.loop != nil && app.config.Scanner.AutoStart {
		app.loop.Start(runCtx)
	}
	return nil
}

// Stop shuts down in reverse order: HTTP → Scanner → Hub → Storage
// TECHNICAL DISCOVERY: The loop stops before the hub so the last cycle's
// transitions are still recorded, and the hub drains before the store closes
func (app *Application) Stop(ctx context.Context) error {
	log.Printf("Shutting down attendance service")
	var errs []error

	if app.listener != nil {
		if err := app.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
		}
	}

	if app.loop != nil {
		if err := app.loop.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("scan loop: %w", err))
		}
	}

	if err := app.hub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
		errs = append(errs, fmt.Errorf("transition hub: %w", err))
	}
	for _, conn := range app.feed.All() {
		_ = conn.Close()
	}

	if app.cancel != nil {
		app.cancel()
	}

	if err := app.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("storage: %w", err))
	}

	log.Printf("Attendance service shutdown complete")
	return errors.Join(errs...)
}

// Addr returns the bound listen address, or the configured one before Start
func (app *Application) Addr() string {
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}

// Handler returns the HTTP handler, for tests and embedding
func (app *Application) Handler() http.Handler {
	return app.apiServer
}

// Registry exposes the attendance registry
func (app *Application) Registry() *attendance.Manager {
	return app.registry
}
