package scanner

import (
	"context"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"presence/internal/metrics"
	"presence/pkg/interfaces"
	"presence/pkg/types"
)

// Registry is the part of the attendance registry the loop drives
type Registry interface {
	ScanInterval() int
	BlacklistSet() map[string]struct{}
	ReconcileAll(seen map[string]struct{}) bool
	IsAssigned(deviceID string) bool
	SetScanning(running bool)
}

// LoopOptions configures a Loop
type LoopOptions struct {
	SignalFloor *int          // dBm; weaker devices are ignored. nil means -70.
	StopTimeout time.Duration // how long Stop waits for the cycle in flight
	Metrics     *metrics.Metrics
	Now         func() time.Time
}

// CycleResult summarizes one reconciliation cycle
type CycleResult struct {
	ID              string
	Devices         int
	Changed         bool
	DiscoveryFailed bool
	Elapsed         time.Duration
}

// Loop polls a device source and applies each snapshot to the registry
// ARCHITECTURAL DISCOVERY: Discovery runs outside the registry lock; only the
// filtered snapshot is applied under it, so a slow radio never stalls queries
type Loop struct {
	source   interfaces.DeviceSource
	registry Registry
	metrics  *metrics.Metrics
	now      func() time.Time

	signalFloor atomic.Int64
	stopTimeout time.Duration

	// Lifecycle
	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	// Devices visible in the last cycle
	detectedMu sync.RWMutex
	detected   map[string]*types.DetectedDevice
}

// NewLoop creates a stopped loop
func NewLoop(source interfaces.DeviceSource, registry Registry, opts LoopOptions) *Loop {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	stopTimeout := opts.StopTimeout
	if stopTimeout <= 0 {
		stopTimeout = 5 * time.Second
	}
	floor := types.DefaultSignalFloor
	if opts.SignalFloor != nil {
		floor = *opts.SignalFloor
	}

	l := &Loop{
		source:      source,
		registry:    registry,
		metrics:     opts.Metrics,
		now:         now,
		stopTimeout: stopTimeout,
		detected:    make(map[string]*types.DetectedDevice),
	}
	l.signalFloor.Store(int64(floor))
	return l
}

// Start launches the background loop. Calling it while running is a no-op.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running {
		log.Printf("Scan loop already running")
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	l.running = true
	l.registry.SetScanning(true)

	go l.run(loopCtx, l.done)
	log.Printf("Scan loop started (interval %ds, floor %d dBm)", l.registry.ScanInterval(), l.SignalFloor())
}

// Stop cancels the loop and waits for the cycle in flight to finish. It
// returns ErrStopTimeout if the loop does not exit within the stop timeout.
func (l *Loop) Stop() error {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return nil
	}
	l.running = false
	cancel, done := l.cancel, l.done
	l.mu.Unlock()

	cancel()
	select {
	case <-done:
		log.Printf("Scan loop stopped")
		return nil
	case <-time.After(l.stopTimeout):
		log.Printf("warning: scan loop did not exit within %v", l.stopTimeout)
		// The stuck cycle is cancelled and will not reconcile, so the registry
		// stops reporting a scan unless a new run has already started
		l.mu.Lock()
		if l.done == done {
			l.registry.SetScanning(false)
		}
		l.mu.Unlock()
		return ErrStopTimeout
	}
}

// Running reports whether the loop is active
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// SetSignalFloor changes the minimum signal strength in dBm
func (l *Loop) SetSignalFloor(dBm int) {
	l.signalFloor.Store(int64(dBm))
	log.Printf("Signal floor set to %d dBm", dBm)
}

// SignalFloor returns the minimum signal strength in dBm
func (l *Loop) SignalFloor() int {
	return int(l.signalFloor.Load())
}

func (l *Loop) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	// TECHNICAL DISCOVERY: A run abandoned by a timed-out Stop may exit after a
	// newer run started; only the current run owns the running and scanning
	// flags. A cancelled parent context ends the run without Stop.
	defer func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.done == done {
			l.running = false
			l.registry.SetScanning(false)
		}
	}()

	for {
		result := l.RunCycle(ctx)
		if ctx.Err() != nil {
			return
		}

		// FUNCTIONAL DISCOVERY: The interval is re-read every cycle so a change
		// takes effect without restarting the loop
		interval := time.Duration(l.registry.ScanInterval()) * time.Second
		timer := time.NewTimer(cycleWait(interval, result.Elapsed))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// cycleWait is the pause before the next cycle: max(0, interval - elapsed)
func cycleWait(interval, elapsed time.Duration) time.Duration {
	if wait := interval - elapsed; wait > 0 {
		return wait
	}
	return 0
}

// RunCycle performs one discovery and reconciliation pass
func (l *Loop) RunCycle(ctx context.Context) CycleResult {
	start := l.now()
	result := CycleResult{ID: uuid.NewString()}

	interval := l.registry.ScanInterval()
	if interval <= 0 {
		interval = types.DefaultScanInterval
	}
	timeout := time.Duration(interval) * time.Second

	discoverCtx, cancel := context.WithTimeout(ctx, timeout)
	devices, err := l.source.Discover(discoverCtx, timeout)
	cancel()

	// A stop request during discovery must not be read as "everyone left"
	if ctx.Err() != nil {
		result.Elapsed = l.now().Sub(start)
		return result
	}
	if err != nil {
		log.Printf("warning: scan cycle %s: discovery failed, treating as empty: %v", result.ID, err)
		result.DiscoveryFailed = true
		devices = nil
	}

	filtered := l.filter(devices)
	l.remember(filtered, start)

	seen := make(map[string]struct{}, len(filtered))
	for _, d := range filtered {
		seen[d.ID] = struct{}{}
	}
	result.Devices = len(seen)
	result.Changed = l.registry.ReconcileAll(seen)
	result.Elapsed = l.now().Sub(start)

	l.metrics.ObserveCycle(result.Elapsed, result.Devices, result.DiscoveryFailed)
	if result.Changed {
		log.Printf("Scan cycle %s: %d devices, presence changed", result.ID, result.Devices)
	}
	return result
}

// filter normalizes IDs and drops blacklisted and weak devices
func (l *Loop) filter(devices []types.Device) []types.Device {
	blacklist := l.registry.BlacklistSet()
	floor := l.SignalFloor()

	out := make([]types.Device, 0, len(devices))
	index := make(map[string]int, len(devices))
	for _, d := range devices {
		d.ID = types.NormalizeDeviceID(d.ID)
		if d.ID == "" || d.SignalStrength < floor {
			continue
		}
		if _, listed := blacklist[d.ID]; listed {
			continue
		}
		if i, dup := index[d.ID]; dup {
			if d.SignalStrength > out[i].SignalStrength {
				out[i] = d
			}
			continue
		}
		index[d.ID] = len(out)
		out = append(out, d)
	}
	return out
}

// remember replaces the detected set, keeping first-detected times of devices
// that stayed visible
func (l *Loop) remember(devices []types.Device, at time.Time) {
	l.detectedMu.Lock()
	defer l.detectedMu.Unlock()

	next := make(map[string]*types.DetectedDevice, len(devices))
	for _, d := range devices {
		first := at
		if prev, ok := l.detected[d.ID]; ok {
			first = prev.FirstDetected
		}
		next[d.ID] = &types.DetectedDevice{Device: d, FirstDetected: first, LastDetected: at}
	}
	l.detected = next
}

// DetectedDevices returns the devices seen in the last cycle, strongest first
func (l *Loop) DetectedDevices() []types.DetectedDevice {
	l.detectedMu.RLock()
	out := make([]types.DetectedDevice, 0, len(l.detected))
	for _, d := range l.detected {
		out = append(out, *d)
	}
	l.detectedMu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].SignalStrength != out[j].SignalStrength {
			return out[i].SignalStrength > out[j].SignalStrength
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// UnassignedDevices returns detected devices not bound to any student
func (l *Loop) UnassignedDevices() []types.DetectedDevice {
	detected := l.DetectedDevices()
	out := detected[:0]
	for _, d := range detected {
		if !l.registry.IsAssigned(d.ID) {
			out = append(out, d)
		}
	}
	return out
}
