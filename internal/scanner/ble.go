package scanner

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"

	"presence/pkg/types"
)

// BLESource discovers nearby devices with the host bluetooth adapter
// TECHNICAL DISCOVERY: Adapter.Scan blocks until StopScan, so the timeout is
// enforced by a watcher goroutine that stops the scan when ctx expires
type BLESource struct {
	adapter *bluetooth.Adapter

	mu      sync.Mutex // one scan at a time
	enabled bool
}

// NewBLESource uses the default system adapter
func NewBLESource() *BLESource {
	return &BLESource{adapter: bluetooth.DefaultAdapter}
}

// Discover scans for at most timeout and returns each device once with its
// strongest reading
func (s *BLESource) Discover(ctx context.Context, timeout time.Duration) ([]types.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.enabled {
		if err := s.adapter.Enable(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrAdapterUnavailable, err)
		}
		s.enabled = true
		log.Printf("Bluetooth adapter enabled")
	}

	scanCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		foundMu sync.Mutex
		found   = make(map[string]types.Device)
	)

	go func() {
		<-scanCtx.Done()
		if err := s.adapter.StopScan(); err != nil {
			log.Printf("warning: failed to stop bluetooth scan: %v", err)
		}
	}()

	err := s.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		device := types.Device{
			ID:             types.NormalizeDeviceID(result.Address.String()),
			DisplayName:    result.LocalName(),
			SignalStrength: int(result.RSSI),
		}
		foundMu.Lock()
		defer foundMu.Unlock()
		if prev, seen := found[device.ID]; seen {
			if prev.SignalStrength >= device.SignalStrength {
				return
			}
			if device.DisplayName == "" {
				device.DisplayName = prev.DisplayName
			}
		}
		found[device.ID] = device
	})
	if err != nil {
		return nil, fmt.Errorf("bluetooth scan failed: %w", err)
	}

	foundMu.Lock()
	defer foundMu.Unlock()
	devices := make([]types.Device, 0, len(found))
	for _, d := range found {
		devices = append(devices, d)
	}
	return devices, nil
}
