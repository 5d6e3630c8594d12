package scanner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"presence/pkg/types"
)

// ReplaySource plays back recorded snapshots, one frame per Discover call,
// wrapping around at the end. It drives demos and tests without a radio.
type ReplaySource struct {
	mu     sync.Mutex
	frames [][]types.Device
	next   int
}

// NewReplaySource plays the given frames in order
func NewReplaySource(frames [][]types.Device) *ReplaySource {
	return &ReplaySource{frames: frames}
}

// LoadReplayFile reads a JSON array of frames, each an array of devices
func LoadReplayFile(path string) (*ReplaySource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read replay file: %w", err)
	}
	var frames [][]types.Device
	if err := json.Unmarshal(data, &frames); err != nil {
		return nil, fmt.Errorf("failed to parse replay file: %w", err)
	}
	if len(frames) == 0 {
		return nil, ErrNoFrames
	}
	return NewReplaySource(frames), nil
}

// Discover returns the next frame
func (s *ReplaySource) Discover(ctx context.Context, timeout time.Duration) ([]types.Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.frames) == 0 {
		return nil, nil
	}
	frame := s.frames[s.next%len(s.frames)]
	s.next++
	out := make([]types.Device, len(frame))
	copy(out, frame)
	return out, nil
}

// IdleSource never sees anything; it backs a registry run without a scanner
type IdleSource struct{}

// Discover waits out the timeout and returns no devices
func (IdleSource) Discover(ctx context.Context, timeout time.Duration) ([]types.Device, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	}
}
