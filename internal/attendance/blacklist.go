package attendance

import (
	"fmt"
	"log"
	"sort"

	"presence/pkg/types"
)

// BlacklistDevice excludes a device from every scan snapshot
func (m *Manager) BlacklistDevice(deviceID string) error {
	normalized, err := types.ValidateDeviceID(deviceID)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, listed := m.blacklist[normalized]; listed {
		return nil
	}
	m.blacklist[normalized] = struct{}{}
	log.Printf("Blacklisted device %s", normalized)
	m.commitLocked(nil)
	return nil
}

// UnblacklistDevice removes a device from the blacklist
func (m *Manager) UnblacklistDevice(deviceID string) error {
	normalized, err := types.ValidateDeviceID(deviceID)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, listed := m.blacklist[normalized]; !listed {
		return fmt.Errorf("%w: %w %s", types.ErrNotFound, ErrNotBlacklisted, normalized)
	}
	delete(m.blacklist, normalized)
	log.Printf("Removed device %s from blacklist", normalized)
	m.commitLocked(nil)
	return nil
}

// ImportBlacklist adds many devices with one write and returns how many were
// new. Invalid identifiers are skipped and logged.
func (m *Manager) ImportBlacklist(deviceIDs []string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	added := 0
	for _, deviceID := range deviceIDs {
		normalized, err := types.ValidateDeviceID(deviceID)
		if err != nil {
			log.Printf("warning: skipping blacklist entry %q: %v", deviceID, err)
			continue
		}
		if _, listed := m.blacklist[normalized]; listed {
			continue
		}
		m.blacklist[normalized] = struct{}{}
		added++
	}
	if added > 0 {
		log.Printf("Imported %d blacklisted devices", added)
		m.commitLocked(nil)
	}
	return added
}

// Blacklist returns the blacklisted devices in sorted order
func (m *Manager) Blacklist() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blacklistLocked()
}

func (m *Manager) blacklistLocked() []string {
	out := make([]string, 0, len(m.blacklist))
	for deviceID := range m.blacklist {
		out = append(out, deviceID)
	}
	sort.Strings(out)
	return out
}

// IsBlacklisted reports whether a device is excluded from scans
func (m *Manager) IsBlacklisted(deviceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, listed := m.blacklist[types.NormalizeDeviceID(deviceID)]
	return listed
}

// BlacklistSet returns a copy of the blacklist for filtering a scan snapshot
func (m *Manager) BlacklistSet() map[string]struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]struct{}, len(m.blacklist))
	for deviceID := range m.blacklist {
		out[deviceID] = struct{}{}
	}
	return out
}
