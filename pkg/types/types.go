package types

import (
	"fmt"
	"time"
)

// ARCHITECTURAL DISCOVERY: Defaults mirror the classroom deployment the scanner
// was tuned for: a 10 second cadence and a -70 dBm floor keeps hallway
// devices out of the room.
const (
	DefaultScanInterval = 10  // seconds
	DefaultSignalFloor  = -70 // dBm
	SnapshotVersion     = 2
)

// State is the per-student presence state.
// FUNCTIONAL DISCOVERY: The manual states carry the override flag, so an
// override can only be cleared by a binding change, never by a scan.
type State int

const (
	StateAbsent State = iota
	StatePresentAutomatic
	StatePresentManual
	StateAbsentManual
)

var stateNames = map[State]string{
	StateAbsent:           "absent",
	StatePresentAutomatic: "present_automatic",
	StatePresentManual:    "present_manual",
	StateAbsentManual:     "absent_manual",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Present reports whether the state counts as attending.
func (s State) Present() bool {
	return s == StatePresentAutomatic || s == StatePresentManual
}

// Manual reports whether a human override is in effect.
func (s State) Manual() bool {
	return s == StatePresentManual || s == StateAbsentManual
}

// MarshalText encodes the state by name so persisted documents stay readable.
func (s State) MarshalText() ([]byte, error) {
	name, ok := stateNames[s]
	if !ok {
		return nil, fmt.Errorf("unknown presence state %d", int(s))
	}
	return []byte(name), nil
}

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(text []byte) error {
	for state, name := range stateNames {
		if name == string(text) {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("unknown presence state %q", string(text))
}

// Student is a roster entry. Presence lives in the ledger, not here.
type Student struct {
	ID       string `json:"student_id"`
	Name     string `json:"name"`
	Email    string `json:"email,omitempty"`
	PhotoURL string `json:"photo_url,omitempty"`
}

// StudentInput carries caller-supplied roster data for add/import.
// TECHNICAL DISCOVERY: DeviceID is optional; when present it is bound right
// after the upsert, the same way roster imports carry a known device.
type StudentInput struct {
	ID       string `json:"student_id,omitempty" validate:"omitempty,max=64"`
	Name     string `json:"name" validate:"required,max=200"`
	Email    string `json:"email,omitempty" validate:"omitempty,email"`
	PhotoURL string `json:"photo_url,omitempty" validate:"omitempty,url"`
	DeviceID string `json:"device_id,omitempty" validate:"omitempty,max=64"`
}

// Device is one entry of a discovery snapshot.
type Device struct {
	ID             string `json:"device_id"`
	DisplayName    string `json:"display_name,omitempty"`
	SignalStrength int    `json:"signal_strength"`
}

// DetectedDevice is a device remembered by the scanner between cycles.
type DetectedDevice struct {
	Device
	FirstDetected time.Time `json:"first_detected"`
	LastDetected  time.Time `json:"last_detected"`
}

// Holder identifies the student a device is bound to.
type Holder struct {
	ClassID   string `json:"class_id"`
	StudentID string `json:"student_id"`
}

// Cause explains why a presence transition happened.
type Cause string

const (
	CauseScan    Cause = "scan"
	CauseManual  Cause = "manual"
	CauseBinding Cause = "binding"
	CauseRemoval Cause = "removal"
)

// Transition records a presence flag change for one student.
type Transition struct {
	ID        string    `json:"id"`
	ClassID   string    `json:"class_id"`
	StudentID string    `json:"student_id"`
	Present   bool      `json:"present"`
	Cause     Cause     `json:"cause"`
	At        time.Time `json:"at"`
}

// AttendanceRecord is the read model handed to UI and export collaborators.
type AttendanceRecord struct {
	Student
	State           State      `json:"state"`
	Present         bool       `json:"present"`
	ManualOverride  bool       `json:"manual_override"`
	FirstSeenAt     *time.Time `json:"first_seen_at,omitempty"`
	DurationSeconds int64      `json:"duration_seconds"`
	IntervalCount   int64      `json:"interval_count"`
	Devices         []string   `json:"devices"`
}

// Snapshot is the canonical persisted registry document.
// ARCHITECTURAL DISCOVERY: Sets are stored as slices; order is irrelevant and
// the loader rebuilds the sets and the device index.
type Snapshot struct {
	Version      int                       `json:"version"`
	ScanInterval int                       `json:"scan_interval"`
	Blacklist    []string                  `json:"blacklist"`
	Classes      map[string]*ClassSnapshot `json:"classes"`
	SavedAt      time.Time                 `json:"saved_at"`
}

// ClassSnapshot holds one class's students.
type ClassSnapshot struct {
	Students map[string]*StudentSnapshot `json:"students"`
}

// StudentSnapshot is a student with its bindings and presence.
type StudentSnapshot struct {
	Student
	Devices     []string   `json:"devices"`
	State       State      `json:"state"`
	FirstSeenAt *time.Time `json:"first_seen_at,omitempty"`
}

// NewSnapshot returns an empty current-version document.
func NewSnapshot(scanInterval int) *Snapshot {
	return &Snapshot{
		Version:      SnapshotVersion,
		ScanInterval: scanInterval,
		Blacklist:    []string{},
		Classes:      make(map[string]*ClassSnapshot),
	}
}

// Status is the health view of the registry and its collaborators.
type Status struct {
	Classes          int        `json:"classes"`
	Students         int        `json:"students"`
	Present          int        `json:"present"`
	ScanInterval     int        `json:"scan_interval"`
	Scanning         bool       `json:"scanning"`
	LastCycleAt      *time.Time `json:"last_cycle_at,omitempty"`
	LastSavedAt      *time.Time `json:"last_saved_at,omitempty"`
	PersistenceError string     `json:"persistence_error,omitempty"`
	PersistenceErrAt *time.Time `json:"persistence_error_at,omitempty"`
}

// Feed event types pushed to live feed clients.
const (
	FeedEventHello      = "hello"
	FeedEventState      = "state"
	FeedEventTransition = "transition"
)

// FeedEvent is one message on the live attendance feed.
type FeedEvent struct {
	Type       string             `json:"type"`
	ClientID   string             `json:"client_id,omitempty"`
	ClassID    string             `json:"class_id,omitempty"`
	Transition *Transition        `json:"transition,omitempty"`
	Records    []AttendanceRecord `json:"records,omitempty"`
	Timestamp  time.Time          `json:"timestamp"`
}
