package attendance

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"presence/internal/metrics"
	"presence/internal/presence"
	"presence/internal/roster"
	"presence/pkg/interfaces"
	"presence/pkg/types"
)

// DefaultClassCodes are the course prefixes accepted out of the box
var DefaultClassCodes = []string{"CSCI", "MENG", "EENG", "ENGR", "SWEN", "ISEN", "CIS"}

// Options configures a Manager
type Options struct {
	Store            interfaces.SnapshotStore       // nil keeps the registry in memory only
	Publisher        interfaces.TransitionPublisher // nil drops transitions
	Metrics          *metrics.Metrics
	ScanInterval     int
	ValidClassCodes  []string
	StrictClassCodes bool
	SaveTimeout      time.Duration
	Now              func() time.Time
}

// Manager is the thread-safe owner of the attendance registry
// ARCHITECTURAL DISCOVERY: One mutex guards roster, ledger and blacklist for
// the full duration of every call, including the snapshot write. The roster
// and ledger are lock-free, so internal calls never re-acquire the lock.
type Manager struct {
	mu        sync.Mutex
	ledger    *presence.Ledger
	blacklist map[string]struct{}

	// Read by the scanner without taking mu
	scanInterval atomic.Int64
	scanning     atomic.Bool

	store       interfaces.SnapshotStore
	publisher   interfaces.TransitionPublisher
	metrics     *metrics.Metrics
	validCodes  map[string]struct{}
	strictCodes bool
	saveTimeout time.Duration
	now         func() time.Time

	lastCycleAt  time.Time
	lastSavedAt  time.Time
	persistErr   error
	persistErrAt time.Time
}

// NewManager creates an empty registry. Call Load to restore saved state.
func NewManager(opts Options) *Manager {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	codes := opts.ValidClassCodes
	if len(codes) == 0 {
		codes = DefaultClassCodes
	}
	saveTimeout := opts.SaveTimeout
	if saveTimeout <= 0 {
		saveTimeout = 5 * time.Second
	}

	m := &Manager{
		ledger:      presence.New(roster.New(), now),
		blacklist:   make(map[string]struct{}),
		store:       opts.Store,
		publisher:   opts.Publisher,
		metrics:     opts.Metrics,
		validCodes:  make(map[string]struct{}, len(codes)),
		strictCodes: opts.StrictClassCodes,
		saveTimeout: saveTimeout,
		now:         now,
	}
	for _, code := range codes {
		m.validCodes[types.ClassCode(code)] = struct{}{}
	}

	interval := opts.ScanInterval
	if interval <= 0 {
		interval = types.DefaultScanInterval
	}
	m.scanInterval.Store(int64(interval))
	return m
}

// commitLocked persists the registry and publishes transitions. Callers hold mu.
func (m *Manager) commitLocked(transitions []types.Transition) {
	m.persistLocked()
	m.publishLocked(transitions)
}

// persistLocked writes the whole registry through to the store
// FUNCTIONAL DISCOVERY: A failed save never fails the mutation that caused
// it; the error is logged and surfaced through Status until a save succeeds
func (m *Manager) persistLocked() {
	if m.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.saveTimeout)
	defer cancel()

	snapshot := m.snapshotLocked()
	if err := m.store.SaveSnapshot(ctx, snapshot); err != nil {
		log.Printf("warning: failed to persist registry: %v", err)
		m.persistErr = err
		m.persistErrAt = m.now()
		m.metrics.PersistenceFailed()
		return
	}
	m.lastSavedAt = snapshot.SavedAt
	m.persistErr = nil
}

func (m *Manager) publishLocked(transitions []types.Transition) {
	if len(transitions) == 0 {
		return
	}
	for i := range transitions {
		if transitions[i].ID == "" {
			transitions[i].ID = uuid.NewString()
		}
	}
	m.metrics.ObserveTransitions(transitions)
	m.metrics.SetPresent(m.ledger.PresentCount())
	if m.publisher != nil {
		m.publisher.Publish(transitions)
	}
}

// Load restores the registry from the store. It never fails: a missing or
// unreadable document leaves the registry empty.
func (m *Manager) Load(ctx context.Context) {
	if m.store == nil {
		return
	}
	snapshot, err := m.store.LoadSnapshot(ctx)
	if err != nil {
		if errors.Is(err, interfaces.ErrSnapshotNotFound) {
			log.Printf("No saved registry found, starting empty")
		} else {
			log.Printf("warning: failed to load registry, starting empty: %v", err)
		}
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.restoreLocked(snapshot)
	if err := m.ledger.CheckInvariants(); err != nil {
		log.Printf("warning: restored registry is inconsistent: %v", err)
	}
	classes, students := m.ledger.Roster().Count()
	log.Printf("Loaded registry: %d classes, %d students, %d present", classes, students, m.ledger.PresentCount())
	m.metrics.SetPresent(m.ledger.PresentCount())
}

// RegisterClass creates a new, empty class
func (m *Manager) RegisterClass(classID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkClassCodeLocked(classID); err != nil {
		return err
	}
	if err := m.ledger.Roster().RegisterClass(classID); err != nil {
		return err
	}
	log.Printf("Registered class %s", classID)
	m.commitLocked(nil)
	return nil
}

func (m *Manager) checkClassCodeLocked(classID string) error {
	if err := types.ValidateClassName(classID); err != nil {
		return err
	}
	code := types.ClassCode(classID)
	if _, ok := m.validCodes[code]; ok {
		return nil
	}
	if m.strictCodes {
		return fmt.Errorf("%w: %w %q", types.ErrInvalidInput, ErrUnknownClassCode, code)
	}
	log.Printf("warning: class %s has unrecognized course code %s", classID, code)
	return nil
}

// RemoveClass deletes a class with its students, bindings and presence
func (m *Manager) RemoveClass(classID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	transitions, err := m.ledger.RemoveClass(classID)
	if err != nil {
		return err
	}
	log.Printf("Removed class %s", classID)
	m.commitLocked(transitions)
	return nil
}

// Classes returns all class IDs in sorted order
func (m *Manager) Classes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ledger.Roster().Classes()
}

// AddStudent inserts or merges a student and binds its device if one is given
func (m *Manager) AddStudent(classID string, in types.StudentInput) (types.Student, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := in.Validate(); err != nil {
		return types.Student{}, err
	}
	if !m.ledger.Roster().HasClass(classID) {
		return types.Student{}, fmt.Errorf("%w: class %q", types.ErrNotFound, classID)
	}

	student, transitions, err := m.addStudentLocked(classID, in)
	if err != nil {
		return types.Student{}, err
	}
	m.commitLocked(transitions)
	return student, nil
}

// addStudentLocked upserts one validated input. Callers hold mu.
func (m *Manager) addStudentLocked(classID string, in types.StudentInput) (types.Student, []types.Transition, error) {
	student, created, err := m.ledger.Roster().AddStudent(classID, in)
	if err != nil {
		return types.Student{}, nil, err
	}
	if created {
		log.Printf("Added student %s (%s) to class %s", student.ID, student.Name, classID)
	}
	if in.DeviceID == "" {
		return student, nil, nil
	}
	transitions, err := m.bindLocked(classID, student.ID, in.DeviceID)
	if err != nil {
		return types.Student{}, nil, err
	}
	return student, transitions, nil
}

// ImportRoster upserts a batch of students, creating the class if needed
// FUNCTIONAL DISCOVERY: Every row is validated before anything is applied so
// a bad row leaves the registry untouched
func (m *Manager) ImportRoster(classID string, students []types.StudentInput) ([]types.Student, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range students {
		if err := students[i].Validate(); err != nil {
			return nil, fmt.Errorf("row %d: %w", i+1, err)
		}
	}

	r := m.ledger.Roster()
	if !r.HasClass(classID) {
		if err := m.checkClassCodeLocked(classID); err != nil {
			return nil, err
		}
		if err := r.RegisterClass(classID); err != nil {
			return nil, err
		}
		log.Printf("Registered class %s from roster import", classID)
	}

	imported := make([]types.Student, 0, len(students))
	var transitions []types.Transition
	for _, in := range students {
		student, trs, err := m.addStudentLocked(classID, in)
		if err != nil {
			// Inputs were validated above; only a binding failure reaches here
			log.Printf("warning: roster import for %s stopped at %q: %v", classID, in.Name, err)
			m.commitLocked(transitions)
			return imported, err
		}
		imported = append(imported, student)
		transitions = append(transitions, trs...)
	}
	log.Printf("Imported %d students into class %s", len(imported), classID)
	m.commitLocked(transitions)
	return imported, nil
}

// RemoveStudent deletes a student with its bindings and presence
func (m *Manager) RemoveStudent(classID, studentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	transitions, err := m.ledger.RemoveStudent(classID, studentID)
	if err != nil {
		return err
	}
	log.Printf("Removed student %s from class %s", studentID, classID)
	m.commitLocked(transitions)
	return nil
}

// GetAllStudents returns the students of a class keyed by ID
func (m *Manager) GetAllStudents(classID string) (map[string]types.Student, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ledger.Roster().Students(classID)
}

// BindDevice binds a device to a student, moving it from any other holder
func (m *Manager) BindDevice(classID, studentID, deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	transitions, err := m.bindLocked(classID, studentID, deviceID)
	if err != nil {
		return err
	}
	m.commitLocked(transitions)
	return nil
}

func (m *Manager) bindLocked(classID, studentID, deviceID string) ([]types.Transition, error) {
	transitions, previous, err := m.ledger.BindDevice(classID, studentID, deviceID)
	if err != nil {
		return nil, err
	}
	normalized := types.NormalizeDeviceID(deviceID)
	if previous != nil {
		log.Printf("Moved device %s from student %s in class %s to student %s in class %s",
			normalized, previous.StudentID, previous.ClassID, studentID, classID)
	} else {
		log.Printf("Assigned device %s to student %s in class %s", normalized, studentID, classID)
	}
	if _, listed := m.blacklist[normalized]; listed {
		delete(m.blacklist, normalized)
		log.Printf("Removed assigned device %s from blacklist", normalized)
	}
	return transitions, nil
}

// UnbindDevice removes a device from a student and clears its presence
func (m *Manager) UnbindDevice(classID, studentID, deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	transitions, err := m.ledger.UnbindDevice(classID, studentID, deviceID)
	if err != nil {
		return err
	}
	log.Printf("Unassigned device %s from student %s in class %s",
		types.NormalizeDeviceID(deviceID), studentID, classID)
	m.commitLocked(transitions)
	return nil
}

// FindHolder returns the student a device is bound to
func (m *Manager) FindHolder(deviceID string) (types.Holder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	holder, bound := m.ledger.Roster().FindHolder(deviceID)
	if !bound {
		return types.Holder{}, fmt.Errorf("%w: device %s is not assigned", types.ErrNotFound, types.NormalizeDeviceID(deviceID))
	}
	return holder, nil
}

// Devices returns the devices bound to one student
func (m *Manager) Devices(classID, studentID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ledger.Roster().Devices(classID, studentID)
}

// AssignedDevices returns every bound device across all classes
func (m *Manager) AssignedDevices() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ledger.Roster().AssignedDevices()
}

// IsAssigned reports whether a device is bound to any student
func (m *Manager) IsAssigned(deviceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, bound := m.ledger.Roster().FindHolder(deviceID)
	return bound
}

// MarkPresentManually overrides a student to present
func (m *Manager) MarkPresentManually(classID, studentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	transitions, err := m.ledger.MarkPresentManually(classID, studentID)
	if err != nil {
		return err
	}
	log.Printf("Marked student %s in class %s present manually", studentID, classID)
	m.commitLocked(transitions)
	return nil
}

// MarkAbsentManually overrides a student to absent
func (m *Manager) MarkAbsentManually(classID, studentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	transitions, err := m.ledger.MarkAbsentManually(classID, studentID)
	if err != nil {
		return err
	}
	log.Printf("Marked student %s in class %s absent manually", studentID, classID)
	m.commitLocked(transitions)
	return nil
}

// PresentStudents returns the sorted IDs of present students
func (m *Manager) PresentStudents(classID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ledger.PresentStudents(classID)
}

// AbsentStudents returns the sorted IDs of absent students
func (m *Manager) AbsentStudents(classID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ledger.AbsentStudents(classID)
}

// AttendanceDuration returns whole seconds since the student was first seen
func (m *Manager) AttendanceDuration(classID, studentID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ledger.Duration(classID, studentID)
}

// IntervalCount returns the number of scan intervals attended at the current
// scan interval
func (m *Manager) IntervalCount(classID, studentID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ledger.IntervalCount(classID, studentID, m.ScanInterval())
}

// Attendance returns the read model for every student in a class
func (m *Manager) Attendance(classID string) ([]types.AttendanceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	studentIDs, err := m.ledger.Roster().StudentIDs(classID)
	if err != nil {
		return nil, err
	}
	interval := m.ScanInterval()
	records := make([]types.AttendanceRecord, 0, len(studentIDs))
	for _, studentID := range studentIDs {
		record, err := m.ledger.Record(classID, studentID, interval)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

// ScanInterval returns the current scan interval in seconds. Safe without mu.
func (m *Manager) ScanInterval() int {
	return int(m.scanInterval.Load())
}

// SetScanInterval changes the scan interval; non-positive values are rejected
func (m *Manager) SetScanInterval(seconds int) error {
	if err := types.ValidateScanInterval(seconds); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.scanInterval.Store(int64(seconds))
	log.Printf("Scan interval set to %ds", seconds)
	m.commitLocked(nil)
	return nil
}

// Reconcile applies one snapshot of visible devices to a single class
func (m *Manager) Reconcile(classID string, seen map[string]struct{}) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	changed, transitions, err := m.ledger.Reconcile(classID, seen)
	if err != nil {
		return false, err
	}
	if changed {
		m.commitLocked(transitions)
	}
	return changed, nil
}

// ReconcileAll applies one snapshot to every class and persists once if any
// presence flag changed
func (m *Manager) ReconcileAll(seen map[string]struct{}) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	var transitions []types.Transition
	for _, classID := range m.ledger.Roster().Classes() {
		_, trs, err := m.ledger.Reconcile(classID, seen)
		if err != nil {
			log.Printf("warning: reconcile of class %s failed: %v", classID, err)
			continue
		}
		transitions = append(transitions, trs...)
	}
	m.lastCycleAt = m.now()

	if len(transitions) == 0 {
		return false
	}
	m.commitLocked(transitions)
	return true
}

// SetScanning records whether the reconciliation loop is running
func (m *Manager) SetScanning(running bool) {
	m.scanning.Store(running)
}

// Reset drops every class, binding, presence record and blacklist entry and
// persists the empty registry. The scan interval is kept.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	var transitions []types.Transition
	for _, classID := range m.ledger.Roster().Classes() {
		trs, err := m.ledger.RemoveClass(classID)
		if err == nil {
			transitions = append(transitions, trs...)
		}
	}
	m.ledger.Roster().Reset()
	m.ledger.Reset()
	m.blacklist = make(map[string]struct{})
	log.Printf("Registry reset")
	m.commitLocked(transitions)
}

// Status reports registry counts and the health of its collaborators
func (m *Manager) Status() types.Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	classes, students := m.ledger.Roster().Count()
	status := types.Status{
		Classes:      classes,
		Students:     students,
		Present:      m.ledger.PresentCount(),
		ScanInterval: m.ScanInterval(),
		Scanning:     m.scanning.Load(),
		LastCycleAt:  timePtr(m.lastCycleAt),
		LastSavedAt:  timePtr(m.lastSavedAt),
	}
	if m.persistErr != nil {
		status.PersistenceError = m.persistErr.Error()
		status.PersistenceErrAt = timePtr(m.persistErrAt)
	}
	return status
}

// CheckInvariants verifies binding uniqueness and presence coupling
func (m *Manager) CheckInvariants() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]types.Holder)
	r := m.ledger.Roster()
	for _, classID := range r.Classes() {
		studentIDs, _ := r.StudentIDs(classID)
		for _, studentID := range studentIDs {
			devices, _ := r.Devices(classID, studentID)
			for _, deviceID := range devices {
				holder := types.Holder{ClassID: classID, StudentID: studentID}
				if other, dup := seen[deviceID]; dup {
					return fmt.Errorf("device %s bound to %+v and %+v", deviceID, other, holder)
				}
				seen[deviceID] = holder
			}
		}
	}
	return m.ledger.CheckInvariants()
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
