package attendance

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"presence/pkg/interfaces"
	"presence/pkg/types"
)

// Mock implementations for testing

type mockStore struct {
	mu       sync.Mutex
	saved    *types.Snapshot
	saves    int
	failSave error
	loadErr  error
}

func (s *mockStore) SaveSnapshot(ctx context.Context, snapshot *types.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	if s.failSave != nil {
		return s.failSave
	}
	s.saved = snapshot
	return nil
}

func (s *mockStore) LoadSnapshot(ctx context.Context) (*types.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	if s.saved == nil {
		return nil, interfaces.ErrSnapshotNotFound
	}
	return s.saved, nil
}

func (s *mockStore) HealthCheck(ctx context.Context) error { return nil }
func (s *mockStore) Close() error                          { return nil }

func (s *mockStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

type mockPublisher struct {
	mu          sync.Mutex
	transitions []types.Transition
}

func (p *mockPublisher) Publish(transitions []types.Transition) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transitions = append(p.transitions, transitions...)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	manager   *Manager
	store     *mockStore
	publisher *mockPublisher
	clock     *fakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:     &mockStore{},
		publisher: &mockPublisher{},
		clock:     &fakeClock{now: time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC)},
	}
	f.manager = NewManager(Options{
		Store:        f.store,
		Publisher:    f.publisher,
		ScanInterval: 10,
		Now:          f.clock.Now,
	})
	return f
}

func (f *fixture) mustRegister(t *testing.T, classIDs ...string) {
	t.Helper()
	for _, classID := range classIDs {
		if err := f.manager.RegisterClass(classID); err != nil {
			t.Fatalf("RegisterClass(%s) failed: %v", classID, err)
		}
	}
}

func (f *fixture) mustAdd(t *testing.T, classID, name string) string {
	t.Helper()
	s, err := f.manager.AddStudent(classID, types.StudentInput{Name: name})
	if err != nil {
		t.Fatalf("AddStudent(%s) failed: %v", name, err)
	}
	return s.ID
}

func seen(ids ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		out[types.NormalizeDeviceID(id)] = struct{}{}
	}
	return out
}

// Functional Validation Tests - Classroom walkthrough

func TestManager_ClassroomWalkthrough(t *testing.T) {
	f := newFixture(t)
	m := f.manager
	const device = "AA:BB:CC:DD:EE:FF"

	// Scenario 1: register and auto-assign an ID
	f.mustRegister(t, "CSCI-101")
	ada := f.mustAdd(t, "CSCI-101", "Ada")
	students, err := m.GetAllStudents("CSCI-101")
	if err != nil {
		t.Fatalf("GetAllStudents failed: %v", err)
	}
	if ada != "1" || len(students) != 1 || students["1"].Name != "Ada" {
		t.Fatalf("Unexpected roster: id=%s students=%+v", ada, students)
	}

	// Scenario 2: detection
	if err := m.BindDevice("CSCI-101", ada, device); err != nil {
		t.Fatalf("BindDevice failed: %v", err)
	}
	if changed, _ := m.Reconcile("CSCI-101", seen(device)); !changed {
		t.Error("Detection should report a change")
	}
	present, _ := m.PresentStudents("CSCI-101")
	if !reflect.DeepEqual(present, []string{ada}) {
		t.Errorf("PresentStudents = %v, want [%s]", present, ada)
	}

	// Scenario 3: device vanished
	m.Reconcile("CSCI-101", seen())
	present, _ = m.PresentStudents("CSCI-101")
	if len(present) != 0 {
		t.Errorf("Expected no present students, got %v", present)
	}

	// Scenario 4: manual override survives an empty snapshot
	if err := m.MarkPresentManually("CSCI-101", ada); err != nil {
		t.Fatalf("MarkPresentManually failed: %v", err)
	}
	m.Reconcile("CSCI-101", seen())
	present, _ = m.PresentStudents("CSCI-101")
	if !reflect.DeepEqual(present, []string{ada}) {
		t.Errorf("Manual presence should be sticky, got %v", present)
	}

	// Scenario 5: the device moves to another class
	f.mustRegister(t, "MENG-200")
	f.mustAdd(t, "MENG-200", "Placeholder")
	grace := f.mustAdd(t, "MENG-200", "Grace")
	if err := m.BindDevice("MENG-200", grace, device); err != nil {
		t.Fatalf("Rebind failed: %v", err)
	}
	holder, err := m.FindHolder(device)
	if err != nil || holder != (types.Holder{ClassID: "MENG-200", StudentID: grace}) {
		t.Errorf("Expected Grace to hold the device, got %+v err=%v", holder, err)
	}
	present, _ = m.PresentStudents("CSCI-101")
	if len(present) != 0 {
		t.Errorf("Previous holder should be absent, got %v", present)
	}
	m.Reconcile("CSCI-101", seen())
	if present, _ := m.PresentStudents("CSCI-101"); len(present) != 0 {
		t.Errorf("Override should be cleared on the previous holder, got %v", present)
	}

	// Scenario 6: zero interval rejected
	if err := m.SetScanInterval(0); !errors.Is(err, types.ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput, got %v", err)
	}
	if m.ScanInterval() != 10 {
		t.Errorf("Interval changed to %d after rejection", m.ScanInterval())
	}

	if err := m.CheckInvariants(); err != nil {
		t.Errorf("Invariant violated: %v", err)
	}
}

// Functional Validation Tests - Validation errors leave state unchanged

func TestManager_ValidationErrors(t *testing.T) {
	f := newFixture(t)
	f.mustRegister(t, "CSCI-101")
	before := f.store.saveCount()

	tests := []struct {
		name    string
		call    func() error
		wantErr error
	}{
		{"duplicate class", func() error { return f.manager.RegisterClass("CSCI-101") }, types.ErrDuplicateClass},
		{"empty class", func() error { return f.manager.RegisterClass("") }, types.ErrInvalidInput},
		{"missing class", func() error { return f.manager.RemoveClass("EENG-9") }, types.ErrNotFound},
		{"missing name", func() error {
			_, err := f.manager.AddStudent("CSCI-101", types.StudentInput{})
			return err
		}, types.ErrInvalidInput},
		{"student in missing class", func() error {
			_, err := f.manager.AddStudent("EENG-9", types.StudentInput{Name: "Ada"})
			return err
		}, types.ErrNotFound},
		{"bind missing student", func() error { return f.manager.BindDevice("CSCI-101", "7", "AA:BB") }, types.ErrNotFound},
		{"unbind unbound", func() error { return f.manager.UnbindDevice("CSCI-101", "7", "AA:BB") }, types.ErrNotFound},
		{"mark missing student", func() error { return f.manager.MarkPresentManually("CSCI-101", "7") }, types.ErrNotFound},
		{"unblacklist unknown", func() error { return f.manager.UnblacklistDevice("AA:BB") }, types.ErrNotFound},
		{"blacklist empty", func() error { return f.manager.BlacklistDevice(" ") }, types.ErrInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.call(); !errors.Is(err, tt.wantErr) {
				t.Errorf("Expected %v, got %v", tt.wantErr, err)
			}
		})
	}

	if f.store.saveCount() != before {
		t.Errorf("Failed calls should not persist, saves went from %d to %d", before, f.store.saveCount())
	}
}

// Functional Validation Tests - Persistence

func TestManager_WriteThroughOnEveryMutation(t *testing.T) {
	f := newFixture(t)
	f.mustRegister(t, "CSCI-101")
	id := f.mustAdd(t, "CSCI-101", "Ada")
	if err := f.manager.BindDevice("CSCI-101", id, "AA:BB"); err != nil {
		t.Fatalf("BindDevice failed: %v", err)
	}
	if err := f.manager.SetScanInterval(20); err != nil {
		t.Fatalf("SetScanInterval failed: %v", err)
	}

	if got := f.store.saveCount(); got != 4 {
		t.Errorf("Expected 4 saves, got %d", got)
	}
	if f.store.saved.ScanInterval != 20 {
		t.Errorf("Last save should carry the new interval, got %d", f.store.saved.ScanInterval)
	}
}

func TestManager_ReconcileSavesOnlyOnChange(t *testing.T) {
	f := newFixture(t)
	f.mustRegister(t, "CSCI-101")
	id := f.mustAdd(t, "CSCI-101", "Ada")
	if err := f.manager.BindDevice("CSCI-101", id, "AA:BB"); err != nil {
		t.Fatalf("BindDevice failed: %v", err)
	}
	before := f.store.saveCount()

	if !f.manager.ReconcileAll(seen("AA:BB")) {
		t.Error("First detection should change presence")
	}
	if f.manager.ReconcileAll(seen("AA:BB")) {
		t.Error("Repeated detection should not change presence")
	}
	if got := f.store.saveCount() - before; got != 1 {
		t.Errorf("Expected 1 save across two cycles, got %d", got)
	}
	if f.manager.Status().LastCycleAt == nil {
		t.Error("Status should record the last cycle time")
	}
}

func TestManager_PersistenceErrorIsNotPropagated(t *testing.T) {
	f := newFixture(t)
	f.store.failSave = errors.New("disk full")

	if err := f.manager.RegisterClass("CSCI-101"); err != nil {
		t.Fatalf("Mutation should succeed despite save failure: %v", err)
	}
	if classes := f.manager.Classes(); !reflect.DeepEqual(classes, []string{"CSCI-101"}) {
		t.Errorf("In-memory change should stand, got %v", classes)
	}

	status := f.manager.Status()
	if status.PersistenceError == "" || status.PersistenceErrAt == nil {
		t.Errorf("Status should expose the persistence error: %+v", status)
	}

	f.store.failSave = nil
	if err := f.manager.RegisterClass("MENG-200"); err != nil {
		t.Fatalf("RegisterClass failed: %v", err)
	}
	if f.manager.Status().PersistenceError != "" {
		t.Error("A successful save should clear the persistence error")
	}
}

func TestManager_SaveLoadRoundTrip(t *testing.T) {
	f := newFixture(t)
	m := f.manager
	f.mustRegister(t, "CSCI-101", "MENG-200")
	ada := f.mustAdd(t, "CSCI-101", "Ada")
	grace := f.mustAdd(t, "CSCI-101", "Grace")
	linus := f.mustAdd(t, "MENG-200", "Linus")
	if err := m.BindDevice("CSCI-101", ada, "aa:bb"); err != nil {
		t.Fatalf("BindDevice failed: %v", err)
	}
	m.ReconcileAll(seen("AA:BB"))
	if err := m.MarkPresentManually("MENG-200", linus); err != nil {
		t.Fatalf("MarkPresentManually failed: %v", err)
	}
	if err := m.MarkAbsentManually("CSCI-101", grace); err != nil {
		t.Fatalf("MarkAbsentManually failed: %v", err)
	}
	if err := m.BlacklistDevice("11:22"); err != nil {
		t.Fatalf("BlacklistDevice failed: %v", err)
	}
	if err := m.SetScanInterval(15); err != nil {
		t.Fatalf("SetScanInterval failed: %v", err)
	}

	restored := NewManager(Options{Store: f.store, Now: f.clock.Now})
	restored.Load(context.Background())

	if !reflect.DeepEqual(restored.Snapshot().Classes, m.Snapshot().Classes) {
		t.Errorf("Classes differ after round trip:\n got %+v\nwant %+v", restored.Snapshot().Classes, m.Snapshot().Classes)
	}
	if restored.ScanInterval() != 15 {
		t.Errorf("Scan interval = %d, want 15", restored.ScanInterval())
	}
	if !reflect.DeepEqual(restored.Blacklist(), []string{"11:22"}) {
		t.Errorf("Blacklist = %v", restored.Blacklist())
	}

	// Overrides survive the restart
	restored.ReconcileAll(seen())
	present, _ := restored.PresentStudents("MENG-200")
	if !reflect.DeepEqual(present, []string{linus}) {
		t.Errorf("Manual presence lost after restart: %v", present)
	}
	if err := restored.CheckInvariants(); err != nil {
		t.Errorf("Invariant violated after load: %v", err)
	}
}

func TestManager_LoadNeverFails(t *testing.T) {
	tests := []struct {
		name  string
		store *mockStore
	}{
		{"missing document", &mockStore{}},
		{"unreadable document", &mockStore{loadErr: errors.New("corrupt")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(Options{Store: tt.store})
			m.Load(context.Background())
			if len(m.Classes()) != 0 {
				t.Errorf("Expected empty registry, got %v", m.Classes())
			}
			if m.ScanInterval() != types.DefaultScanInterval {
				t.Errorf("Expected default interval, got %d", m.ScanInterval())
			}
		})
	}
}

// Functional Validation Tests - Supplemented operations

func TestManager_BindReleasesBlacklistEntry(t *testing.T) {
	f := newFixture(t)
	f.mustRegister(t, "CSCI-101")
	id := f.mustAdd(t, "CSCI-101", "Ada")

	if err := f.manager.BlacklistDevice("aa:bb"); err != nil {
		t.Fatalf("BlacklistDevice failed: %v", err)
	}
	if err := f.manager.BindDevice("CSCI-101", id, "AA:BB"); err != nil {
		t.Fatalf("BindDevice failed: %v", err)
	}
	if f.manager.IsBlacklisted("AA:BB") {
		t.Error("Assigned device should leave the blacklist")
	}
}

func TestManager_ImportBlacklist(t *testing.T) {
	f := newFixture(t)
	added := f.manager.ImportBlacklist([]string{"aa:bb", "AA:BB", "bad id", "cc:dd"})
	if added != 2 {
		t.Errorf("Expected 2 new entries, got %d", added)
	}
	if !reflect.DeepEqual(f.manager.Blacklist(), []string{"AA:BB", "CC:DD"}) {
		t.Errorf("Blacklist = %v", f.manager.Blacklist())
	}
}

func TestManager_ImportRoster(t *testing.T) {
	f := newFixture(t)

	students, err := f.manager.ImportRoster("CSCI-101", []types.StudentInput{
		{Name: "Ada", DeviceID: "aa:bb"},
		{ID: "42", Name: "Grace"},
	})
	if err != nil {
		t.Fatalf("ImportRoster failed: %v", err)
	}
	if len(students) != 2 || students[0].ID != "1" || students[1].ID != "42" {
		t.Errorf("Unexpected import result: %+v", students)
	}
	if holder, err := f.manager.FindHolder("AA:BB"); err != nil || holder.StudentID != "1" {
		t.Errorf("Imported device not bound: %+v err=%v", holder, err)
	}

	_, err = f.manager.ImportRoster("MENG-200", []types.StudentInput{{Name: "Linus"}, {Name: ""}})
	if !errors.Is(err, types.ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput for bad row, got %v", err)
	}
	if !reflect.DeepEqual(f.manager.Classes(), []string{"CSCI-101"}) {
		t.Errorf("Rejected import should not create its class, got %v", f.manager.Classes())
	}
}

func TestManager_StrictClassCodes(t *testing.T) {
	m := NewManager(Options{StrictClassCodes: true})

	if err := m.RegisterClass("HIST-101"); !errors.Is(err, ErrUnknownClassCode) || !errors.Is(err, types.ErrInvalidInput) {
		t.Errorf("Expected unknown class code rejection, got %v", err)
	}
	if err := m.RegisterClass("swen-300"); err != nil {
		t.Errorf("Lowercase known code should be accepted: %v", err)
	}

	lenient := NewManager(Options{})
	if err := lenient.RegisterClass("HIST-101"); err != nil {
		t.Errorf("Non-strict manager should accept any code: %v", err)
	}
}

func TestManager_IntervalCountFollowsScanInterval(t *testing.T) {
	f := newFixture(t)
	f.mustRegister(t, "CSCI-101")
	id := f.mustAdd(t, "CSCI-101", "Ada")

	if err := f.manager.MarkPresentManually("CSCI-101", id); err != nil {
		t.Fatalf("MarkPresentManually failed: %v", err)
	}
	if count, _ := f.manager.IntervalCount("CSCI-101", id); count != 1 {
		t.Errorf("Count right after marking = %d, want 1", count)
	}

	f.clock.Advance(60 * time.Second)
	if count, _ := f.manager.IntervalCount("CSCI-101", id); count != 6 {
		t.Errorf("Count at 10s interval = %d, want 6", count)
	}
	if err := f.manager.SetScanInterval(20); err != nil {
		t.Fatalf("SetScanInterval failed: %v", err)
	}
	if count, _ := f.manager.IntervalCount("CSCI-101", id); count != 3 {
		t.Errorf("Count at 20s interval = %d, want 3", count)
	}
	if d, _ := f.manager.AttendanceDuration("CSCI-101", id); d != 60 {
		t.Errorf("Duration = %d, want 60", d)
	}

	records, err := f.manager.Attendance("CSCI-101")
	if err != nil || len(records) != 1 || !records[0].ManualOverride {
		t.Errorf("Unexpected attendance: %+v err=%v", records, err)
	}
}

func TestManager_PublishesTransitionsWithIDs(t *testing.T) {
	f := newFixture(t)
	f.mustRegister(t, "CSCI-101")
	id := f.mustAdd(t, "CSCI-101", "Ada")
	if err := f.manager.MarkPresentManually("CSCI-101", id); err != nil {
		t.Fatalf("MarkPresentManually failed: %v", err)
	}
	if err := f.manager.RemoveStudent("CSCI-101", id); err != nil {
		t.Fatalf("RemoveStudent failed: %v", err)
	}

	f.publisher.mu.Lock()
	defer f.publisher.mu.Unlock()
	if len(f.publisher.transitions) != 2 {
		t.Fatalf("Expected 2 transitions, got %+v", f.publisher.transitions)
	}
	for _, tr := range f.publisher.transitions {
		if tr.ID == "" {
			t.Error("Published transitions should carry an ID")
		}
	}
	if f.publisher.transitions[1].Cause != types.CauseRemoval {
		t.Errorf("Expected removal cause, got %s", f.publisher.transitions[1].Cause)
	}
}

func TestManager_ResetKeepsInterval(t *testing.T) {
	f := newFixture(t)
	f.mustRegister(t, "CSCI-101")
	f.mustAdd(t, "CSCI-101", "Ada")
	if err := f.manager.BlacklistDevice("AA:BB"); err != nil {
		t.Fatalf("BlacklistDevice failed: %v", err)
	}
	if err := f.manager.SetScanInterval(30); err != nil {
		t.Fatalf("SetScanInterval failed: %v", err)
	}

	f.manager.Reset()

	status := f.manager.Status()
	if status.Classes != 0 || status.Students != 0 || len(f.manager.Blacklist()) != 0 {
		t.Errorf("Reset left state behind: %+v", status)
	}
	if status.ScanInterval != 30 {
		t.Errorf("Reset should keep the interval, got %d", status.ScanInterval)
	}
	if len(f.store.saved.Classes) != 0 {
		t.Error("Reset should persist the empty registry")
	}
}

// Technical Validation Tests - Concurrency

func TestManager_ConcurrentBindAndReconcile(t *testing.T) {
	m := NewManager(Options{})
	for _, classID := range []string{"CSCI-101", "MENG-200"} {
		if err := m.RegisterClass(classID); err != nil {
			t.Fatalf("RegisterClass failed: %v", err)
		}
		for i := 0; i < 5; i++ {
			if _, err := m.AddStudent(classID, types.StudentInput{Name: fmt.Sprintf("S%d", i)}); err != nil {
				t.Fatalf("AddStudent failed: %v", err)
			}
		}
	}

	devices := []string{"D1", "D2", "D3"}
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				classID := []string{"CSCI-101", "MENG-200"}[(w+i)%2]
				studentID := fmt.Sprintf("%d", i%5+1)
				_ = m.BindDevice(classID, studentID, devices[i%len(devices)])
				if i%7 == 0 {
					_ = m.MarkPresentManually(classID, studentID)
				}
			}
		}(w)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			m.ReconcileAll(seen(devices[:i%len(devices)]...))
		}
	}()
	wg.Wait()

	if err := m.CheckInvariants(); err != nil {
		t.Errorf("Invariant violated under concurrency: %v", err)
	}
	if got := len(m.AssignedDevices()); got != len(devices) {
		t.Errorf("Expected %d assigned devices, got %d", len(devices), got)
	}
}
