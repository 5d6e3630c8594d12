package presence

import (
	"fmt"
	"sort"
	"time"

	"presence/internal/roster"
	"presence/pkg/types"
)

// Ledger tracks presence state and first-seen timestamps per student
// ARCHITECTURAL DISCOVERY: Built on the roster and, like it, unlocked. Every
// roster mutation with presence side effects goes through the ledger so the
// cascade happens in one call under the caller's lock.
type Ledger struct {
	roster  *roster.Roster
	records map[types.Holder]*record
	now     func() time.Time
}

// record exists only for students that are present or under override.
// Invariant: state.Present() == !firstSeenAt.IsZero()
type record struct {
	state       types.State
	firstSeenAt time.Time
}

// New creates a ledger over r. A nil clock uses time.Now.
func New(r *roster.Roster, now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{
		roster:  r,
		records: make(map[types.Holder]*record),
		now:     now,
	}
}

// Roster exposes the underlying roster for pure roster reads and writes
func (l *Ledger) Roster() *roster.Roster {
	return l.roster
}

// Now returns the ledger clock reading
func (l *Ledger) Now() time.Time {
	return l.now()
}

func (l *Ledger) stateOf(h types.Holder) types.State {
	if rec, exists := l.records[h]; exists {
		return rec.state
	}
	return types.StateAbsent
}

// setState moves a student to state and reports a transition when the
// present flag flipped. keepClock preserves an existing first-seen time.
func (l *Ledger) setState(h types.Holder, state types.State, at time.Time, keepClock bool, cause types.Cause) (types.Transition, bool) {
	before := l.stateOf(h)

	switch {
	case state == types.StateAbsent:
		delete(l.records, h)
	case !state.Present():
		l.records[h] = &record{state: state}
	default:
		rec, exists := l.records[h]
		if !exists || !keepClock || rec.firstSeenAt.IsZero() {
			l.records[h] = &record{state: state, firstSeenAt: at}
		} else {
			rec.state = state
		}
	}

	if before.Present() == state.Present() {
		return types.Transition{}, false
	}
	return types.Transition{
		ClassID:   h.ClassID,
		StudentID: h.StudentID,
		Present:   state.Present(),
		Cause:     cause,
		At:        at,
	}, true
}

// MarkPresentManually sets PresentManual with a fresh first-seen time
func (l *Ledger) MarkPresentManually(classID, studentID string) ([]types.Transition, error) {
	if _, err := l.roster.Student(classID, studentID); err != nil {
		return nil, err
	}
	h := types.Holder{ClassID: classID, StudentID: studentID}
	if tr, changed := l.setState(h, types.StatePresentManual, l.now(), false, types.CauseManual); changed {
		return []types.Transition{tr}, nil
	}
	return nil, nil
}

// MarkAbsentManually sets AbsentManual and clears the first-seen time
func (l *Ledger) MarkAbsentManually(classID, studentID string) ([]types.Transition, error) {
	if _, err := l.roster.Student(classID, studentID); err != nil {
		return nil, err
	}
	h := types.Holder{ClassID: classID, StudentID: studentID}
	if tr, changed := l.setState(h, types.StateAbsentManual, l.now(), false, types.CauseManual); changed {
		return []types.Transition{tr}, nil
	}
	return nil, nil
}

// clearForBindingChange resets a student whose device evidence changed.
// Manual states collapse to Absent; automatic presence is kept until the next
// cycle re-evaluates it, unless dropPresence is set.
func (l *Ledger) clearForBindingChange(h types.Holder, dropPresence bool) []types.Transition {
	state := l.stateOf(h)
	if !dropPresence && !state.Manual() {
		return nil
	}
	if tr, changed := l.setState(h, types.StateAbsent, l.now(), false, types.CauseBinding); changed {
		return []types.Transition{tr}
	}
	return nil
}

// BindDevice binds a device and applies the presence side effects: the
// previous holder loses presence and override, the new holder loses override.
func (l *Ledger) BindDevice(classID, studentID, deviceID string) ([]types.Transition, *types.Holder, error) {
	previous, err := l.roster.BindDevice(classID, studentID, deviceID)
	if err != nil {
		return nil, nil, err
	}

	var transitions []types.Transition
	if previous != nil {
		transitions = append(transitions, l.clearForBindingChange(*previous, true)...)
	}
	transitions = append(transitions,
		l.clearForBindingChange(types.Holder{ClassID: classID, StudentID: studentID}, false)...)
	return transitions, previous, nil
}

// UnbindDevice removes a binding and clears the student's presence
func (l *Ledger) UnbindDevice(classID, studentID, deviceID string) ([]types.Transition, error) {
	if err := l.roster.UnbindDevice(classID, studentID, deviceID); err != nil {
		return nil, err
	}
	return l.clearForBindingChange(types.Holder{ClassID: classID, StudentID: studentID}, true), nil
}

// RemoveStudent removes the student, its bindings and its presence record.
// FUNCTIONAL DISCOVERY: Removal always yields a CauseRemoval transition, even
// for an absent student, because student IDs are reused and the history
// recorder purges the old holder's rows when it sees one.
func (l *Ledger) RemoveStudent(classID, studentID string) ([]types.Transition, error) {
	if err := l.roster.RemoveStudent(classID, studentID); err != nil {
		return nil, err
	}
	h := types.Holder{ClassID: classID, StudentID: studentID}
	delete(l.records, h)
	return []types.Transition{removal(h, l.now())}, nil
}

// RemoveClass removes the class and every presence record in it
func (l *Ledger) RemoveClass(classID string) ([]types.Transition, error) {
	removed, err := l.roster.RemoveClass(classID)
	if err != nil {
		return nil, err
	}
	transitions := make([]types.Transition, 0, len(removed))
	at := l.now()
	for _, studentID := range removed {
		h := types.Holder{ClassID: classID, StudentID: studentID}
		delete(l.records, h)
		transitions = append(transitions, removal(h, at))
	}
	return transitions, nil
}

func removal(h types.Holder, at time.Time) types.Transition {
	return types.Transition{
		ClassID: h.ClassID, StudentID: h.StudentID, Present: false, Cause: types.CauseRemoval, At: at,
	}
}

// Reconcile applies one snapshot of visible device IDs to a class and reports
// whether any present flag changed.
// FUNCTIONAL DISCOVERY: Students under manual override are skipped entirely;
// a continuously present student keeps its original first-seen time.
func (l *Ledger) Reconcile(classID string, seen map[string]struct{}) (bool, []types.Transition, error) {
	studentIDs, err := l.roster.StudentIDs(classID)
	if err != nil {
		return false, nil, err
	}

	at := l.now()
	var transitions []types.Transition
	for _, studentID := range studentIDs {
		h := types.Holder{ClassID: classID, StudentID: studentID}
		state := l.stateOf(h)
		if state.Manual() {
			continue
		}

		target := types.StateAbsent
		if l.roster.HasAnyDevice(classID, studentID, seen) {
			target = types.StatePresentAutomatic
		}
		if target == state {
			continue
		}
		if tr, changed := l.setState(h, target, at, true, types.CauseScan); changed {
			transitions = append(transitions, tr)
		}
	}
	return len(transitions) > 0, transitions, nil
}

// State returns a student's state and first-seen time
func (l *Ledger) State(classID, studentID string) (types.State, *time.Time, error) {
	if _, err := l.roster.Student(classID, studentID); err != nil {
		return types.StateAbsent, nil, err
	}
	rec, exists := l.records[types.Holder{ClassID: classID, StudentID: studentID}]
	if !exists {
		return types.StateAbsent, nil, nil
	}
	if rec.firstSeenAt.IsZero() {
		return rec.state, nil, nil
	}
	seen := rec.firstSeenAt
	return rec.state, &seen, nil
}

// PresentStudents returns the sorted IDs of present students
func (l *Ledger) PresentStudents(classID string) ([]string, error) {
	return l.filterStudents(classID, true)
}

// AbsentStudents returns the sorted IDs of absent students
func (l *Ledger) AbsentStudents(classID string) ([]string, error) {
	return l.filterStudents(classID, false)
}

func (l *Ledger) filterStudents(classID string, present bool) ([]string, error) {
	studentIDs, err := l.roster.StudentIDs(classID)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(studentIDs))
	for _, studentID := range studentIDs {
		if l.stateOf(types.Holder{ClassID: classID, StudentID: studentID}).Present() == present {
			out = append(out, studentID)
		}
	}
	return out, nil
}

// PresentCount returns the number of present students across all classes
func (l *Ledger) PresentCount() int {
	count := 0
	for _, rec := range l.records {
		if rec.state.Present() {
			count++
		}
	}
	return count
}

// Duration returns whole elapsed seconds since first seen, 0 when absent
func (l *Ledger) Duration(classID, studentID string) (int64, error) {
	state, firstSeen, err := l.State(classID, studentID)
	if err != nil {
		return 0, err
	}
	if !state.Present() || firstSeen == nil {
		return 0, nil
	}
	elapsed := int64(l.now().Sub(*firstSeen) / time.Second)
	if elapsed < 0 {
		return 0, nil
	}
	return elapsed, nil
}

// IntervalCount returns max(1, elapsed/interval) for present students, else 0
// FUNCTIONAL DISCOVERY: The floor of 1 keeps a student detected moments ago
// from showing "0 scans attended"
func (l *Ledger) IntervalCount(classID, studentID string, intervalSeconds int) (int64, error) {
	if err := types.ValidateScanInterval(intervalSeconds); err != nil {
		return 0, err
	}
	state, _, err := l.State(classID, studentID)
	if err != nil {
		return 0, err
	}
	if !state.Present() {
		return 0, nil
	}
	elapsed, err := l.Duration(classID, studentID)
	if err != nil {
		return 0, err
	}
	count := elapsed / int64(intervalSeconds)
	if count < 1 {
		count = 1
	}
	return count, nil
}

// Record builds the attendance read model for one student
func (l *Ledger) Record(classID, studentID string, intervalSeconds int) (types.AttendanceRecord, error) {
	student, err := l.roster.Student(classID, studentID)
	if err != nil {
		return types.AttendanceRecord{}, err
	}
	state, firstSeen, _ := l.State(classID, studentID)
	duration, _ := l.Duration(classID, studentID)
	count, err := l.IntervalCount(classID, studentID, intervalSeconds)
	if err != nil {
		return types.AttendanceRecord{}, err
	}
	devices, _ := l.roster.Devices(classID, studentID)

	return types.AttendanceRecord{
		Student:         student,
		State:           state,
		Present:         state.Present(),
		ManualOverride:  state.Manual(),
		FirstSeenAt:     firstSeen,
		DurationSeconds: duration,
		IntervalCount:   count,
		Devices:         devices,
	}, nil
}

// Restore loads a persisted presence record, repairing the present/timestamp
// coupling if the stored document broke it
func (l *Ledger) Restore(classID, studentID string, state types.State, firstSeenAt *time.Time) error {
	if _, err := l.roster.Student(classID, studentID); err != nil {
		return err
	}
	h := types.Holder{ClassID: classID, StudentID: studentID}
	switch {
	case state == types.StateAbsent:
		delete(l.records, h)
	case !state.Present():
		l.records[h] = &record{state: state}
	case firstSeenAt == nil || firstSeenAt.IsZero():
		l.records[h] = &record{state: state, firstSeenAt: l.now()}
	default:
		l.records[h] = &record{state: state, firstSeenAt: *firstSeenAt}
	}
	return nil
}

// Reset drops every presence record
func (l *Ledger) Reset() {
	l.records = make(map[types.Holder]*record)
}

// CheckInvariants verifies presence/timestamp coupling and that no record
// points at a removed student
func (l *Ledger) CheckInvariants() error {
	holders := make([]types.Holder, 0, len(l.records))
	for h := range l.records {
		holders = append(holders, h)
	}
	sort.Slice(holders, func(i, j int) bool {
		if holders[i].ClassID != holders[j].ClassID {
			return holders[i].ClassID < holders[j].ClassID
		}
		return holders[i].StudentID < holders[j].StudentID
	})

	for _, h := range holders {
		rec := l.records[h]
		if rec.state.Present() == rec.firstSeenAt.IsZero() {
			return fmt.Errorf("student %q in class %q: state %s with first-seen %v",
				h.StudentID, h.ClassID, rec.state, rec.firstSeenAt)
		}
		if _, err := l.roster.Student(h.ClassID, h.StudentID); err != nil {
			return fmt.Errorf("orphan presence record: %w", err)
		}
	}
	return nil
}
