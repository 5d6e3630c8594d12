package roster

import (
	"fmt"
	"sort"
	"strconv"

	"presence/pkg/types"
)

// Roster holds classes, students and device bindings
// ARCHITECTURAL DISCOVERY: Pure data structure with no locking of its own;
// the attendance manager owns the only lock and calls in while holding it
type Roster struct {
	classes map[string]*class       // classID -> class
	index   map[string]types.Holder // deviceID -> holder, the uniqueness index
}

type class struct {
	students map[string]*types.Student      // studentID -> Student
	devices  map[string]map[string]struct{} // studentID -> set of deviceIDs
}

// New creates an empty roster
func New() *Roster {
	return &Roster{
		classes: make(map[string]*class),
		index:   make(map[string]types.Holder),
	}
}

func newClass() *class {
	return &class{
		students: make(map[string]*types.Student),
		devices:  make(map[string]map[string]struct{}),
	}
}

// ensureClass makes a missing class an explicit, checked branch
func (r *Roster) ensureClass(classID string) (*class, error) {
	c, exists := r.classes[classID]
	if !exists {
		return nil, fmt.Errorf("%w: class %q", types.ErrNotFound, classID)
	}
	return c, nil
}

// ensureStudent resolves a student inside an existing class
func (r *Roster) ensureStudent(classID, studentID string) (*class, *types.Student, error) {
	c, err := r.ensureClass(classID)
	if err != nil {
		return nil, nil, err
	}
	s, exists := c.students[studentID]
	if !exists {
		return nil, nil, fmt.Errorf("%w: student %q in class %q", types.ErrNotFound, studentID, classID)
	}
	return c, s, nil
}

// RegisterClass creates a new, empty class
func (r *Roster) RegisterClass(classID string) error {
	if err := types.ValidateClassName(classID); err != nil {
		return err
	}
	if _, exists := r.classes[classID]; exists {
		return fmt.Errorf("%w: %q", types.ErrDuplicateClass, classID)
	}
	r.classes[classID] = newClass()
	return nil
}

// HasClass reports whether the class is registered
func (r *Roster) HasClass(classID string) bool {
	_, exists := r.classes[classID]
	return exists
}

// RemoveClass deletes a class with its students and bindings and returns the
// IDs of the removed students
func (r *Roster) RemoveClass(classID string) ([]string, error) {
	c, err := r.ensureClass(classID)
	if err != nil {
		return nil, err
	}

	for _, devices := range c.devices {
		for deviceID := range devices {
			delete(r.index, deviceID)
		}
	}
	removed := sortedKeys(c.students)
	delete(r.classes, classID)
	return removed, nil
}

// Classes returns all class IDs in sorted order
func (r *Roster) Classes() []string {
	return sortedKeys(r.classes)
}

// AddStudent inserts a student or merges into an existing one
// FUNCTIONAL DISCOVERY: Upsert keeps existing fields when the input leaves
// them empty, so a re-import without photos does not wipe photo URLs
func (r *Roster) AddStudent(classID string, in types.StudentInput) (types.Student, bool, error) {
	if err := in.Validate(); err != nil {
		return types.Student{}, false, err
	}
	c, err := r.ensureClass(classID)
	if err != nil {
		return types.Student{}, false, err
	}

	studentID := in.ID
	if studentID == "" {
		studentID = c.nextStudentID()
	}

	if existing, exists := c.students[studentID]; exists {
		existing.Name = in.Name
		if in.Email != "" {
			existing.Email = in.Email
		}
		if in.PhotoURL != "" {
			existing.PhotoURL = in.PhotoURL
		}
		return *existing, false, nil
	}

	student := &types.Student{
		ID:       studentID,
		Name:     in.Name,
		Email:    in.Email,
		PhotoURL: in.PhotoURL,
	}
	c.students[studentID] = student
	return *student, true, nil
}

// nextStudentID returns the smallest positive integer not yet used as an ID
func (c *class) nextStudentID() string {
	for n := 1; ; n++ {
		id := strconv.Itoa(n)
		if _, taken := c.students[id]; !taken {
			return id
		}
	}
}

// RemoveStudent deletes a student and all of its bindings
func (r *Roster) RemoveStudent(classID, studentID string) error {
	c, _, err := r.ensureStudent(classID, studentID)
	if err != nil {
		return err
	}
	for deviceID := range c.devices[studentID] {
		delete(r.index, deviceID)
	}
	delete(c.devices, studentID)
	delete(c.students, studentID)
	return nil
}

// Student returns a copy of one student
func (r *Roster) Student(classID, studentID string) (types.Student, error) {
	_, s, err := r.ensureStudent(classID, studentID)
	if err != nil {
		return types.Student{}, err
	}
	return *s, nil
}

// Students returns copies of every student in a class keyed by ID
func (r *Roster) Students(classID string) (map[string]types.Student, error) {
	c, err := r.ensureClass(classID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]types.Student, len(c.students))
	for id, s := range c.students {
		out[id] = *s
	}
	return out, nil
}

// StudentIDs returns the sorted student IDs of a class
func (r *Roster) StudentIDs(classID string) ([]string, error) {
	c, err := r.ensureClass(classID)
	if err != nil {
		return nil, err
	}
	return sortedKeys(c.students), nil
}

// BindDevice binds a device to a student, unbinding it from any other holder
// first. It returns the previous holder when the device moved.
// ARCHITECTURAL DISCOVERY: The global index is updated in the same step as the
// per-student set, so no state exists where two students hold the device
func (r *Roster) BindDevice(classID, studentID, deviceID string) (*types.Holder, error) {
	normalized, err := types.ValidateDeviceID(deviceID)
	if err != nil {
		return nil, err
	}
	c, _, err := r.ensureStudent(classID, studentID)
	if err != nil {
		return nil, err
	}

	target := types.Holder{ClassID: classID, StudentID: studentID}
	var previous *types.Holder
	if holder, bound := r.index[normalized]; bound && holder != target {
		if prevClass, exists := r.classes[holder.ClassID]; exists {
			delete(prevClass.devices[holder.StudentID], normalized)
			if len(prevClass.devices[holder.StudentID]) == 0 {
				delete(prevClass.devices, holder.StudentID)
			}
		}
		prev := holder
		previous = &prev
	}

	if c.devices[studentID] == nil {
		c.devices[studentID] = make(map[string]struct{})
	}
	c.devices[studentID][normalized] = struct{}{}
	r.index[normalized] = target
	return previous, nil
}

// UnbindDevice removes a binding held by the given student
func (r *Roster) UnbindDevice(classID, studentID, deviceID string) error {
	normalized, err := types.ValidateDeviceID(deviceID)
	if err != nil {
		return err
	}
	c, _, err := r.ensureStudent(classID, studentID)
	if err != nil {
		return err
	}
	if _, bound := c.devices[studentID][normalized]; !bound {
		return fmt.Errorf("%w: device %s is not bound to student %q in class %q",
			types.ErrNotFound, normalized, studentID, classID)
	}

	delete(c.devices[studentID], normalized)
	if len(c.devices[studentID]) == 0 {
		delete(c.devices, studentID)
	}
	delete(r.index, normalized)
	return nil
}

// FindHolder looks up the student a device is bound to
func (r *Roster) FindHolder(deviceID string) (types.Holder, bool) {
	holder, bound := r.index[types.NormalizeDeviceID(deviceID)]
	return holder, bound
}

// Devices returns the sorted devices bound to one student
func (r *Roster) Devices(classID, studentID string) ([]string, error) {
	c, _, err := r.ensureStudent(classID, studentID)
	if err != nil {
		return nil, err
	}
	return sortedKeys(c.devices[studentID]), nil
}

// HasAnyDevice reports whether one of the student's devices is in seen
func (r *Roster) HasAnyDevice(classID, studentID string, seen map[string]struct{}) bool {
	c, exists := r.classes[classID]
	if !exists {
		return false
	}
	for deviceID := range c.devices[studentID] {
		if _, ok := seen[deviceID]; ok {
			return true
		}
	}
	return false
}

// AssignedDevices returns every bound device across all classes
func (r *Roster) AssignedDevices() []string {
	return sortedKeys(r.index)
}

// Count returns the number of classes and students
func (r *Roster) Count() (classes, students int) {
	for _, c := range r.classes {
		students += len(c.students)
	}
	return len(r.classes), students
}

// Restore inserts a persisted student with its bindings, creating the class
// if needed. Devices already bound elsewhere are skipped and returned.
func (r *Roster) Restore(classID string, student types.Student, devices []string) []string {
	c, exists := r.classes[classID]
	if !exists {
		c = newClass()
		r.classes[classID] = c
	}
	s := student
	c.students[s.ID] = &s

	var skipped []string
	for _, deviceID := range devices {
		normalized := types.NormalizeDeviceID(deviceID)
		if normalized == "" {
			continue
		}
		if holder, bound := r.index[normalized]; bound && holder != (types.Holder{ClassID: classID, StudentID: s.ID}) {
			skipped = append(skipped, normalized)
			continue
		}
		if c.devices[s.ID] == nil {
			c.devices[s.ID] = make(map[string]struct{})
		}
		c.devices[s.ID][normalized] = struct{}{}
		r.index[normalized] = types.Holder{ClassID: classID, StudentID: s.ID}
	}
	return skipped
}

// RestoreClass creates an empty class while loading, ignoring duplicates
func (r *Roster) RestoreClass(classID string) {
	if _, exists := r.classes[classID]; !exists {
		r.classes[classID] = newClass()
	}
}

// Reset drops every class and binding
func (r *Roster) Reset() {
	r.classes = make(map[string]*class)
	r.index = make(map[string]types.Holder)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
