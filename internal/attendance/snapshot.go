package attendance

import (
	"log"
	"sort"

	"presence/pkg/types"
)

// Snapshot returns the registry as a persistable document
func (m *Manager) Snapshot() *types.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() *types.Snapshot {
	snapshot := types.NewSnapshot(m.ScanInterval())
	snapshot.Blacklist = m.blacklistLocked()
	snapshot.SavedAt = m.now()

	r := m.ledger.Roster()
	for _, classID := range r.Classes() {
		students, _ := r.Students(classID)
		class := &types.ClassSnapshot{Students: make(map[string]*types.StudentSnapshot, len(students))}
		for studentID, student := range students {
			devices, _ := r.Devices(classID, studentID)
			state, firstSeen, _ := m.ledger.State(classID, studentID)
			class.Students[studentID] = &types.StudentSnapshot{
				Student:     student,
				Devices:     devices,
				State:       state,
				FirstSeenAt: firstSeen,
			}
		}
		snapshot.Classes[classID] = class
	}
	return snapshot
}

// restoreLocked replaces the registry with a loaded document
// TECHNICAL DISCOVERY: Students are restored in sorted order so a document
// that binds one device twice resolves the conflict the same way every load
func (m *Manager) restoreLocked(snapshot *types.Snapshot) {
	r := m.ledger.Roster()
	r.Reset()
	m.ledger.Reset()
	m.blacklist = make(map[string]struct{})

	if snapshot.ScanInterval > 0 {
		m.scanInterval.Store(int64(snapshot.ScanInterval))
	}
	for _, deviceID := range snapshot.Blacklist {
		if normalized, err := types.ValidateDeviceID(deviceID); err == nil {
			m.blacklist[normalized] = struct{}{}
		}
	}

	classIDs := make([]string, 0, len(snapshot.Classes))
	for classID := range snapshot.Classes {
		classIDs = append(classIDs, classID)
	}
	sort.Strings(classIDs)

	for _, classID := range classIDs {
		r.RestoreClass(classID)
		class := snapshot.Classes[classID]
		if class == nil {
			continue
		}
		studentIDs := make([]string, 0, len(class.Students))
		for studentID := range class.Students {
			studentIDs = append(studentIDs, studentID)
		}
		sort.Strings(studentIDs)

		for _, studentID := range studentIDs {
			saved := class.Students[studentID]
			if saved == nil {
				continue
			}
			student := saved.Student
			student.ID = studentID
			if skipped := r.Restore(classID, student, saved.Devices); len(skipped) > 0 {
				log.Printf("warning: devices %v of student %s in class %s are bound elsewhere, dropped", skipped, studentID, classID)
			}
			if err := m.ledger.Restore(classID, studentID, saved.State, saved.FirstSeenAt); err != nil {
				log.Printf("warning: failed to restore presence of student %s in class %s: %v", studentID, classID, err)
			}
		}
	}
}
