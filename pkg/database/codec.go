package database

import (
	"encoding/json"
	"fmt"
	"time"

	"presence/pkg/types"
)

// EncodeSnapshot serializes a registry document at the current version
func EncodeSnapshot(snapshot *types.Snapshot) ([]byte, error) {
	if snapshot == nil {
		return nil, fmt.Errorf("%w: nil snapshot", types.ErrInvalidInput)
	}
	out := *snapshot
	out.Version = types.SnapshotVersion
	if out.Blacklist == nil {
		out.Blacklist = []string{}
	}
	if out.Classes == nil {
		out.Classes = make(map[string]*types.ClassSnapshot)
	}
	return json.Marshal(&out)
}

// DecodeSnapshot parses a stored document, upgrading older layouts
// FUNCTIONAL DISCOVERY: Documents without a version field predate the state
// machine and keep presence as a per-class set plus a per-student override flag
func DecodeSnapshot(data []byte) (*types.Snapshot, error) {
	var header struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(data, &header); err != nil {
		return nil, fmt.Errorf("failed to read snapshot header: %w", err)
	}

	switch header.Version {
	case 0, 1:
		return decodeLegacySnapshot(data)
	case types.SnapshotVersion:
		var snapshot types.Snapshot
		if err := json.Unmarshal(data, &snapshot); err != nil {
			return nil, fmt.Errorf("failed to decode snapshot: %w", err)
		}
		if snapshot.Classes == nil {
			snapshot.Classes = make(map[string]*types.ClassSnapshot)
		}
		for _, class := range snapshot.Classes {
			if class.Students == nil {
				class.Students = make(map[string]*types.StudentSnapshot)
			}
		}
		return &snapshot, nil
	default:
		return nil, fmt.Errorf("%w: %d", types.ErrUnsupportedVersion, header.Version)
	}
}

type legacyStudent struct {
	Name           string `json:"name"`
	Email          string `json:"email"`
	PhotoURL       string `json:"photo_url"`
	ManualOverride bool   `json:"manual_override"`
}

type legacyClass struct {
	Students             map[string]legacyStudent `json:"students"`
	PresentStudents      []string                 `json:"present_students"`
	StudentMACAddresses  map[string][]string      `json:"student_mac_addresses"`
	AttendanceTimestamps map[string]time.Time     `json:"attendance_timestamps"`
}

type legacySnapshot struct {
	ScanInterval int                    `json:"scan_interval"`
	Blacklist    []string               `json:"blacklist"`
	Classes      map[string]legacyClass `json:"classes"`
}

func decodeLegacySnapshot(data []byte) (*types.Snapshot, error) {
	var legacy legacySnapshot
	if err := json.Unmarshal(data, &legacy); err != nil {
		return nil, fmt.Errorf("failed to decode legacy snapshot: %w", err)
	}

	snapshot := types.NewSnapshot(legacy.ScanInterval)
	if legacy.Blacklist != nil {
		snapshot.Blacklist = legacy.Blacklist
	}

	for classID, lc := range legacy.Classes {
		present := make(map[string]struct{}, len(lc.PresentStudents))
		for _, id := range lc.PresentStudents {
			present[id] = struct{}{}
		}

		class := &types.ClassSnapshot{Students: make(map[string]*types.StudentSnapshot, len(lc.Students))}
		for studentID, ls := range lc.Students {
			_, isPresent := present[studentID]
			student := &types.StudentSnapshot{
				Student: types.Student{
					ID:       studentID,
					Name:     ls.Name,
					Email:    ls.Email,
					PhotoURL: ls.PhotoURL,
				},
				Devices: lc.StudentMACAddresses[studentID],
				State:   legacyState(isPresent, ls.ManualOverride),
			}
			if ts, ok := lc.AttendanceTimestamps[studentID]; ok && isPresent {
				seen := ts
				student.FirstSeenAt = &seen
			}
			class.Students[studentID] = student
		}
		snapshot.Classes[classID] = class
	}
	return snapshot, nil
}

func legacyState(present, override bool) types.State {
	switch {
	case present && override:
		return types.StatePresentManual
	case present:
		return types.StatePresentAutomatic
	case override:
		return types.StateAbsentManual
	default:
		return types.StateAbsent
	}
}
