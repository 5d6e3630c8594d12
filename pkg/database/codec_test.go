package database

import (
	"errors"
	"testing"
	"time"

	"presence/pkg/types"
)

func TestEncodeSnapshot_StampsVersion(t *testing.T) {
	snapshot := &types.Snapshot{ScanInterval: 10}

	data, err := EncodeSnapshot(snapshot)
	if err != nil {
		t.Fatalf("EncodeSnapshot failed: %v", err)
	}
	decoded, err := DecodeSnapshot(data)
	if err != nil {
		t.Fatalf("DecodeSnapshot failed: %v", err)
	}
	if decoded.Version != types.SnapshotVersion {
		t.Errorf("Expected version %d, got %d", types.SnapshotVersion, decoded.Version)
	}
	if decoded.Classes == nil || decoded.Blacklist == nil {
		t.Error("Decoded snapshot should carry non-nil collections")
	}

	if _, err := EncodeSnapshot(nil); !errors.Is(err, types.ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput for nil snapshot, got %v", err)
	}
}

func TestDecodeSnapshot_UpgradesLegacyLayout(t *testing.T) {
	legacy := `{
		"scan_interval": 15,
		"blacklist": ["11:22:33:44:55:66"],
		"classes": {
			"CSCI-101": {
				"students": {
					"1": {"name": "Ada"},
					"2": {"name": "Grace", "manual_override": true},
					"3": {"name": "Linus", "manual_override": true},
					"4": {"name": "Ken"}
				},
				"present_students": ["1", "2"],
				"student_mac_addresses": {"1": ["AA:BB:CC:DD:EE:FF"]},
				"attendance_timestamps": {
					"1": "2026-03-02T09:15:30Z",
					"2": "2026-03-02T09:20:00Z",
					"4": "2026-03-02T08:00:00Z"
				}
			}
		}
	}`

	snapshot, err := DecodeSnapshot([]byte(legacy))
	if err != nil {
		t.Fatalf("DecodeSnapshot failed: %v", err)
	}
	if snapshot.Version != types.SnapshotVersion || snapshot.ScanInterval != 15 {
		t.Errorf("Unexpected header: version=%d interval=%d", snapshot.Version, snapshot.ScanInterval)
	}

	students := snapshot.Classes["CSCI-101"].Students
	tests := []struct {
		id        string
		state     types.State
		firstSeen bool
	}{
		{"1", types.StatePresentAutomatic, true},
		{"2", types.StatePresentManual, true},
		{"3", types.StateAbsentManual, false},
		{"4", types.StateAbsent, false},
	}
	for _, tt := range tests {
		s := students[tt.id]
		if s == nil {
			t.Fatalf("Student %s missing after upgrade", tt.id)
		}
		if s.State != tt.state {
			t.Errorf("Student %s state = %v, want %v", tt.id, s.State, tt.state)
		}
		if (s.FirstSeenAt != nil) != tt.firstSeen {
			t.Errorf("Student %s first-seen = %v, want present=%v", tt.id, s.FirstSeenAt, tt.firstSeen)
		}
	}

	want := time.Date(2026, 3, 2, 9, 15, 30, 0, time.UTC)
	if !students["1"].FirstSeenAt.Equal(want) {
		t.Errorf("Timestamp not carried over: %v", students["1"].FirstSeenAt)
	}
	if len(students["1"].Devices) != 1 {
		t.Errorf("Devices not carried over: %v", students["1"].Devices)
	}
}

func TestDecodeSnapshot_Errors(t *testing.T) {
	if _, err := DecodeSnapshot([]byte(`{"version": 99}`)); !errors.Is(err, types.ErrUnsupportedVersion) {
		t.Errorf("Expected ErrUnsupportedVersion, got %v", err)
	}
	if _, err := DecodeSnapshot([]byte(`not json`)); err == nil {
		t.Error("Expected error for malformed document")
	}
}
