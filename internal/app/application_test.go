package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"presence/internal/config"
	"presence/pkg/types"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Storage.DatabasePath = filepath.Join(dir, "attendance.db")
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = 1 // replaced before Start
	cfg.Scanner.Source = config.SourceNone
	return cfg
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to find a free port: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func request(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestApplication_RejectsInvalidConfiguration(t *testing.T) {
	cfg := testConfig(t)
	cfg.HTTP.Port = -1

	application, err := NewApplication(cfg)
	if err == nil || application != nil {
		t.Error("Constructor should reject invalid configuration")
	}
}

func TestApplication_RegistrySurvivesRestart(t *testing.T) {
	cfg := testConfig(t)

	application, err := NewApplication(cfg)
	if err != nil {
		t.Fatalf("NewApplication failed: %v", err)
	}
	h := application.Handler()

	if w := request(t, h, "POST", "/api/classes", `{"class_id":"CSCI-101"}`); w.Code != http.StatusCreated {
		t.Fatalf("Create class failed: %d %s", w.Code, w.Body.String())
	}
	if w := request(t, h, "POST", "/api/classes/CSCI-101/students", `{"student_id":"s1","name":"Ada"}`); w.Code != http.StatusCreated {
		t.Fatalf("Add student failed: %d %s", w.Code, w.Body.String())
	}
	if w := request(t, h, "GET", "/health", ""); w.Code != http.StatusOK {
		t.Errorf("Health failed: %d %s", w.Code, w.Body.String())
	}
	if w := request(t, h, "GET", "/api/scanner", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("No scanner configured should be 503, got %d", w.Code)
	}
	if err := application.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	restarted, err := NewApplication(cfg)
	if err != nil {
		t.Fatalf("NewApplication after restart failed: %v", err)
	}
	defer func() { _ = restarted.Stop(context.Background()) }()

	students, err := restarted.Registry().GetAllStudents("CSCI-101")
	if err != nil || len(students) != 1 {
		t.Errorf("Expected the saved student back, got %v, %v", students, err)
	}
}

func TestApplication_ReplayScannerAndHistory(t *testing.T) {
	cfg := testConfig(t)
	dir := t.TempDir()
	replay := filepath.Join(dir, "replay.json")
	if err := os.WriteFile(replay, []byte(`[[{"device_id":"aa:bb:cc:dd:ee:01","signal_strength":-40}]]`), 0644); err != nil {
		t.Fatal(err)
	}
	blacklist := filepath.Join(dir, "blacklist.txt")
	if err := os.WriteFile(blacklist, []byte("# printer\nde:ad:be:ef:00:01\n"), 0644); err != nil {
		t.Fatal(err)
	}
	cfg.Scanner.Source = config.SourceReplay
	cfg.Scanner.ReplayFile = replay
	cfg.Scanner.BlacklistFile = blacklist
	cfg.Scanner.Interval = 1
	cfg.HTTP.Port = freePort(t)

	application, err := NewApplication(cfg)
	if err != nil {
		t.Fatalf("NewApplication failed: %v", err)
	}
	registry := application.Registry()
	if !registry.IsBlacklisted("DE:AD:BE:EF:00:01") {
		t.Error("Blacklist file should be imported")
	}
	if err := registry.RegisterClass("CSCI-101"); err != nil {
		t.Fatalf("RegisterClass failed: %v", err)
	}
	student, err := registry.AddStudent("CSCI-101", types.StudentInput{Name: "Ada", DeviceID: "AA:BB:CC:DD:EE:01"})
	if err != nil {
		t.Fatalf("AddStudent failed: %v", err)
	}

	if err := application.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		present, _ := registry.PresentStudents("CSCI-101")
		if len(present) == 1 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	present, _ := registry.PresentStudents("CSCI-101")
	if len(present) != 1 || present[0] != student.ID {
		t.Fatalf("Replay scan should mark the student present, got %v", present)
	}

	resp, err := http.Get("http://" + application.Addr() + "/health")
	if err != nil {
		t.Fatalf("Health request failed: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected healthy service, got %d", resp.StatusCode)
	}

	// The hub records history asynchronously
	var history struct {
		History []json.RawMessage `json:"history"`
	}
	deadline = time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		w := request(t, application.Handler(), "GET", "/api/classes/CSCI-101/students/"+student.ID+"/history", "")
		if err := json.NewDecoder(w.Body).Decode(&history); err == nil && len(history.History) > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if len(history.History) == 0 {
		t.Error("Arrival should be recorded in the history")
	}

	if err := application.Stop(context.Background()); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
}
