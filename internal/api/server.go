package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"

	"presence/pkg/interfaces"
	"presence/pkg/types"
)

// Registry is the attendance facade the API drives
type Registry interface {
	RegisterClass(classID string) error
	RemoveClass(classID string) error
	Classes() []string
	AddStudent(classID string, in types.StudentInput) (types.Student, error)
	ImportRoster(classID string, students []types.StudentInput) ([]types.Student, error)
	RemoveStudent(classID, studentID string) error
	GetAllStudents(classID string) (map[string]types.Student, error)

	BindDevice(classID, studentID, deviceID string) error
	UnbindDevice(classID, studentID, deviceID string) error
	FindHolder(deviceID string) (types.Holder, error)
	Devices(classID, studentID string) ([]string, error)
	AssignedDevices() []string

	MarkPresentManually(classID, studentID string) error
	MarkAbsentManually(classID, studentID string) error
	PresentStudents(classID string) ([]string, error)
	AbsentStudents(classID string) ([]string, error)
	Attendance(classID string) ([]types.AttendanceRecord, error)

	ScanInterval() int
	SetScanInterval(seconds int) error
	BlacklistDevice(deviceID string) error
	UnblacklistDevice(deviceID string) error
	Blacklist() []string
	Reset()
	Status() types.Status
}

// Scanner is the reconciliation loop as seen by the API
type Scanner interface {
	Start(ctx context.Context)
	Stop() error
	Running() bool
	DetectedDevices() []types.DetectedDevice
	UnassignedDevices() []types.DetectedDevice
	SignalFloor() int
	SetSignalFloor(dBm int)
}

// FeedStats reports live feed client counts
type FeedStats interface {
	GetStats() map[string]int
}

// Dependencies wires the server to the rest of the application. Recorder,
// Scanner, Feed, FeedHandler and Metrics may be nil; their routes then
// answer 503 or are not mounted.
type Dependencies struct {
	Registry    Registry
	Store       interfaces.SnapshotStore
	Recorder    interfaces.TransitionRecorder
	Scanner     Scanner
	Feed        FeedStats
	FeedHandler http.Handler
	Metrics     http.Handler

	// MutationsPerMinute limits non-GET requests per client address; 0 disables
	MutationsPerMinute int

	// ScannerContext parents a loop started over HTTP; request contexts end
	// with the request
	ScannerContext context.Context
}

// Server is the HTTP/JSON surface over the attendance registry
// ARCHITECTURAL DISCOVERY: No business logic here, only decoding, validation
// and mapping registry errors to status codes
type Server struct {
	deps     Dependencies
	router   *http.ServeMux
	validate *validator.Validate
	limiter  *RateLimiter
	started  time.Time
}

// NewServer creates the server and registers its routes
func NewServer(deps Dependencies) *Server {
	if deps.ScannerContext == nil {
		deps.ScannerContext = context.Background()
	}
	s := &Server{
		deps:     deps,
		router:   http.NewServeMux(),
		validate: validator.New(),
		limiter:  NewRateLimiter(deps.MutationsPerMinute),
		started:  time.Now(),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := func(pattern string, h http.HandlerFunc) {
		s.router.Handle(pattern, s.corsMiddleware(s.jsonMiddleware(s.rateLimitMiddleware(h))))
	}

	api("GET /health", s.healthCheck)

	api("GET /api/classes", s.listClasses)
	api("POST /api/classes", s.createClass)
	api("DELETE /api/classes/{class}", s.deleteClass)
	api("GET /api/classes/{class}/students", s.listStudents)
	api("POST /api/classes/{class}/students", s.addStudent)
	api("DELETE /api/classes/{class}/students/{student}", s.removeStudent)
	api("POST /api/classes/{class}/import", s.importRoster)
	api("GET /api/classes/{class}/students/{student}/devices", s.listDevices)
	api("POST /api/classes/{class}/students/{student}/devices", s.bindDevice)
	api("DELETE /api/classes/{class}/students/{student}/devices", s.unbindDevice)
	api("POST /api/classes/{class}/students/{student}/present", s.markPresent)
	api("POST /api/classes/{class}/students/{student}/absent", s.markAbsent)
	api("GET /api/classes/{class}/attendance", s.attendance)
	api("GET /api/classes/{class}/students/{student}/history", s.history)

	api("GET /api/settings/scan-interval", s.getScanInterval)
	api("PUT /api/settings/scan-interval", s.putScanInterval)
	api("GET /api/settings/signal-floor", s.getSignalFloor)
	api("PUT /api/settings/signal-floor", s.putSignalFloor)

	api("GET /api/blacklist", s.listBlacklist)
	api("POST /api/blacklist", s.addBlacklist)
	api("DELETE /api/blacklist/{device}", s.removeBlacklist)

	api("GET /api/devices/assigned", s.assignedDevices)
	api("GET /api/devices/detected", s.detectedDevices)
	api("GET /api/devices/unassigned", s.unassignedDevices)
	api("GET /api/devices/{device}/holder", s.deviceHolder)

	api("GET /api/scanner", s.scannerStatus)
	api("POST /api/scanner", s.startScanner)
	api("DELETE /api/scanner", s.stopScanner)

	api("DELETE /api/registry", s.resetRegistry)

	// CORS preflight for every API path
	s.router.Handle("OPTIONS /", s.corsMiddleware(http.NotFoundHandler()))

	if s.deps.Metrics != nil {
		s.router.Handle("GET /metrics", s.deps.Metrics)
	}
	if s.deps.FeedHandler != nil {
		s.router.Handle("GET /ws", s.deps.FeedHandler)
	}
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Request/Response types for JSON serialization
// CreateClassRequest max matches types.MaxClassNameLength
type CreateClassRequest struct {
	ClassID string `json:"class_id" validate:"required,max=100"`
}

type ImportRequest struct {
	Students []types.StudentInput `json:"students" validate:"required,min=1,dive"`
}

type DeviceRequest struct {
	DeviceID string `json:"device_id" validate:"required,max=64"`
}

type ScanIntervalRequest struct {
	Seconds int `json:"seconds" validate:"required,min=1"`
}

type SignalFloorRequest struct {
	DBm *int `json:"dbm" validate:"required,min=-127,max=0"`
}

type AttendanceResponse struct {
	ClassID string                   `json:"class_id"`
	Present []string                 `json:"present"`
	Absent  []string                 `json:"absent"`
	Records []types.AttendanceRecord `json:"records"`
}

type HealthResponse struct {
	Status    string         `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
	Uptime    string         `json:"uptime"`
	Storage   string         `json:"storage"`
	Registry  types.Status   `json:"registry"`
	Feed      map[string]int `json:"feed,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Classes and students

func (s *Server) listClasses(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string][]string{"classes": s.deps.Registry.Classes()})
}

func (s *Server) createClass(w http.ResponseWriter, r *http.Request) {
	var req CreateClassRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.deps.Registry.RegisterClass(req.ClassID); err != nil {
		s.sendRegistryError(w, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, req)
}

func (s *Server) deleteClass(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Registry.RemoveClass(r.PathValue("class")); err != nil {
		s.sendRegistryError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listStudents(w http.ResponseWriter, r *http.Request) {
	students, err := s.deps.Registry.GetAllStudents(r.PathValue("class"))
	if err != nil {
		s.sendRegistryError(w, err)
		return
	}
	out := make([]types.Student, 0, len(students))
	for _, student := range students {
		out = append(out, student)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	s.sendJSON(w, http.StatusOK, map[string][]types.Student{"students": out})
}

func (s *Server) addStudent(w http.ResponseWriter, r *http.Request) {
	var req types.StudentInput
	if !s.decode(w, r, &req) {
		return
	}
	student, err := s.deps.Registry.AddStudent(r.PathValue("class"), req)
	if err != nil {
		s.sendRegistryError(w, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, student)
}

func (s *Server) removeStudent(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Registry.RemoveStudent(r.PathValue("class"), r.PathValue("student")); err != nil {
		s.sendRegistryError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) importRoster(w http.ResponseWriter, r *http.Request) {
	var req ImportRequest
	if !s.decode(w, r, &req) {
		return
	}
	students, err := s.deps.Registry.ImportRoster(r.PathValue("class"), req.Students)
	if err != nil {
		s.sendRegistryError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]interface{}{"imported": len(students), "students": students})
}

// Device bindings

func (s *Server) listDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.deps.Registry.Devices(r.PathValue("class"), r.PathValue("student"))
	if err != nil {
		s.sendRegistryError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string][]string{"devices": devices})
}

func (s *Server) bindDevice(w http.ResponseWriter, r *http.Request) {
	var req DeviceRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.deps.Registry.BindDevice(r.PathValue("class"), r.PathValue("student"), req.DeviceID); err != nil {
		s.sendRegistryError(w, err)
		return
	}
	s.listDevices(w, r)
}

func (s *Server) unbindDevice(w http.ResponseWriter, r *http.Request) {
	var req DeviceRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.deps.Registry.UnbindDevice(r.PathValue("class"), r.PathValue("student"), req.DeviceID); err != nil {
		s.sendRegistryError(w, err)
		return
	}
	s.listDevices(w, r)
}

// Presence

func (s *Server) markPresent(w http.ResponseWriter, r *http.Request) {
	s.markManually(w, r, s.deps.Registry.MarkPresentManually)
}

func (s *Server) markAbsent(w http.ResponseWriter, r *http.Request) {
	s.markManually(w, r, s.deps.Registry.MarkAbsentManually)
}

func (s *Server) markManually(w http.ResponseWriter, r *http.Request, mark func(classID, studentID string) error) {
	classID, studentID := r.PathValue("class"), r.PathValue("student")
	if err := mark(classID, studentID); err != nil {
		s.sendRegistryError(w, err)
		return
	}
	records, err := s.deps.Registry.Attendance(classID)
	if err != nil {
		s.sendRegistryError(w, err)
		return
	}
	for _, record := range records {
		if record.ID == studentID {
			s.sendJSON(w, http.StatusOK, record)
			return
		}
	}
	// Removed concurrently
	s.sendError(w, "Student not found", http.StatusNotFound)
}

func (s *Server) attendance(w http.ResponseWriter, r *http.Request) {
	classID := r.PathValue("class")
	records, err := s.deps.Registry.Attendance(classID)
	if err != nil {
		s.sendRegistryError(w, err)
		return
	}

	resp := AttendanceResponse{ClassID: classID, Present: []string{}, Absent: []string{}, Records: records}
	for _, record := range records {
		if record.Present {
			resp.Present = append(resp.Present, record.ID)
		} else {
			resp.Absent = append(resp.Absent, record.ID)
		}
	}
	s.sendJSON(w, http.StatusOK, resp)
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	if s.deps.Recorder == nil {
		s.sendError(w, "Attendance history is not kept by this storage backend", http.StatusServiceUnavailable)
		return
	}
	classID, studentID := r.PathValue("class"), r.PathValue("student")

	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.sendError(w, "since must be an RFC3339 timestamp", http.StatusBadRequest)
			return
		}
		since = parsed
	}

	// Existence check so an unknown student is a 404, not an empty list
	if _, err := s.deps.Registry.Devices(classID, studentID); err != nil {
		s.sendRegistryError(w, err)
		return
	}

	history, err := s.deps.Recorder.GetHistory(r.Context(), classID, studentID, since)
	if err != nil {
		log.Printf("warning: history query failed for %s/%s: %v", classID, studentID, err)
		s.sendError(w, "Failed to read attendance history", http.StatusInternalServerError)
		return
	}
	if history == nil {
		history = []types.Transition{}
	}
	s.sendJSON(w, http.StatusOK, map[string]interface{}{"class_id": classID, "student_id": studentID, "history": history})
}

// Settings

func (s *Server) getScanInterval(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, ScanIntervalRequest{Seconds: s.deps.Registry.ScanInterval()})
}

func (s *Server) putScanInterval(w http.ResponseWriter, r *http.Request) {
	var req ScanIntervalRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.deps.Registry.SetScanInterval(req.Seconds); err != nil {
		s.sendRegistryError(w, err)
		return
	}
	s.getScanInterval(w, r)
}

func (s *Server) getSignalFloor(w http.ResponseWriter, r *http.Request) {
	if !s.requireScanner(w) {
		return
	}
	floor := s.deps.Scanner.SignalFloor()
	s.sendJSON(w, http.StatusOK, SignalFloorRequest{DBm: &floor})
}

func (s *Server) putSignalFloor(w http.ResponseWriter, r *http.Request) {
	if !s.requireScanner(w) {
		return
	}
	var req SignalFloorRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.deps.Scanner.SetSignalFloor(*req.DBm)
	s.getSignalFloor(w, r)
}

// Blacklist

func (s *Server) listBlacklist(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string][]string{"devices": s.deps.Registry.Blacklist()})
}

func (s *Server) addBlacklist(w http.ResponseWriter, r *http.Request) {
	var req DeviceRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.deps.Registry.BlacklistDevice(req.DeviceID); err != nil {
		s.sendRegistryError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
	s.writeBody(w, map[string][]string{"devices": s.deps.Registry.Blacklist()})
}

func (s *Server) removeBlacklist(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Registry.UnblacklistDevice(r.PathValue("device")); err != nil {
		s.sendRegistryError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Devices

func (s *Server) assignedDevices(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string][]string{"devices": s.deps.Registry.AssignedDevices()})
}

func (s *Server) detectedDevices(w http.ResponseWriter, r *http.Request) {
	if !s.requireScanner(w) {
		return
	}
	s.sendJSON(w, http.StatusOK, map[string][]types.DetectedDevice{"devices": s.deps.Scanner.DetectedDevices()})
}

func (s *Server) unassignedDevices(w http.ResponseWriter, r *http.Request) {
	if !s.requireScanner(w) {
		return
	}
	s.sendJSON(w, http.StatusOK, map[string][]types.DetectedDevice{"devices": s.deps.Scanner.UnassignedDevices()})
}

func (s *Server) deviceHolder(w http.ResponseWriter, r *http.Request) {
	holder, err := s.deps.Registry.FindHolder(r.PathValue("device"))
	if err != nil {
		s.sendRegistryError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, holder)
}

// Scanner lifecycle

func (s *Server) scannerStatus(w http.ResponseWriter, r *http.Request) {
	if !s.requireScanner(w) {
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]interface{}{
		"running":       s.deps.Scanner.Running(),
		"scan_interval": s.deps.Registry.ScanInterval(),
		"signal_floor":  s.deps.Scanner.SignalFloor(),
	})
}

func (s *Server) startScanner(w http.ResponseWriter, r *http.Request) {
	if !s.requireScanner(w) {
		return
	}
	s.deps.Scanner.Start(s.deps.ScannerContext)
	s.scannerStatus(w, r)
}

func (s *Server) stopScanner(w http.ResponseWriter, r *http.Request) {
	if !s.requireScanner(w) {
		return
	}
	if err := s.deps.Scanner.Stop(); err != nil {
		s.sendError(w, err.Error(), http.StatusGatewayTimeout)
		return
	}
	s.scannerStatus(w, r)
}

func (s *Server) requireScanner(w http.ResponseWriter) bool {
	if s.deps.Scanner == nil {
		s.sendError(w, "No device scanner configured", http.StatusServiceUnavailable)
		return false
	}
	return true
}

func (s *Server) resetRegistry(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("confirm") != "true" {
		s.sendError(w, "Reset requires confirm=true", http.StatusBadRequest)
		return
	}
	s.deps.Registry.Reset()
	w.WriteHeader(http.StatusNoContent)
}

// FUNCTIONAL DISCOVERY: A failing store makes the service unhealthy; a past
// write failure that the store has since recovered from only degrades it
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	registry := s.deps.Registry.Status()
	resp := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Uptime:    time.Since(s.started).Round(time.Second).String(),
		Storage:   "memory",
		Registry:  registry,
	}
	if s.deps.Feed != nil {
		resp.Feed = s.deps.Feed.GetStats()
	}

	code := http.StatusOK
	if s.deps.Store != nil {
		resp.Storage = "healthy"
		if err := s.deps.Store.HealthCheck(ctx); err != nil {
			resp.Status = "unhealthy"
			resp.Storage = fmt.Sprintf("error: %v", err)
			code = http.StatusServiceUnavailable
		}
	}
	if resp.Status == "healthy" && registry.PersistenceError != "" {
		resp.Status = "degraded"
	}

	s.sendJSON(w, code, resp)
}

// decode reads and validates a JSON body, writing a 400 on failure
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		s.sendError(w, validationMessage(err), http.StatusBadRequest)
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return fmt.Sprintf("%s failed %s validation", fe.Namespace(), fe.Tag())
	}
	return err.Error()
}

// statusFor maps registry errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrDuplicateClass):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) sendRegistryError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		log.Printf("Unexpected registry error: %v", err)
	}
	s.sendError(w, err.Error(), code)
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, v interface{}) {
	w.WriteHeader(code)
	s.writeBody(w, v)
}

func (s *Server) writeBody(w http.ResponseWriter, v interface{}) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}

// Consistent error response format
func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	s.sendJSON(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

// ARCHITECTURAL DISCOVERY: Dashboards run from other origins on the classroom
// network, so every origin is allowed
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
