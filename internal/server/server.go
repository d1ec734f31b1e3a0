package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/spf13/viper"

	"github.com/audiolibrelab/takecapture/internal/capture"
	"github.com/audiolibrelab/takecapture/internal/config"
	"github.com/audiolibrelab/takecapture/internal/service"
)

// Server represents the web server for controlling TakeCapture
type Server struct {
	service    service.Service
	configFile string
	port       string
	hub        *Hub
	mux        *http.ServeMux

	profileMu     sync.RWMutex
	activeProfile string
}

// StatusResponse represents the JSON response for status endpoint
type StatusResponse struct {
	service.Status
	Message       string `json:"message,omitempty"`
	ActiveProfile string `json:"active_profile"`
}

// TakesResponse lists the finalized takes
type TakesResponse struct {
	Takes []capture.Take `json:"takes"`
}

// LedgerResponse lists the finalized segments
type LedgerResponse struct {
	Segments []capture.CaptureInfo `json:"segments"`
}

// MIDIEvent is one captured MIDI message mirrored for display
type MIDIEvent struct {
	Channel int   `json:"channel"`
	Time    int64 `json:"time"`
	Data    []int `json:"data"`
}

// New loads the configuration and creates the service behind the server
func New(configFile string, port string) (*Server, error) {
	cfg, err := config.LoadWithProfile(configFile, "")
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	svc, err := service.New(cfg, configFile, service.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to create service: %w", err)
	}

	return NewWithService(svc, configFile, port), nil
}

// NewWithService wraps an existing service
func NewWithService(svc service.Service, configFile string, port string) *Server {
	s := &Server{
		service:       svc,
		configFile:    configFile,
		port:          port,
		hub:           NewHub(),
		activeProfile: getActiveProfileName(configFile),
	}
	s.hub.Attach(svc.Bus())
	s.mux = s.routes()
	return s
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/arm", s.handleArm)
	mux.HandleFunc("/disarm", s.handleDisarm)
	mux.HandleFunc("/safe", s.handleSafe)
	mux.HandleFunc("/take/new", s.handleNewTake)
	mux.HandleFunc("/transport/play", s.handleTransport(s.service.Play, "Transport rolling"))
	mux.HandleFunc("/transport/stop", s.handleTransport(s.service.Stop, "Transport stopped"))
	mux.HandleFunc("/transport/abort", s.handleTransport(s.service.Abort, "Take aborted"))
	mux.HandleFunc("/transport/locate", s.handleLocate)
	mux.HandleFunc("/transport/loop", s.handleRange(s.service.SetLoop, "start", "end", "Loop updated"))
	mux.HandleFunc("/transport/punch", s.handleRange(s.service.SetPunch, "in", "out", "Punch range updated"))
	mux.HandleFunc("/api/takes", s.handleTakes)
	mux.HandleFunc("/api/ledger", s.handleLedger)
	mux.HandleFunc("/api/midi", s.handleMIDI)
	mux.HandleFunc("/api/state/save", s.handleSaveState)
	mux.HandleFunc("/config/profiles", s.handleProfiles)
	mux.HandleFunc("/config/select", s.handleSelectProfile)
	mux.HandleFunc("/config/active", s.handleActiveProfile)
	mux.HandleFunc("/ws/events", s.hub.ServeWS)
	return mux
}

// Handler returns the HTTP handler serving every endpoint
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Hub returns the websocket event hub
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start starts the service and the web server and blocks until ctx is done
func (s *Server) Start(ctx context.Context) error {
	if err := s.service.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := s.service.Close(); err != nil {
			slog.Error("Failed to close service", "error", err)
		}
	}()

	hubCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.hub.Run(hubCtx)

	srv := &http.Server{
		Addr:              ":" + s.port,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	localIP := getLocalIP()
	slog.Info("Starting TakeCapture Web Server",
		"port", s.port,
		"local_url", fmt.Sprintf("http://%s:%s", localIP, s.port),
		"localhost_url", fmt.Sprintf("http://localhost:%s", s.port))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// handleStatus returns the current status snapshot
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	status := s.service.GetStatus()
	response := StatusResponse{
		Status:        status,
		Message:       generateStatusMessage(status),
		ActiveProfile: s.getActiveProfile(),
	}
	writeJSON(w, http.StatusOK, response)
}

func generateStatusMessage(st service.Status) string {
	switch st.Status {
	case service.StatusStandby:
		return "Standby - arm to record"
	case service.StatusReady:
		return fmt.Sprintf("Armed - next take: %s", st.WriteSourceName)
	case service.StatusRecording:
		return fmt.Sprintf("Recording %s", st.WriteSourceName)
	case service.StatusError:
		return st.LastError
	}
	return ""
}

// handleArm engages record-enable (STANDBY -> READY)
func (s *Server) handleArm(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) || !parseForm(w, r) {
		return
	}

	take := r.FormValue("take")
	slog.Debug("Arm request received", "take", take)

	if err := s.service.ArmRecording(take); err != nil {
		s.sendErrorResponse(w, statusFor(err),
			fmt.Sprintf("Failed to arm recording: %v", err),
			"take", take, "operation", "arm")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Recording armed",
		"take":    s.service.GetStatus().WriteSourceName,
	})
}

// handleDisarm disengages record-enable
func (s *Server) handleDisarm(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	if err := s.service.DisarmRecording(); err != nil {
		s.sendErrorResponse(w, statusFor(err),
			fmt.Sprintf("Failed to disarm recording: %v", err),
			"operation", "disarm")
		return
	}
	sendSuccess(w, "Recording disarmed")
}

// handleSafe toggles record-safe
func (s *Server) handleSafe(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) || !parseForm(w, r) {
		return
	}

	on, err := strconv.ParseBool(r.FormValue("on"))
	if err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "Parameter 'on' must be true or false", "operation", "safe")
		return
	}
	if err := s.service.SetRecordSafe(on); err != nil {
		s.sendErrorResponse(w, statusFor(err),
			fmt.Sprintf("Failed to set record safe: %v", err),
			"operation", "safe")
		return
	}
	sendSuccess(w, fmt.Sprintf("Record safe %t", on))
}

// handleNewTake moves unused sources to a fresh take
func (s *Server) handleNewTake(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	if err := s.service.NewTake(); err != nil {
		s.sendErrorResponse(w, statusFor(err),
			fmt.Sprintf("Failed to start a new take: %v", err),
			"operation", "new_take")
		return
	}
	sendSuccess(w, "New take prepared")
}

func (s *Server) handleTransport(op func() error, message string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		if err := op(); err != nil {
			s.sendErrorResponse(w, statusFor(err),
				fmt.Sprintf("Transport request failed: %v", err),
				"path", r.URL.Path)
			return
		}
		sendSuccess(w, message)
	}
}

// handleLocate moves the transport to ?pos=
func (s *Server) handleLocate(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) || !parseForm(w, r) {
		return
	}

	pos, err := strconv.ParseInt(r.FormValue("pos"), 10, 64)
	if err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "Parameter 'pos' must be a sample position", "operation", "locate")
		return
	}
	if err := s.service.Locate(pos); err != nil {
		s.sendErrorResponse(w, statusFor(err),
			fmt.Sprintf("Failed to locate: %v", err),
			"pos", pos, "operation", "locate")
		return
	}
	sendSuccess(w, fmt.Sprintf("Located to %d", pos))
}

func (s *Server) handleRange(op func(a, b int64, on bool) error, first, second, message string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodPost) || !parseForm(w, r) {
			return
		}

		a, errA := strconv.ParseInt(r.FormValue(first), 10, 64)
		b, errB := strconv.ParseInt(r.FormValue(second), 10, 64)
		on, errOn := strconv.ParseBool(r.FormValue("on"))
		if errA != nil || errB != nil || errOn != nil {
			s.sendErrorResponse(w, http.StatusBadRequest,
				fmt.Sprintf("Parameters '%s', '%s' and 'on' are required", first, second),
				"path", r.URL.Path)
			return
		}
		if err := op(a, b, on); err != nil {
			s.sendErrorResponse(w, statusFor(err),
				fmt.Sprintf("Invalid range: %v", err),
				"path", r.URL.Path, first, a, second, b)
			return
		}
		sendSuccess(w, message)
	}
}

// handleTakes returns the finalized takes
func (s *Server) handleTakes(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	takes := s.service.Takes()
	if takes == nil {
		takes = []capture.Take{}
	}
	writeJSON(w, http.StatusOK, TakesResponse{Takes: takes})
}

// handleLedger returns the finalized segments in capture order
func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	segments := s.service.Ledger()
	if segments == nil {
		segments = []capture.CaptureInfo{}
	}
	writeJSON(w, http.StatusOK, LedgerResponse{Segments: segments})
}

// handleMIDI drains the MIDI activity feed
func (s *Server) handleMIDI(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	feed := s.service.MIDIActivity()
	events := make([]MIDIEvent, 0, len(feed))
	for _, ev := range feed {
		data := make([]int, 0, ev.Event.Size)
		for _, b := range ev.Event.Data[:ev.Event.Size] {
			data = append(data, int(b))
		}
		events = append(events, MIDIEvent{Channel: ev.Channel, Time: ev.Event.Time, Data: data})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

// handleSaveState persists the engine state
func (s *Server) handleSaveState(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	if err := s.service.SaveState(); err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to save state: %v", err),
			"operation", "save_state")
		return
	}
	sendSuccess(w, "State saved")
}

// handleProfiles returns available configuration profiles
func (s *Server) handleProfiles(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"profiles":       s.getAvailableProfiles(),
		"active_profile": s.getActiveProfile(),
	})
}

// handleSelectProfile switches the active profile and rebuilds the engine
func (s *Server) handleSelectProfile(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) || !parseForm(w, r) {
		return
	}

	profile := r.FormValue("profile")
	slog.Debug("Profile selection request", "profile", profile)

	if err := s.service.LoadProfile(profile); err != nil {
		s.sendErrorResponse(w, statusFor(err),
			fmt.Sprintf("Failed to load profile '%s': %v", profile, err),
			"profile", profile, "operation", "profile_selection")
		return
	}

	// Update the active_config in the config file
	if err := config.UpdateActiveConfig(s.configFile, profile); err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to save profile selection to config file: %v", err),
			"profile", profile, "operation", "profile_selection")
		return
	}

	s.profileMu.Lock()
	s.activeProfile = profile
	s.profileMu.Unlock()

	slog.Info("Profile changed", "profile", profile)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": fmt.Sprintf("Profile changed to %s", profile),
		"profile": profile,
	})
}

// handleActiveProfile returns the currently active profile
func (s *Server) handleActiveProfile(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"active_profile": s.getActiveProfile(),
		"success":        true,
	})
}

func (s *Server) getActiveProfile() string {
	s.profileMu.RLock()
	defer s.profileMu.RUnlock()
	return s.activeProfile
}

func (s *Server) getAvailableProfiles() []string {
	profiles := []string{}

	if s.configFile != "" {
		if _, err := os.Stat(s.configFile); err == nil {
			// Create a new viper instance to avoid interfering with global config
			v := viper.New()
			v.SetConfigFile(s.configFile)

			if err := v.ReadInConfig(); err == nil {
				var rootConfig config.RootConfig
				if err := v.Unmarshal(&rootConfig); err == nil {
					for profileName := range rootConfig.Configs {
						profiles = append(profiles, profileName)
					}
				} else {
					slog.Debug("Failed to unmarshal config for profiles", "error", err)
				}
			} else {
				slog.Debug("Failed to read config file for profiles", "error", err)
			}
		}
	}

	sort.Strings(profiles)
	slog.Debug("Available profiles loaded", "profiles", profiles, "config_file", s.configFile)
	return profiles
}

func getActiveProfileName(configFile string) string {
	if configFile == "" {
		return ""
	}

	v := viper.New()
	v.SetConfigFile(configFile)
	if err := v.ReadInConfig(); err != nil {
		slog.Warn("Failed to read config file for active profile", "error", err)
		return ""
	}

	var rootConfig config.RootConfig
	if err := v.Unmarshal(&rootConfig); err != nil {
		slog.Warn("Failed to unmarshal config for active profile", "error", err)
		return ""
	}

	if rootConfig.ActiveConfig == "" {
		if _, ok := rootConfig.Configs["default"]; ok {
			return "default"
		}
		return ""
	}
	return rootConfig.ActiveConfig
}

// statusFor maps engine errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, capture.ErrInvalidTransition), errors.Is(err, capture.ErrNotRecordable):
		return http.StatusConflict
	case errors.Is(err, capture.ErrConfiguration):
		return http.StatusBadRequest
	case errors.Is(err, capture.ErrStorageOpen), errors.Is(err, capture.ErrStorageWrite):
		return http.StatusInternalServerError
	}
	return http.StatusBadRequest
}

func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	writeJSON(w, http.StatusMethodNotAllowed, map[string]interface{}{
		"success": false,
		"error":   "Method not allowed",
	})
	return false
}

func parseForm(w http.ResponseWriter, r *http.Request) bool {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"success": false,
			"error":   "Failed to parse form",
		})
		return false
	}
	return true
}

func sendSuccess(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": message,
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) sendErrorResponse(w http.ResponseWriter, statusCode int, errorMsg string, logContext ...interface{}) {
	// Log the error with structured context
	logFields := []interface{}{"error_message", errorMsg, "status_code", statusCode}
	if len(logContext) > 0 {
		logFields = append(logFields, logContext...)
	}
	slog.Error("Sending error response to client", logFields...)

	writeJSON(w, statusCode, map[string]interface{}{
		"success": false,
		"error":   errorMsg,
	})
}

func getLocalIP() string {
	// Try to connect to a remote address to determine local IP
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "localhost"
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String()
}
