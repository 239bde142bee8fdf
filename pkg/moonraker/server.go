// Package moonraker provides a Moonraker-compatible API server.
// This lets Fluidd/Mainsail style clients drive the MMU host: object
// queries, G-code scripts, console notifications and metrics.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package moonraker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	stdlog "log"
	"net/http"
	"os"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	sse "github.com/alexandrevicenzi/go-sse"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"klipper-mmu/pkg/log"
	"klipper-mmu/pkg/metrics"
)

// Event stream channels.
const (
	EventsGCode  = "/server/events/gcode"
	EventsStatus = "/server/events/status"
)

const (
	defaultStatusInterval = 250 * time.Millisecond
	defaultStoreSize      = 1000
	defaultHistorySize    = 500
	consoleQueue          = 256
)

// Server provides a Moonraker-compatible API server.
type Server struct {
	backend  Backend
	gatherer metrics.Gatherer
	logger   *zerolog.Logger

	router     http.Handler
	httpServer *http.Server
	addr       string

	// WebSocket management
	wsUpgrader websocket.Upgrader
	wsClients  map[int64]*wsConn
	wsClientMu sync.RWMutex
	nextWSID   atomic.Int64

	// clientID -> object -> attributes
	subscriptions map[int64]map[string][]string
	lastSent      map[int64]map[string]map[string]any
	subMu         sync.Mutex

	events     *sse.Server
	lastStatus map[string]any

	console   chan string
	store     []StoreEntry
	storeSize int
	storeMu   sync.RWMutex

	history *HistoryManager

	statusInterval time.Duration
	startOnce      sync.Once
	stopOnce       sync.Once
	done           chan struct{}
	startTime      time.Time
}

// Config holds server configuration.
type Config struct {
	// HTTP address to listen on (e.g., ":7125")
	Addr string

	Backend Backend

	// Metrics is served on /metrics when set.
	Metrics metrics.Gatherer

	// StatusInterval is the subscription update period; 250ms when zero.
	StatusInterval time.Duration

	// StoreSize bounds the console line store; 1000 when zero.
	StoreSize int

	// HistorySize bounds the job history; 500 when zero.
	HistorySize int
}

// StoreEntry is one console line kept for server.gcode_store.
type StoreEntry struct {
	Message string  `json:"message"`
	Time    float64 `json:"time"`
	Type    string  `json:"type"`
}

// New creates a new Moonraker-compatible server.
func New(cfg Config) *Server {
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = defaultStatusInterval
	}
	if cfg.StoreSize <= 0 {
		cfg.StoreSize = defaultStoreSize
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}

	s := &Server{
		backend:        cfg.Backend,
		gatherer:       cfg.Metrics,
		logger:         log.GetLogger("moonraker"),
		addr:           cfg.Addr,
		wsClients:      make(map[int64]*wsConn),
		subscriptions:  make(map[int64]map[string][]string),
		lastSent:       make(map[int64]map[string]map[string]any),
		console:        make(chan string, consoleQueue),
		storeSize:      cfg.StoreSize,
		history:        NewHistoryManager(cfg.HistorySize),
		statusInterval: cfg.StatusInterval,
		done:           make(chan struct{}),
		startTime:      time.Now(),
	}

	s.wsUpgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
	s.events = sse.NewServer(&sse.Options{
		Logger: stdlog.New(debugWriter{s.logger}, "", 0),
	})
	s.router = s.routes()

	return s
}

// debugWriter feeds go-sse's standard logger into zerolog at debug level.
type debugWriter struct {
	logger *zerolog.Logger
}

func (w debugWriter) Write(p []byte) (int, error) {
	w.logger.Debug().Str("source", "sse").Msg(strings.TrimSpace(string(p)))
	return len(p), nil
}

func (s *Server) routes() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/jsonrpc", s.handleJSONRPC).Methods(http.MethodPost)
	r.HandleFunc("/websocket", s.handleWebSocket).Methods(http.MethodGet)

	r.HandleFunc("/server/info", s.handleServerInfo).Methods(http.MethodGet)
	r.HandleFunc("/server/gcode_store", s.handleGCodeStore).Methods(http.MethodGet)
	r.HandleFunc("/printer/info", s.handlePrinterInfo).Methods(http.MethodGet)
	r.HandleFunc("/printer/objects/list", s.handleObjectsList).Methods(http.MethodGet)
	r.HandleFunc("/printer/objects/query", s.handleObjectsQuery).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/printer/gcode/script", s.handleGCodeScript).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/printer/emergency_stop", s.handleEmergencyStop).Methods(http.MethodPost)

	s.history.RegisterHistoryEndpoints(r)

	r.PathPrefix("/server/events/").Handler(s.events)

	if s.gatherer != nil {
		r.Handle("/metrics", metrics.Handler(s.gatherer))
	}

	r.Use(corsMiddleware)
	return r
}

// Handler returns the API handler and starts the background loops.
func (s *Server) Handler() http.Handler {
	s.startLoops()
	return s.router
}

// History returns the job history.
func (s *Server) History() *HistoryManager {
	return s.history
}

// Start starts the API server and blocks until it stops.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}

	s.logger.Info().Str("addr", s.addr).Msg("Moonraker API server starting")

	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop stops the API server.
func (s *Server) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		close(s.done)

		s.wsClientMu.Lock()
		for _, client := range s.wsClients {
			client.Close()
		}
		s.wsClients = make(map[int64]*wsConn)
		s.wsClientMu.Unlock()

		s.events.Shutdown()
	})

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func (s *Server) startLoops() {
	s.startOnce.Do(func() {
		go s.consoleLoop()
		go s.statusBroadcastLoop()
	})
}

// Publish queues a console line for websocket and event stream clients.
// It never blocks, so it is safe as a G-code dispatcher output.
func (s *Server) Publish(line string) {
	s.storeLine(line, "response")
	select {
	case s.console <- line:
	default:
		s.logger.Warn().Str("line", line).Msg("console queue full, dropping line")
	}
}

func (s *Server) storeLine(line, kind string) {
	s.storeMu.Lock()
	defer s.storeMu.Unlock()

	s.store = append(s.store, StoreEntry{
		Message: line,
		Time:    float64(time.Now().UnixNano()) / 1e9,
		Type:    kind,
	})
	if over := len(s.store) - s.storeSize; over > 0 {
		s.store = append(s.store[:0:0], s.store[over:]...)
	}
}

// GCodeStore returns up to count of the most recent console lines.
func (s *Server) GCodeStore(count int) []StoreEntry {
	s.storeMu.RLock()
	defer s.storeMu.RUnlock()

	entries := s.store
	if count > 0 && count < len(entries) {
		entries = entries[len(entries)-count:]
	}
	return append([]StoreEntry{}, entries...)
}

func (s *Server) consoleLoop() {
	for {
		select {
		case line := <-s.console:
			s.broadcast(map[string]any{
				"jsonrpc": "2.0",
				"method":  "notify_gcode_response",
				"params":  []any{line},
			})
			s.events.SendMessage(EventsGCode, sse.SimpleMessage(line))
		case <-s.done:
			return
		}
	}
}

func (s *Server) broadcast(msg any) {
	s.wsClientMu.RLock()
	defer s.wsClientMu.RUnlock()
	for _, client := range s.wsClients {
		client.Send(msg)
	}
}

func (s *Server) eventtime() float64 {
	return time.Since(s.startTime).Seconds()
}

// RunScript executes a script through the backend and records it in the
// job history.
func (s *Server) RunScript(ctx context.Context, script string) error {
	s.storeLine(script, "command")
	job := s.history.StartJob(script, s.currentFilament())

	err := s.backend.RunGCode(ctx, script)

	s.history.FinishJob(job.JobID, s.currentFilament(), err)
	if err != nil {
		s.logger.Warn().Err(err).Str("script", script).Msg("gcode script failed")
	}
	return err
}

func (s *Server) currentFilament() any {
	status := s.backend.ObjectStatus("mmu3", []string{"current_filament"})
	return status["current_filament"]
}

// JSON-RPC 2.0 structures

type jsonRPCRequest struct {
	JSONRPC string         `json:"jsonrpc"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params,omitempty"`
	ID      any            `json:"id,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	Result  any           `json:"result,omitempty"`
	Error   *jsonRPCError `json:"error,omitempty"`
	ID      any           `json:"id,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, rpcError(nil, rpcParseError, "Parse error"))
		return
	}
	writeJSON(w, s.call(r.Context(), data, nil))
}

func (s *Server) dispatchMethod(ctx context.Context, method string, params map[string]any, client *wsConn) (any, error) {
	switch method {
	case "server.info":
		return s.methodServerInfo()
	case "server.gcode_store":
		count, _ := params["count"].(float64)
		return map[string]any{"gcode_store": s.GCodeStore(int(count))}, nil
	case "server.history.totals":
		return map[string]any{"job_totals": s.history.GetTotals()}, nil
	case "printer.info":
		return s.methodPrinterInfo()
	case "printer.objects.list":
		return map[string]any{"objects": s.backend.ObjectNames()}, nil
	case "printer.objects.query":
		return s.methodObjectsQuery(params)
	case "printer.objects.subscribe":
		return s.methodObjectsSubscribe(params, client)
	case "printer.gcode.script":
		return s.methodGCodeScript(ctx, params)
	case "printer.emergency_stop":
		return s.methodEmergencyStop()
	case "server.connection.identify":
		return s.methodIdentify(params, client)
	default:
		return nil, fmt.Errorf("method not found: %s", method)
	}
}

func (s *Server) methodServerInfo() (any, error) {
	state, _ := s.backend.KlippyState()
	hostname, _ := os.Hostname()

	s.wsClientMu.RLock()
	wsCount := len(s.wsClients)
	s.wsClientMu.RUnlock()

	return map[string]any{
		"klippy_connected":   true,
		"klippy_state":       state,
		"components":         []string{"klippy_apis", "history", "event_stream"},
		"failed_components":  []string{},
		"warnings":           []string{},
		"websocket_count":    wsCount,
		"moonraker_version":  "v0.8.0-klipper-mmu",
		"api_version":        []int{1, 5, 0},
		"api_version_string": "1.5.0",
		"hostname":           hostname,
	}, nil
}

func (s *Server) methodPrinterInfo() (any, error) {
	state, message := s.backend.KlippyState()
	hostname, _ := os.Hostname()
	return map[string]any{
		"state":            state,
		"state_message":    message,
		"hostname":         hostname,
		"software_version": "klipper-mmu",
	}, nil
}

// parseObjects converts {"objects": {name: null | [attr...]}}.
func parseObjects(params map[string]any) (map[string][]string, error) {
	objectsParam, ok := params["objects"]
	if !ok {
		return nil, fmt.Errorf("missing 'objects' parameter")
	}
	objects, ok := objectsParam.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("'objects' must be an object")
	}

	parsed := make(map[string][]string, len(objects))
	for name, attrsVal := range objects {
		var attrs []string
		if list, ok := attrsVal.([]any); ok {
			for _, attr := range list {
				if a, ok := attr.(string); ok {
					attrs = append(attrs, a)
				}
			}
		}
		parsed[name] = attrs
	}
	return parsed, nil
}

func (s *Server) queryObjects(objects map[string][]string) map[string]any {
	result := make(map[string]any)
	for name, attrs := range objects {
		if status := s.backend.ObjectStatus(name, attrs); status != nil {
			result[name] = status
		}
	}
	return map[string]any{
		"eventtime": s.eventtime(),
		"status":    result,
	}
}

func (s *Server) methodObjectsQuery(params map[string]any) (any, error) {
	objects, err := parseObjects(params)
	if err != nil {
		return nil, err
	}
	return s.queryObjects(objects), nil
}

func (s *Server) methodObjectsSubscribe(params map[string]any, client *wsConn) (any, error) {
	if client == nil {
		return nil, fmt.Errorf("subscription requires WebSocket connection")
	}
	objects, err := parseObjects(params)
	if err != nil {
		return nil, err
	}

	result := s.queryObjects(objects)

	s.subMu.Lock()
	s.subscriptions[client.id] = objects
	sent := make(map[string]map[string]any)
	for name, status := range result["status"].(map[string]any) {
		sent[name] = status.(map[string]any)
	}
	s.lastSent[client.id] = sent
	s.subMu.Unlock()

	return result, nil
}

func (s *Server) methodGCodeScript(ctx context.Context, params map[string]any) (any, error) {
	script, ok := params["script"].(string)
	if !ok || strings.TrimSpace(script) == "" {
		return nil, fmt.Errorf("missing 'script' parameter")
	}
	if err := s.RunScript(ctx, script); err != nil {
		return nil, err
	}
	return "ok", nil
}

func (s *Server) methodEmergencyStop() (any, error) {
	s.logger.Warn().Msg("emergency stop requested")
	s.backend.EmergencyStop()
	s.broadcast(map[string]any{
		"jsonrpc": "2.0",
		"method":  "notify_klippy_shutdown",
	})
	return "ok", nil
}

func (s *Server) methodIdentify(params map[string]any, client *wsConn) (any, error) {
	clientName, _ := params["client_name"].(string)
	if clientName == "" {
		clientName = "unknown"
	}
	var id int64
	if client != nil {
		id = client.id
	}
	s.logger.Info().Str("client", clientName).Int64("connection_id", id).Msg("client identified")
	return map[string]any{"connection_id": id}, nil
}

// REST endpoint handlers

func (s *Server) writeResult(w http.ResponseWriter, result any, err error) {
	if err != nil {
		writeJSONError(w, err, http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]any{"result": result})
}

func (s *Server) handleServerInfo(w http.ResponseWriter, r *http.Request) {
	result, err := s.methodServerInfo()
	s.writeResult(w, result, err)
}

func (s *Server) handlePrinterInfo(w http.ResponseWriter, r *http.Request) {
	result, err := s.methodPrinterInfo()
	s.writeResult(w, result, err)
}

func (s *Server) handleObjectsList(w http.ResponseWriter, r *http.Request) {
	s.writeResult(w, map[string]any{"objects": s.backend.ObjectNames()}, nil)
}

func (s *Server) handleGCodeStore(w http.ResponseWriter, r *http.Request) {
	s.writeResult(w, map[string]any{"gcode_store": s.GCodeStore(queryInt(r, "count", 0))}, nil)
}

// handleObjectsQuery accepts Moonraker's query string form
// (?mmu3&extruder=temperature,target) on GET and a JSON body on POST.
func (s *Server) handleObjectsQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		objects := make(map[string][]string)
		for name, values := range r.URL.Query() {
			var attrs []string
			for _, v := range values {
				for _, a := range strings.Split(v, ",") {
					if a = strings.TrimSpace(a); a != "" {
						attrs = append(attrs, a)
					}
				}
			}
			objects[name] = attrs
		}
		s.writeResult(w, s.queryObjects(objects), nil)
		return
	}

	var params map[string]any
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeJSONError(w, err, http.StatusBadRequest)
		return
	}
	result, err := s.methodObjectsQuery(params)
	s.writeResult(w, result, err)
}

func (s *Server) handleGCodeScript(w http.ResponseWriter, r *http.Request) {
	params := map[string]any{}
	if script := r.URL.Query().Get("script"); script != "" {
		params["script"] = script
	} else if r.Method == http.MethodPost {
		if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
			writeJSONError(w, err, http.StatusBadRequest)
			return
		}
	}

	result, err := s.methodGCodeScript(r.Context(), params)
	s.writeResult(w, result, err)
}

func (s *Server) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	result, err := s.methodEmergencyStop()
	s.writeResult(w, result, err)
}

// corsMiddleware allows cross-origin requests from browser frontends.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// JSON response helpers

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeJSONError(w http.ResponseWriter, err error, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":    status,
			"message": err.Error(),
		},
	})
}

// statusBroadcastLoop periodically pushes changed object status to
// subscribed websocket clients and the mmu3 object to the event stream.
func (s *Server) statusBroadcastLoop() {
	ticker := time.NewTicker(s.statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.broadcastStatusUpdates()
			s.publishMMUStatus()
		case <-s.done:
			return
		}
	}
}

func (s *Server) broadcastStatusUpdates() {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	eventtime := s.eventtime()
	for clientID, objects := range s.subscriptions {
		s.wsClientMu.RLock()
		client, ok := s.wsClients[clientID]
		s.wsClientMu.RUnlock()
		if !ok {
			continue
		}

		sent := s.lastSent[clientID]
		changed := make(map[string]any)
		for name, attrs := range objects {
			status := s.backend.ObjectStatus(name, attrs)
			if status == nil || reflect.DeepEqual(sent[name], status) {
				continue
			}
			changed[name] = status
			sent[name] = status
		}
		if len(changed) == 0 {
			continue
		}

		client.Send(map[string]any{
			"jsonrpc": "2.0",
			"method":  "notify_status_update",
			"params":  []any{changed, eventtime},
		})
	}
}

func (s *Server) publishMMUStatus() {
	status := s.backend.ObjectStatus("mmu3", nil)
	if status == nil || reflect.DeepEqual(status, s.lastStatus) {
		return
	}
	data, err := json.Marshal(status)
	if err != nil {
		s.logger.Error().Err(err).Msg("marshal mmu3 status")
		return
	}
	s.lastStatus = status
	s.events.SendMessage(EventsStatus, sse.SimpleMessage(string(data)))
}
