package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/okulov/pumprig/internal/event"
	"github.com/okulov/pumprig/internal/logger"
	"github.com/okulov/pumprig/internal/rig"
	"github.com/okulov/pumprig/internal/sequencer"
)

// Server is the upward interface of the controller: an HTTP API for
// commands and a WebSocket stream of log lines, pressure samples, progress
// and actuator state for whatever presentation layer is attached. It also
// owns the periodic live-pressure poller.
type Server struct {
	cfg     *Config
	rigProv rig.Provider
	seq     *sequencer.Sequencer
	bus     *event.Bus
	rec     *logger.Logger

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader

	handleMu sync.Mutex
	handle   *sequencer.Handle
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to WebSocket clients: either one bus
// event or a full state snapshot.
type Frame struct {
	Event *event.Event `json:"event,omitempty"`
	State *StateFrame  `json:"state,omitempty"`
	Stamp int64        `json:"stamp"` // Unix ms
}

// StateFrame is the full controller state, sent on connect and on demand.
type StateFrame struct {
	Connected bool                  `json:"connected"`
	Actuators map[rig.Actuator]bool `json:"actuators"`
	Run       sequencer.Run         `json:"run"`
}

// New creates a Server wired to a rig backend.
func New(cfg *Config, rigProv rig.Provider, bus *event.Bus) *Server {
	return &Server{
		cfg:     cfg,
		rigProv: rigProv,
		seq:     sequencer.New(rigProv, cfg.SequencerTiming(), bus),
		bus:     bus,
		rec:     logger.New(cfg.Logging),
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Run starts the HTTP server, the event pump and the live pressure poller.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/connect", s.handleConnect)
	mux.HandleFunc("/api/disconnect", s.handleDisconnect)
	mux.HandleFunc("/api/actuator", s.handleActuator)
	mux.HandleFunc("/api/pulse", s.handlePulse)
	mux.HandleFunc("/api/test/start", s.handleTestStart)
	mux.HandleFunc("/api/test/cancel", s.handleTestCancel)
	mux.HandleFunc("/api/config", s.handleConfig)

	go s.eventPump(ctx)
	go s.pollLoop(ctx)

	srv := &http.Server{
		Addr:    s.cfg.Server.ListenAddr,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		s.rec.Close()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Printf("[server] listening on %s", s.cfg.Server.ListenAddr)
	return srv.ListenAndServe()
}

// eventPump forwards bus events to WebSocket clients and the CSV recorder.
func (s *Server) eventPump(ctx context.Context) {
	events, cancel := s.bus.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Kind {
			case event.TypeLog:
				log.Printf("[rig] %s", ev.Text)
			case event.TypeProgress:
				s.rec.Sample(rig.PressureSample{
					StepIndex: ev.StepIndex,
					Value:     ev.Pressure,
					Stamp:     ev.Stamp,
				})
			case event.TypeSummary:
				s.rec.Summary(ev.OpenPressure, ev.ClosePressure)
			}
			e := ev
			s.broadcast(Frame{Event: &e, Stamp: ev.Stamp.UnixMilli()})
		}
	}
}

// pollLoop reads pressure once per poll interval for live display. A failed
// read is a missed sample: logged, never escalated. The exchange itself
// reconnects lazily, exactly like a manually triggered read would.
func (s *Server) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sample, err := s.rigProv.ReadPressure()
			if err != nil {
				log.Printf("[poll] pressure read failed: %v", err)
				continue
			}
			s.rec.Sample(sample)
			s.bus.Publish(event.Event{
				Kind:     event.TypePressure,
				Pressure: sample.Value,
				Stamp:    sample.Stamp,
			})
		}
	}
}

func (s *Server) stateFrame() *StateFrame {
	return &StateFrame{
		Connected: s.rigProv.IsConnected(),
		Actuators: s.rigProv.ActuatorStates(),
		Run:       s.seq.Snapshot(),
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	total := len(s.clients)
	s.clientsMu.Unlock()

	log.Printf("[ws] client connected (%d total)", total)

	// Initial full state
	if data, err := json.Marshal(Frame{State: s.stateFrame(), Stamp: time.Now().UnixMilli()}); err == nil {
		client.send <- data
	}

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine (handle incoming messages / keep-alive)
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			total := len(s.clients)
			s.clientsMu.Unlock()
			close(client.send)
			log.Printf("[ws] client disconnected (%d total)", total)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, s.stateFrame())
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.rigProv.Connect(); err != nil {
		s.bus.Logf("connect failed: %v", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	s.bus.Logf("connected to %s", s.rigProv.Name())
	writeJSON(w, map[string]string{"status": "connected"})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.rigProv.Close(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.bus.Logf("disconnected")
	writeJSON(w, map[string]string{"status": "disconnected"})
}

func (s *Server) handleActuator(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Name string `json:"name"`
		On   bool   `json:"on"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	err := s.rigProv.SetActuator(rig.Actuator(req.Name), req.On)
	switch {
	case errors.Is(err, rig.ErrUnknownActuator):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		// transport failure: reported, never fatal
		writeJSON(w, map[string]interface{}{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(w, map[string]interface{}{"ok": true})
}

// handlePulse fires a momentary contact on an output, held for the
// configured pulse time. This is the manual frequency trim path.
func (s *Server) handlePulse(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	err := s.rigProv.Pulse(rig.Actuator(req.Name), s.cfg.SequencerTiming().PulseHold)
	switch {
	case errors.Is(err, rig.ErrUnknownActuator):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		writeJSON(w, map[string]interface{}{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(w, map[string]interface{}{"ok": true})
}

func (s *Server) handleTestStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Profile string `json:"profile"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	h, err := s.seq.Start(sequencer.Profile(req.Profile))
	switch {
	case errors.Is(err, sequencer.ErrAlreadyRunning):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case errors.Is(err, sequencer.ErrProfileNotSupported):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.handleMu.Lock()
	s.handle = h
	s.handleMu.Unlock()
	writeJSON(w, map[string]string{"status": "started"})
}

func (s *Server) handleTestCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.handleMu.Lock()
	h := s.handle
	s.handleMu.Unlock()

	if h == nil {
		http.Error(w, "no test running", http.StatusConflict)
		return
	}
	h.Cancel()
	writeJSON(w, map[string]string{"status": "cancelling"})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.seq.SetTiming(s.cfg.SequencerTiming())
		if err := s.cfg.Save(); err != nil {
			log.Printf("[config] save failed: %v", err)
		}
		writeJSON(w, map[string]string{"status": "ok"})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[server] response encode failed: %v", err)
	}
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}
