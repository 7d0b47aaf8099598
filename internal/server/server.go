package server

import (
	"context"
	"encoding/json"
	"io"
	"io/fs"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shaunagostinho/dualboot/internal/boot"
	"github.com/shaunagostinho/dualboot/internal/device"
	"github.com/shaunagostinho/dualboot/internal/logger"
	"github.com/shaunagostinho/dualboot/internal/update"
)

// Device is the monitored target.
type Device interface {
	Status() device.Status
	InjectFault() (*boot.Outcome, error)
}

// Server publishes device status and update progress to WebSocket clients
// and records them to the audit log.
type Server struct {
	cfg   *Config
	webFS fs.FS
	audit *logger.Logger

	devMu sync.RWMutex
	dev   Device

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to all WebSocket clients.
type Frame struct {
	Device *device.Status `json:"device,omitempty"`
	Report *ReportFrame   `json:"report,omitempty"`
	Config *Config        `json:"config,omitempty"`
	Stamp  int64          `json:"stamp"` // Unix ms
}

// ReportFrame is one handled update command.
type ReportFrame struct {
	Command string        `json:"command"`
	Result  string        `json:"result"`
	Code    update.Result `json:"code"`
	Error   string        `json:"error,omitempty"`
	Status  update.Status `json:"status"`
}

// New creates a new Server. The device is attached later with Attach, so
// its hooks can point at the server.
func New(cfg *Config, webFS fs.FS) *Server {
	return &Server{
		cfg:   cfg,
		webFS: webFS,
		audit: logger.New(logger.Config{
			Enabled: cfg.Logging.Enabled,
			Path:    cfg.Logging.Path,
		}),
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Attach sets the monitored device.
func (s *Server) Attach(d Device) {
	s.devMu.Lock()
	s.dev = d
	s.devMu.Unlock()
}

func (s *Server) device() Device {
	s.devMu.RLock()
	defer s.devMu.RUnlock()
	return s.dev
}

// OnReport records and broadcasts one update command.
func (s *Server) OnReport(rep update.Report) {
	s.audit.Record(rep)
	rf := &ReportFrame{
		Command: rep.Command,
		Result:  rep.Result.String(),
		Code:    rep.Result,
		Status:  rep.Status,
	}
	if rep.Err != nil {
		rf.Error = rep.Err.Error()
	}
	s.broadcast(Frame{Report: rf, Stamp: rep.Time.UnixMilli()})
}

// OnBoot records and broadcasts a boot decision.
func (s *Server) OnBoot(st device.Status) {
	s.audit.RecordBoot(st)
	s.broadcast(Frame{Device: &st, Stamp: st.Stamp})
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Serve embedded web files
	if s.webFS != nil {
		mux.Handle("/", http.FileServer(http.FS(s.webFS)))
	}

	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/fault", s.handleFault)
	return mux
}

// Run starts the HTTP server and the status broadcast loop.
func (s *Server) Run(ctx context.Context) error {
	go s.broadcastLoop(ctx)

	srv := &http.Server{
		Addr:    s.cfg.Server.ListenAddr,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Printf("[server] listening on %s", s.cfg.Server.ListenAddr)
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
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

	// Initial frame before registering, so it is always first.
	frame := Frame{Config: s.cfg, Stamp: time.Now().UnixMilli()}
	if d := s.device(); d != nil {
		st := d.Status()
		frame.Device = &st
	}
	if data, err := s.marshal(frame); err == nil {
		client.send <- data
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()

	log.Printf("[ws] client connected (%d total)", n)

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine (keep-alive, close detection)
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			n := len(s.clients)
			close(client.send)
			s.clientsMu.Unlock()
			log.Printf("[ws] client disconnected (%d total)", n)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", 400)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		if err := s.cfg.Save(); err != nil {
			log.Printf("[config] save failed: %v", err)
		}
		s.cfg.mu.RLock()
		logOn := s.cfg.Logging.Enabled
		s.cfg.mu.RUnlock()
		s.audit.SetEnabled(logOn)

		// Broadcast updated config
		s.broadcast(Frame{Config: s.cfg, Stamp: time.Now().UnixMilli()})

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))

	default:
		http.Error(w, "method not allowed", 405)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", 405)
		return
	}
	d := s.device()
	if d == nil {
		http.Error(w, "no device", 503)
		return
	}
	writeJSON(w, d.Status())
}

// handleFault triggers a window watchdog reset on the device.
func (s *Server) handleFault(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", 405)
		return
	}
	d := s.device()
	if d == nil {
		http.Error(w, "no device", 503)
		return
	}
	out, err := d.InjectFault()
	resp := struct {
		Outcome *boot.Outcome `json:"outcome"`
		Error   string        `json:"error,omitempty"`
	}{Outcome: out}
	if err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, resp)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

// broadcastLoop pushes the device status at the configured interval while
// clients are connected.
func (s *Server) broadcastLoop(ctx context.Context) {
	ms := s.cfg.Server.BroadcastMs
	if ms <= 0 {
		ms = 500
	}
	ticker := time.NewTicker(time.Duration(ms) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.audit.Close()
			return
		case <-ticker.C:
			s.clientsMu.RLock()
			n := len(s.clients)
			s.clientsMu.RUnlock()
			d := s.device()
			if n == 0 || d == nil {
				continue
			}
			st := d.Status()
			s.broadcast(Frame{Device: &st, Stamp: st.Stamp})
		}
	}
}

// marshal encodes a frame; a Config inside is read under its lock.
func (s *Server) marshal(frame Frame) ([]byte, error) {
	if frame.Config != nil {
		frame.Config.mu.RLock()
		defer frame.Config.mu.RUnlock()
	}
	return json.Marshal(frame)
}

func (s *Server) broadcast(frame Frame) {
	data, err := s.marshal(frame)
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
