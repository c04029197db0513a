// Package preview serves live frames, diagnostics and health over HTTP so a
// browser can watch the show without a controller on the bench.
package preview

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	diag "github.com/coreman2200/funtimes-sandestin/internal/diagnostics"
	"github.com/coreman2200/funtimes-sandestin/internal/geometry"
	"github.com/coreman2200/funtimes-sandestin/internal/render"
	"github.com/coreman2200/funtimes-sandestin/internal/scheduler"
)

const (
	writeWait   = 200 * time.Millisecond
	recentDiags = 16
)

// Topology is sent to every /ws client on connect. Points are normalized
// pixel positions indexed by output slot.
type Topology struct {
	Nodes     int          `json:"nodes"`
	Edges     int          `json:"edges"`
	Pixels    int          `json:"pixels"`
	Order     string       `json:"order"`
	FPS       int          `json:"fps"`
	Output    string       `json:"output"`
	Universes int          `json:"universes"`
	Points    [][3]float64 `json:"points"`
}

func NewTopology(m *geometry.Model, order string, fps int) Topology {
	t := Topology{
		Nodes:  m.NodeCount(),
		Edges:  m.EdgeCount(),
		Pixels: m.PixelCount(),
		Order:  order,
		FPS:    fps,
		Points: make([][3]float64, m.SlotSpan()),
	}
	for _, p := range m.Pixels() {
		n := m.Normalize(p.Point)
		t.Points[p.OutputSlot] = [3]float64{n.X, n.Y, n.Z}
	}
	return t
}

type frameJSON struct {
	Frame int64  `json:"frame"`
	T     int64  `json:"t"`
	Data  []byte `json:"data"`
}

type client struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *client) write(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, b)
}

type Options struct {
	Logger zerolog.Logger
	// Stats reports the scheduler's counters on /health; may be nil.
	Stats func() scheduler.Stats
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
	// OnClients is told the number of connected /ws clients on change.
	OnClients func(n int)
}

type Server struct {
	opts     Options
	log      zerolog.Logger
	topo     Topology
	topoJSON []byte
	start    time.Time
	up       websocket.Upgrader

	frames    *mailbox
	lastFrame atomic.Int64
	diags     chan diag.Diagnostic

	mu          sync.RWMutex
	clients     map[*client]bool
	diagClients map[*client]bool
	recent      []diag.Diagnostic
}

func NewServer(topo Topology, opts Options) *Server {
	b, _ := json.Marshal(topo)
	return &Server{
		opts:        opts,
		log:         opts.Logger,
		topo:        topo,
		topoJSON:    b,
		start:       time.Now(),
		up:          websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		frames:      newMailbox(),
		diags:       make(chan diag.Diagnostic, 64),
		clients:     map[*client]bool{},
		diagClients: map[*client]bool{},
	}
}

// Publish hands a frame to the broadcaster. It copies buf and never blocks.
func (s *Server) Publish(f render.Frame, buf []byte) {
	s.lastFrame.Store(f.Index)
	s.frames.put(&frameMsg{frame: f, data: append([]byte(nil), buf...)})
}

// PushDiag queues a diagnostic for /diag clients, dropping it if the queue
// is full.
func (s *Server) PushDiag(d diag.Diagnostic) {
	select {
	case s.diags <- d:
	default:
		s.log.Debug().Str("code", d.Code).Msg("diagnostic queue full")
	}
}

// Run broadcasts frames and diagnostics until ctx is done.
func (s *Server) Run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		s.frames.close()
	}()
	go s.diagLoop(ctx)
	for {
		msg, ok := s.frames.take()
		if !ok {
			return
		}
		b, err := json.Marshal(frameJSON{
			Frame: msg.frame.Index,
			T:     msg.frame.DisplayTime.UnixMilli(),
			Data:  msg.data,
		})
		if err != nil {
			s.log.Error().Err(err).Msg("encode frame")
			continue
		}
		s.broadcast(s.clients, b)
	}
}

func (s *Server) diagLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-s.diags:
			s.mu.Lock()
			s.recent = append(s.recent, d)
			if len(s.recent) > recentDiags {
				s.recent = s.recent[len(s.recent)-recentDiags:]
			}
			s.mu.Unlock()
			b, _ := json.Marshal(d)
			s.broadcast(s.diagClients, b)
		}
	}
}

func (s *Server) broadcast(set map[*client]bool, b []byte) {
	s.mu.RLock()
	targets := make([]*client, 0, len(set))
	for c := range set {
		targets = append(targets, c)
	}
	s.mu.RUnlock()
	for _, c := range targets {
		if err := c.write(b); err != nil {
			s.log.Debug().Err(err).Msg("write preview")
			s.drop(c)
		}
	}
}

func (s *Server) add(set map[*client]bool, c *client) {
	s.mu.Lock()
	set[c] = true
	n := len(s.clients)
	s.mu.Unlock()
	if s.opts.OnClients != nil {
		s.opts.OnClients(n)
	}
}

func (s *Server) drop(c *client) {
	s.mu.Lock()
	_, wasFrame := s.clients[c]
	delete(s.clients, c)
	delete(s.diagClients, c)
	n := len(s.clients)
	s.mu.Unlock()
	_ = c.conn.Close()
	if wasFrame && s.opts.OnClients != nil {
		s.opts.OnClients(n)
	}
}

// ClientCount is the number of connected /ws clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Dropped is how many frames were overwritten before the broadcaster got
// to them.
func (s *Server) Dropped() uint64 { return s.frames.dropped() }

// readUntilClosed discards client messages and drops c once the peer goes
// away.
func (s *Server) readUntilClosed(c *client) {
	defer s.drop(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) HandleFramesWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &client{conn: conn}
	if err := c.write(s.topoJSON); err != nil {
		_ = conn.Close()
		return
	}
	s.add(s.clients, c)
	go s.readUntilClosed(c)
}

func (s *Server) HandleDiagWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &client{conn: conn}
	s.mu.RLock()
	backlog := append([]diag.Diagnostic(nil), s.recent...)
	s.mu.RUnlock()
	for _, d := range backlog {
		b, _ := json.Marshal(d)
		if err := c.write(b); err != nil {
			_ = conn.Close()
			return
		}
	}
	s.add(s.diagClients, c)
	go s.readUntilClosed(c)
}

type health struct {
	Frame    int64            `json:"frame"`
	UptimeS  float64          `json:"uptime_s"`
	Pixels   int              `json:"pixels"`
	FPS      int              `json:"fps"`
	Output   string           `json:"output"`
	Clients  int              `json:"clients"`
	Dropped  uint64           `json:"preview_dropped"`
	Schedule *scheduler.Stats `json:"schedule,omitempty"`
}

func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := health{
		Frame:   s.lastFrame.Load(),
		UptimeS: time.Since(s.start).Seconds(),
		Pixels:  s.topo.Pixels,
		FPS:     s.topo.FPS,
		Output:  s.topo.Output,
		Clients: s.ClientCount(),
		Dropped: s.Dropped(),
	}
	if s.opts.Stats != nil {
		st := s.opts.Stats()
		resp.Schedule = &st
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.HandleFramesWS)
	mux.HandleFunc("/diag", s.HandleDiagWS)
	mux.HandleFunc("/health", s.HandleHealth)
	if s.opts.Metrics != nil {
		mux.Handle("/metrics", s.opts.Metrics)
	}
	return mux
}

// ListenAndServe serves Handler on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves Handler on ln until ctx is done, then closes every websocket
// client. Shutdown does not track hijacked connections.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	select {
	case err := <-errc:
		s.closeClients()
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		if e := <-errc; !errors.Is(e, http.ErrServerClosed) {
			err = errors.Join(err, e)
		}
		s.closeClients()
		return err
	}
}

func (s *Server) closeClients() {
	s.mu.RLock()
	all := make([]*client, 0, len(s.clients)+len(s.diagClients))
	for c := range s.clients {
		all = append(all, c)
	}
	for c := range s.diagClients {
		all = append(all, c)
	}
	s.mu.RUnlock()
	for _, c := range all {
		s.drop(c)
	}
}
