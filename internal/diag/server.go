package diag

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"funding_keeper/internal/config"
	"funding_keeper/internal/core"
	"funding_keeper/internal/execution"
	"funding_keeper/internal/guardian"
	"funding_keeper/internal/journal"
	"funding_keeper/internal/reconcile"
	"funding_keeper/internal/risk"
)

var (
	diagActiveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "keeper_diag_ws_connections",
		Help: "Current number of diagnostics WebSocket subscribers",
	})

	diagRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "keeper_diag_ws_rejected_total",
		Help: "Diagnostics WebSocket connections rejected before upgrade",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(diagActiveConnections, diagRejectedTotal)
}

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 54 * time.Second
)

// OrderSource lists the registry's live order records.
type OrderSource interface {
	ActiveOrders() []*execution.OrderLock
}

// ReconcileSource exposes the reconciliation engine's book.
type ReconcileSource interface {
	Expectations() []reconcile.Expectation
	Pairs() []reconcile.HedgePair
	LastResult() *reconcile.Result
}

// RetrySource lists the guardian's recovery retry book.
type RetrySource interface {
	RetryRecords() []guardian.RetryView
}

// TripSource reads and re-arms the venue trip switch.
type TripSource interface {
	Status() []risk.VenueStatus
	Reset(venue core.Venue) bool
}

// PositionSource returns the cached venue positions.
type PositionSource interface {
	AllPositions() map[core.Venue][]*core.Position
}

// HealthSource aggregates component liveness probes. Satisfied by the
// health manager.
type HealthSource interface {
	Status() map[string]string
	Healthy() bool
}

// Sources are the keeper components the server reads from. Any field
// may be nil; the matching snapshot section stays empty.
type Sources struct {
	Orders    OrderSource
	Reconcile ReconcileSource
	Retries   RetrySource
	Trips     TripSource
	Positions PositionSource
	Journal   journal.Journal
	Health    HealthSource
}

// Snapshot is the one-page view of keeper state served by
// GET /diag/snapshot and pushed as the hello frame on /ws.
type Snapshot struct {
	GeneratedAt   time.Time
	Subscribers   int
	ActiveOrders  []*execution.OrderLock
	Expectations  []reconcile.Expectation
	HedgePairs    []reconcile.HedgePair
	LastReconcile *reconcile.Result
	Retries       []guardian.RetryView
	VenueTrips    []risk.VenueStatus
	Positions     map[core.Venue][]*core.Position
}

// Server serves the diagnostics surface on one listener: JSON
// endpoints, the Prometheus scrape handler and the event WebSocket.
type Server struct {
	hub     *Hub
	sources Sources
	logger  core.ILogger
	clock   core.Clock

	addr           string
	allowedOrigins []string
	upgrader       websocket.Upgrader

	connSemaphore chan struct{}

	ipLimiters sync.Map // remote ip -> *rate.Limiter
	rateLimit  rate.Limit
	rateBurst  int

	mu  sync.Mutex
	srv *http.Server
}

// NewServer wires the diagnostics server against the given sources.
func NewServer(sources Sources, cfg *config.Config, logger core.ILogger, clock core.Clock) *Server {
	if clock == nil {
		clock = core.RealClock{}
	}
	s := &Server{
		hub:            NewHub(logger),
		sources:        sources,
		logger:         logger.WithField("component", "diag_server"),
		clock:          clock,
		addr:           fmt.Sprintf(":%d", cfg.Diag.Port),
		allowedOrigins: cfg.Diag.AllowedOrigins,
		connSemaphore:  make(chan struct{}, cfg.Diag.MaxConnections),
		rateLimit:      rate.Limit(10),
		rateBurst:      20,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Hub returns the broadcast hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Broadcast pushes a frame to every connected subscriber.
func (s *Server) Broadcast(msg Message) {
	s.hub.Broadcast(msg)
}

// Handler builds the route table. Exposed so tests can serve it from
// an httptest server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/diag/snapshot", s.handleSnapshot)
	mux.HandleFunc("/diag/journal", s.handleJournal)
	mux.HandleFunc("/diag/venues/reset", s.handleVenueReset)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Start runs the hub and serves HTTP until the context ends.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)

	s.mu.Lock()
	s.srv = &http.Server{Addr: s.addr, Handler: s.Handler()}
	srv := s.srv
	s.mu.Unlock()

	s.logger.Info("Diagnostics server listening", "addr", s.addr)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Stop(context.Background())
	}
}

// Stop gracefully shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv == nil {
		return nil
	}
	s.logger.Info("Diagnostics server stopping")
	return s.srv.Shutdown(ctx)
}

// snapshot assembles the current state from every wired source.
func (s *Server) snapshot() *Snapshot {
	snap := &Snapshot{
		GeneratedAt: s.clock.Now(),
		Subscribers: s.hub.SubscriberCount(),
	}
	if src := s.sources.Orders; src != nil {
		snap.ActiveOrders = src.ActiveOrders()
	}
	if src := s.sources.Reconcile; src != nil {
		snap.Expectations = src.Expectations()
		snap.HedgePairs = src.Pairs()
		snap.LastReconcile = src.LastResult()
	}
	if src := s.sources.Retries; src != nil {
		snap.Retries = src.RetryRecords()
	}
	if src := s.sources.Trips; src != nil {
		snap.VenueTrips = src.Status()
	}
	if src := s.sources.Positions; src != nil {
		snap.Positions = src.AllPositions()
	}
	return snap
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{
		"status":      "ok",
		"subscribers": s.hub.SubscriberCount(),
		"time":        s.clock.Now().Unix(),
	}
	code := http.StatusOK
	if s.sources.Health != nil {
		body["components"] = s.sources.Health.Status()
		if !s.sources.Health.Healthy() {
			body["status"] = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, body)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.snapshot())
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.sources.Journal == nil {
		writeJSON(w, http.StatusOK, []journal.Entry{})
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	entries, err := s.sources.Journal.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("Journal read failed", "error", err)
		http.Error(w, "journal read failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleVenueReset re-arms a tripped venue. The only mutating endpoint
// the server exposes.
func (s *Server) handleVenueReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.sources.Trips == nil {
		http.Error(w, "trip switch not wired", http.StatusNotFound)
		return
	}
	venue := r.URL.Query().Get("venue")
	if venue == "" {
		http.Error(w, "missing venue parameter", http.StatusBadRequest)
		return
	}
	reset := s.sources.Trips.Reset(core.Venue(venue))
	if reset {
		s.logger.Warn("Operator reset venue trip switch", "venue", venue)
		s.hub.Broadcast(NewVenueTripMessage(map[string]any{"venue": venue, "reset": true}))
	}
	writeJSON(w, http.StatusOK, map[string]any{"venue": venue, "reset": reset})
}

// checkOrigin enforces the origin whitelist. "*" disables the check,
// for development only, and logs each use.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		s.logger.Warn("Rejected WebSocket without Origin header", "remote_addr", r.RemoteAddr)
		diagRejectedTotal.WithLabelValues("invalid_origin").Inc()
		return false
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		s.logger.Warn("Rejected WebSocket with unparseable Origin", "origin", origin, "error", err)
		diagRejectedTotal.WithLabelValues("invalid_origin").Inc()
		return false
	}
	got := parsed.Scheme + "://" + parsed.Host
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" {
			s.logger.Warn("WebSocket allowed via wildcard origin", "origin", origin)
			return true
		}
		if got == allowed {
			return true
		}
	}
	s.logger.Warn("Rejected WebSocket from unlisted origin",
		"origin", origin, "remote_addr", r.RemoteAddr)
	diagRejectedTotal.WithLabelValues("invalid_origin").Inc()
	return false
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ip := remoteIP(r)
	if !s.ipLimiter(ip).Allow() {
		s.logger.Warn("Diag connection rate limit hit", "ip", ip)
		diagRejectedTotal.WithLabelValues("rate_limit").Inc()
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	select {
	case s.connSemaphore <- struct{}{}:
		diagActiveConnections.Inc()
		defer func() {
			<-s.connSemaphore
			diagActiveConnections.Dec()
		}()
	default:
		s.logger.Warn("Diag connection cap reached", "cap", cap(s.connSemaphore))
		diagRejectedTotal.WithLabelValues("connection_limit").Inc()
		http.Error(w, "server busy", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	sub := newSubscriber(uuid.NewString())
	s.hub.subscribe(sub)
	// Late joiners get the full state before the event stream.
	sub.push(Message{Type: TypeHello, Data: s.snapshot()})

	s.logger.Info("Diag client connected", "subscriber_id", sub.id, "remote_addr", r.RemoteAddr)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.writePump(conn, sub)
	}()
	go func() {
		defer wg.Done()
		s.readPump(conn, sub)
	}()
	wg.Wait()

	s.hub.drop(sub)
	conn.Close()
	s.logger.Info("Diag client disconnected", "subscriber_id", sub.id)
}

// writePump relays hub frames to the socket and keeps it alive with
// pings. Closing the conn on exit unblocks the read pump.
func (s *Server) writePump(conn *websocket.Conn, sub *subscriber) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer conn.Close()

	for {
		select {
		case msg, ok := <-sub.messages():
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				s.logger.Warn("Diag write failed", "subscriber_id", sub.id, "error", err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards client frames; the stream is one-way. It exists to
// service pongs and notice disconnects.
func (s *Server) readPump(conn *websocket.Conn, sub *subscriber) {
	defer s.hub.drop(sub)

	conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Warn("Diag read failed", "subscriber_id", sub.id, "error", err)
			}
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) ipLimiter(ip string) *rate.Limiter {
	if v, ok := s.ipLimiters.Load(ip); ok {
		return v.(*rate.Limiter)
	}
	limiter := rate.NewLimiter(s.rateLimit, s.rateBurst)
	actual, _ := s.ipLimiters.LoadOrStore(ip, limiter)
	return actual.(*rate.Limiter)
}
