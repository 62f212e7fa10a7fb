package webmonitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dj-oyu/webrtc-object-detection/detection-server/internal/broadcast"
	"github.com/dj-oyu/webrtc-object-detection/detection-server/internal/logger"
	"github.com/dj-oyu/webrtc-object-detection/detection-server/internal/metrics"
	"github.com/dj-oyu/webrtc-object-detection/detection-server/internal/preview"
	"github.com/dj-oyu/webrtc-object-detection/detection-server/internal/telemetry"
	"github.com/dj-oyu/webrtc-object-detection/detection-server/internal/webrtc"
)

const maxOfferBytes = 64 << 10

// Signaler answers WebRTC offers.
type Signaler interface {
	HandleOffer(offerJSON []byte) ([]byte, error)
	PeerCount() int
	PeerStats() []webrtc.PeerStats
}

type Deps struct {
	Session  *telemetry.Session
	Hub      *broadcast.Hub
	Signaler Signaler
	Preview  *preview.Buffer  // optional
	Metrics  *metrics.Metrics // optional, mounted at /metrics
}

// Server serves signalling, the detection socket and the telemetry API.
type Server struct {
	cfg  Config
	deps Deps
}

// NewServer returns a configured server.
func NewServer(cfg Config, deps Deps) *Server {
	def := DefaultConfig()
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = def.StatusInterval
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = def.KeepaliveInterval
	}
	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}
	return &Server{cfg: cfg, deps: deps}
}

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/offer", s.cors(s.handleOffer))
	mux.HandleFunc("/detection-stream", s.handleDetectionStream)
	mux.HandleFunc("/api/metrics", s.handleMetrics)
	mux.HandleFunc("/api/metrics/stream", s.handleMetricsStream)
	mux.HandleFunc("/api/statistics", s.handleStatistics)
	mux.HandleFunc("/api/history", s.handleHistory)
	mux.HandleFunc("/api/export", s.handleExport)
	mux.HandleFunc("/api/preview.jpg", s.handlePreview)
	mux.HandleFunc("/api/peers", s.handlePeers)
	mux.HandleFunc("/health", s.handleHealth)
	if s.deps.Metrics != nil {
		mux.Handle("/metrics", s.deps.Metrics.Handler())
	}

	return mux
}

// Serve runs the HTTP server until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("HTTP", "Listening on %s", s.cfg.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) cors(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.Header().Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next(w, r)
	}
}

func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) ||
			strings.EqualFold("http://"+allowed, origin) || strings.EqualFold("https://"+allowed, origin) {
			return true
		}
	}
	return false
}

func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.deps.Signaler == nil {
		writeJSONWithStatus(w, errorResponse{Error: "signalling unavailable"}, http.StatusServiceUnavailable)
		return
	}

	offerJSON, err := io.ReadAll(io.LimitReader(r.Body, maxOfferBytes))
	if err != nil {
		writeJSONWithStatus(w, errorResponse{Error: "Invalid offer data"}, http.StatusBadRequest)
		return
	}

	answerJSON, err := s.deps.Signaler.HandleOffer(offerJSON)
	if err != nil {
		logger.Warn("HTTP", "WebRTC offer error: %v", err)
		status := http.StatusInternalServerError
		if errors.Is(err, webrtc.ErrTooManyPeers) {
			status = http.StatusServiceUnavailable
		}
		writeJSONWithStatus(w, errorResponse{Error: fmt.Sprintf("Failed to handle offer: %v", err)}, status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(answerJSON)
}

func (s *Server) handleDetectionStream(w http.ResponseWriter, r *http.Request) {
	serveDetectionSocket(w, r, s.deps.Hub, s.cfg)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.deps.Session.Snapshot())
}

func (s *Server) handleMetricsStream(w http.ResponseWriter, r *http.Request) {
	streamSnapshots(w, r, s.cfg.StatusInterval, func() any {
		return s.deps.Session.Snapshot()
	})
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("category")
	if name == "" {
		writeJSON(w, s.deps.Session.Statistics())
		return
	}

	cat, err := telemetry.ParseCategory(name)
	if err != nil {
		writeJSONWithStatus(w, errorResponse{Error: err.Error()}, http.StatusBadRequest)
		return
	}
	writeJSON(w, s.deps.Session.CategoryStatistics(cat))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	name := q.Get("category")
	if name == "" {
		writeJSON(w, s.deps.Session.History())
		return
	}

	cat, err := telemetry.ParseCategory(name)
	if err != nil {
		writeJSONWithStatus(w, errorResponse{Error: err.Error()}, http.StatusBadRequest)
		return
	}
	count := telemetry.DefaultWindowSize
	if raw := q.Get("count"); raw != "" {
		count, err = strconv.Atoi(raw)
		if err != nil || count < 0 {
			writeJSONWithStatus(w, errorResponse{Error: "count must be a non-negative integer"}, http.StatusBadRequest)
			return
		}
	}
	writeJSON(w, s.deps.Session.Recent(cat, count))
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	path, err := s.deps.Session.Export("")
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, telemetry.ErrResourceExhausted) {
			status = http.StatusInsufficientStorage
		}
		writeJSONWithStatus(w, errorResponse{Error: err.Error()}, status)
		return
	}
	writeJSON(w, ExportResponse{Status: "exported", Path: path})
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	var (
		data []byte
		err  error
	)
	if s.deps.Preview != nil {
		data, err = s.deps.Preview.JPEG()
	} else {
		err = preview.ErrNoFrame
	}

	if err != nil {
		if !errors.Is(err, preview.ErrNoFrame) {
			logger.Debug("HTTP", "Preview unavailable: %v", err)
		}
		if data, err = placeholderJPEG(); err != nil {
			http.Error(w, "Failed to render frame", http.StatusInternalServerError)
			return
		}
		w.Header().Set("X-Preview", "placeholder")
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write(data)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:        "ok",
		SessionID:     s.deps.Session.ID(),
		UptimeSeconds: s.deps.Session.Uptime().Seconds(),
		PendingFrames: s.deps.Session.Pending(),
	}
	if s.deps.Signaler != nil {
		resp.Peers = s.deps.Signaler.PeerCount()
	}
	if s.deps.Hub != nil {
		resp.Subscribers = s.deps.Hub.Len()
	}
	if s.deps.Preview != nil {
		if _, resp.HasPreview = s.deps.Preview.Latest(); resp.HasPreview {
			resp.PreviewAgeSeconds = time.Since(s.deps.Preview.Updated()).Seconds()
		}
	}
	writeJSON(w, resp)
}

// handlePeers lists negotiated peers and detection-stream subscribers.
func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	resp := PeersResponse{
		Peers:       []webrtc.PeerStats{},
		Subscribers: []broadcast.SubscriberStats{},
	}
	if s.deps.Signaler != nil {
		resp.Peers = append(resp.Peers, s.deps.Signaler.PeerStats()...)
	}
	if s.deps.Hub != nil {
		resp.Subscribers = append(resp.Subscribers, s.deps.Hub.Subscribers()...)
	}
	writeJSON(w, resp)
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_, _ = fmt.Fprintf(w, `{"error":%q}`, err.Error())
	}
}
