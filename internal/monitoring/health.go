// Package monitoring serves the operational HTTP surface: liveness,
// Prometheus metrics and a JSON status snapshot.
package monitoring

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/bitbow/internal/logger"
)

// ModelInfo is the static model description shown under /status.
type ModelInfo struct {
	Path          string `json:"path"`
	Architecture  string `json:"architecture"`
	Layers        int    `json:"layers"`
	ContextLength int    `json:"context_length"`
	VocabSize     int    `json:"vocab_size"`
	EmbeddingDim  int    `json:"embedding_dim"`
}

type statusReport struct {
	Status    string     `json:"status"`
	Timestamp time.Time  `json:"timestamp"`
	UptimeSec float64    `json:"uptime_sec"`
	Model     ModelInfo  `json:"model"`
	System    systemInfo `json:"system"`
}

type systemInfo struct {
	GoVersion    string `json:"go_version"`
	OS           string `json:"os"`
	Arch         string `json:"arch"`
	NumCPU       int    `json:"num_cpu"`
	MemoryUsedMB int    `json:"memory_used_mb"`
}

// Server exposes /healthz, /metrics and /status for one running
// process.
type Server struct {
	start  time.Time
	info   ModelInfo
	server *http.Server
}

func NewServer(info ModelInfo) *Server {
	return &Server{start: time.Now(), info: info}
}

// Start serves until Shutdown or a listen error. Blocking; callers run
// it in a goroutine.
func (s *Server) Start(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/status", s.handleStatus)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	logger.Log.Info("monitoring endpoint up", "addr", addr)
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	report := statusReport{
		Status:    "ok",
		Timestamp: time.Now(),
		UptimeSec: time.Since(s.start).Seconds(),
		Model:     s.info,
		System: systemInfo{
			GoVersion:    runtime.Version(),
			OS:           runtime.GOOS,
			Arch:         runtime.GOARCH,
			NumCPU:       runtime.NumCPU(),
			MemoryUsedMB: int(m.Alloc / 1024 / 1024),
		},
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(report)
}
