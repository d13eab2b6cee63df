// Package monitoring serves the operational surface: liveness, a JSON
// status snapshot, and the Prometheus scrape endpoint.
package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-bodkin/internal/logger"
	"github.com/23skdu/longbow-bodkin/internal/metrics"
)

// Status is the JSON snapshot returned by /status.
type Status struct {
	Status    string        `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Uptime    time.Duration `json:"uptime"`
	System    SystemInfo    `json:"system"`
	Decode    DecodeInfo    `json:"decode"`
}

// SystemInfo is process-level runtime information.
type SystemInfo struct {
	GoVersion    string `json:"go_version"`
	OS           string `json:"os"`
	Arch         string `json:"arch"`
	NumCPU       int    `json:"num_cpu"`
	MemoryMB     int    `json:"memory_mb"`
	MemoryUsedMB int    `json:"memory_used_mb"`
}

// DecodeInfo summarizes generation progress.
type DecodeInfo struct {
	TokensGenerated int64     `json:"tokens_generated"`
	LastDecode      time.Time `json:"last_decode,omitempty"`
}

// Monitor owns the operational HTTP server.
type Monitor struct {
	startTime time.Time
	server    *http.Server

	mu         sync.RWMutex
	lastDecode time.Time
}

func NewMonitor() *Monitor {
	return &Monitor{startTime: time.Now()}
}

// MarkDecode records that a decode step just finished, for staleness
// reporting in /status.
func (m *Monitor) MarkDecode() {
	m.mu.Lock()
	m.lastDecode = time.Now()
	m.mu.Unlock()
}

// Start serves until the listener fails or Stop is called. Blocking.
func (m *Monitor) Start(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", m.handleHealth)
	mux.HandleFunc("/healthz", m.handleHealth)
	mux.HandleFunc("/status", m.handleStatus)
	mux.Handle("/metrics", promhttp.Handler())

	m.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	logger.Log.Info("monitoring server starting", "addr", addr)
	return m.server.ListenAndServe()
}

// Stop shuts the server down gracefully.
func (m *Monitor) Stop(ctx context.Context) error {
	if m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}

func (m *Monitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func (m *Monitor) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(m.snapshot())
}

func (m *Monitor) snapshot() Status {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	m.mu.RLock()
	last := m.lastDecode
	m.mu.RUnlock()

	return Status{
		Status:    "healthy",
		Timestamp: time.Now(),
		Uptime:    time.Since(m.startTime),
		System: SystemInfo{
			GoVersion:    runtime.Version(),
			OS:           runtime.GOOS,
			Arch:         runtime.GOARCH,
			NumCPU:       runtime.NumCPU(),
			MemoryMB:     int(ms.Sys / 1024 / 1024),
			MemoryUsedMB: int(ms.Alloc / 1024 / 1024),
		},
		Decode: DecodeInfo{
			TokensGenerated: metrics.TotalTokens(),
			LastDecode:      last,
		},
	}
}
