package api

import (
	"net/http"
	"runtime"
	"time"
)

// About is the agent information reported by /iot/about and /version.
type About struct {
	Name          string         `json:"name,omitempty"`
	Version       string         `json:"version"`
	Port          int            `json:"port"`
	BaseRoot      string         `json:"baseRoot"`
	NGSIVersion   string         `json:"ngsiVersion"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Runtime       RuntimeMetrics `json:"runtime"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// bytesPerMB converts bytes to megabytes.
const bytesPerMB = 1024 * 1024

// handleAbout reports the agent name, version and runtime statistics.
func (s *Server) handleAbout(w http.ResponseWriter, _ *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	writeJSON(w, http.StatusOK, About{
		Name:          s.agent.Name,
		Version:       s.version,
		Port:          s.cfg.Port,
		BaseRoot:      "/",
		NGSIVersion:   s.notify.Version(),
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(mem.Alloc) / bytesPerMB,
			NumGC:         mem.NumGC,
		},
	})
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
	})
}
