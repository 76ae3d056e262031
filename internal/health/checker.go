package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/devrev/amza/internal/model"
	"github.com/devrev/amza/internal/ring"
	"go.uber.org/zap"
)

// Status is the outcome of one check. Only critical results make a node unready.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
)

// CheckResult represents the result of a health check
type CheckResult struct {
	Name      string    `json:"name"`
	Status    Status    `json:"status"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Check produces one CheckResult.
type Check func() CheckResult

// Config holds configuration for health checks
type Config struct {
	Member   string
	Interval time.Duration
}

// Checker runs a fixed set of checks periodically and answers liveness and
// readiness probes from the last pass.
type Checker struct {
	member   string
	interval time.Duration
	checks   []Check
	logger   *zap.Logger

	mu        sync.RWMutex
	lastCheck time.Time
	results   map[string]CheckResult
	ready     bool
	draining  bool
}

// NewChecker creates a checker. Readiness stays false until the first pass.
func NewChecker(cfg Config, logger *zap.Logger, checks ...Check) *Checker {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	return &Checker{
		member:   cfg.Member,
		interval: cfg.Interval,
		checks:   checks,
		logger:   logger,
		results:  make(map[string]CheckResult),
	}
}

// Start runs a pass immediately and then every interval until ctx ends.
func (h *Checker) Start(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.Run()
	for {
		select {
		case <-ticker.C:
			h.Run()
		case <-ctx.Done():
			h.logger.Debug("Health checker stopped")
			return
		}
	}
}

// Run executes every check once.
func (h *Checker) Run() {
	results := make(map[string]CheckResult, len(h.checks))
	ready := true
	for _, check := range h.checks {
		result := check()
		results[result.Name] = result
		if result.Status == StatusCritical {
			ready = false
			h.logger.Warn("Health check failed",
				zap.String("check", result.Name),
				zap.String("message", result.Message))
		}
	}

	h.mu.Lock()
	h.lastCheck = time.Now()
	h.results = results
	h.ready = ready
	h.mu.Unlock()
}

// IsReady reports whether the last pass had no critical result and the node
// is not draining.
func (h *Checker) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ready && !h.draining
}

// SetDraining marks the node unready during shutdown.
func (h *Checker) SetDraining(draining bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.draining = draining
}

// Results returns a copy of the last pass.
func (h *Checker) Results() map[string]CheckResult {
	h.mu.RLock()
	defer h.mu.RUnlock()
	results := make(map[string]CheckResult, len(h.results))
	for k, v := range h.results {
		results[k] = v
	}
	return results
}

type probeResponse struct {
	Member    string                 `json:"member"`
	Healthy   bool                   `json:"healthy,omitempty"`
	Ready     bool                   `json:"ready,omitempty"`
	Timestamp string                 `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// LivenessHandler answers 200 while the process can serve HTTP.
func (h *Checker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(probeResponse{
		Member:    h.member,
		Healthy:   true,
		Timestamp: time.Now().Format(time.RFC3339),
	})
}

// ReadinessHandler answers 503 when the node is not ready, with the check results.
func (h *Checker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ready := h.IsReady()
	w.Header().Set("Content-Type", "application/json")
	if ready {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(probeResponse{
		Member:    h.member,
		Ready:     ready,
		Timestamp: time.Now().Format(time.RFC3339),
		Checks:    h.Results(),
	})
}

// DiskStats returns used and available bytes of the filesystem holding dir.
func DiskStats(dir string) (used int64, available int64, err error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(dir, &stat); err != nil {
		return 0, 0, fmt.Errorf("failed to stat filesystem: %w", err)
	}
	available = int64(stat.Bavail) * int64(stat.Bsize)
	total := int64(stat.Blocks) * int64(stat.Bsize)
	used = total - int64(stat.Bfree)*int64(stat.Bsize)
	return used, available, nil
}

// DiskSpace is critical above 95% usage and a warning above 90%.
func DiskSpace(dataDir string) Check {
	return func() CheckResult {
		result := CheckResult{Name: "disk_space", Timestamp: time.Now()}
		used, available, err := DiskStats(dataDir)
		if err != nil {
			result.Status = StatusCritical
			result.Message = err.Error()
			return result
		}
		usage := 0.0
		if total := used + available; total > 0 {
			usage = float64(used) / float64(total) * 100
		}
		switch {
		case usage > 95:
			result.Status = StatusCritical
			result.Message = fmt.Sprintf("Disk usage critical: %.2f%%", usage)
		case usage > 90:
			result.Status = StatusWarning
			result.Message = fmt.Sprintf("Disk usage high: %.2f%%", usage)
		default:
			result.Status = StatusHealthy
			result.Message = fmt.Sprintf("Disk usage: %.2f%%, available: %.2f GB", usage, float64(available)/(1<<30))
		}
		return result
	}
}

// DataDirWritable is critical when a file cannot be created in dataDir.
func DataDirWritable(dataDir string) Check {
	return func() CheckResult {
		result := CheckResult{Name: "data_dir_writable", Timestamp: time.Now()}
		info, err := os.Stat(dataDir)
		if err != nil {
			result.Status = StatusCritical
			result.Message = fmt.Sprintf("Data directory not accessible: %v", err)
			return result
		}
		if !info.IsDir() {
			result.Status = StatusCritical
			result.Message = "Data path is not a directory"
			return result
		}
		probe := filepath.Join(dataDir, fmt.Sprintf(".health_check_%d", time.Now().UnixNano()))
		f, err := os.Create(probe)
		if err != nil {
			result.Status = StatusCritical
			result.Message = fmt.Sprintf("Cannot write to data directory: %v", err)
			return result
		}
		f.Close()
		os.Remove(probe)

		result.Status = StatusHealthy
		result.Message = "Data directory is writable"
		return result
	}
}

// SystemRingHosts warns when a system ring neighbour has no known host, since
// this node can neither take from it nor be found by it.
func SystemRingHosts(rings *ring.Store) Check {
	return func() CheckResult {
		result := CheckResult{Name: "system_ring_hosts", Timestamp: time.Now()}
		var unresolved []string
		for _, member := range rings.GetRing(model.SystemRingName).Members() {
			if member == rings.RingMember() {
				continue
			}
			if _, ok := rings.GetRingHost(member); !ok {
				unresolved = append(unresolved, member.String())
			}
		}
		if len(unresolved) > 0 {
			sort.Strings(unresolved)
			result.Status = StatusWarning
			result.Message = "No host for " + strings.Join(unresolved, ", ")
			return result
		}
		result.Status = StatusHealthy
		result.Message = "Every system ring member has a host"
		return result
	}
}
