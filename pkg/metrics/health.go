package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// HealthReport is the JSON document served on /health and /ready.
type HealthReport struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
	Message    string            `json:"message,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
}

// componentState is the last condition a component reported.
type componentState struct {
	healthy bool
	message string
	updated time.Time
}

// statusBoard aggregates component conditions for the health endpoints.
type statusBoard struct {
	mu         sync.RWMutex
	components map[string]componentState
	version    string
	started    time.Time
}

var board = &statusBoard{
	components: make(map[string]componentState),
	started:    time.Now(),
}

// criticalComponents gate readiness: /ready serves 503 until every one
// of these has registered healthy. serve registers each after its
// Start succeeds.
var criticalComponents = []string{"store", "resource-broker", "orchestrator"}

// SetVersion stamps health responses with the build version.
func SetVersion(v string) {
	board.mu.Lock()
	board.version = v
	board.mu.Unlock()
}

// RegisterComponent records a component's current condition.
// Re-registering overwrites, so components report state changes through
// the same call. A healthy component with a non-empty message reads as
// degraded: still working, but worth a look.
func RegisterComponent(name string, healthy bool, message string) {
	board.mu.Lock()
	board.components[name] = componentState{
		healthy: healthy,
		message: message,
		updated: time.Now(),
	}
	board.mu.Unlock()
}

// GetHealth rolls every registered component into one process verdict:
// unhealthy if any component is down, degraded if any carries a
// message, healthy otherwise.
func GetHealth() HealthReport {
	board.mu.RLock()
	defer board.mu.RUnlock()

	status := "healthy"
	components := make(map[string]string, len(board.components))
	for name, c := range board.components {
		switch {
		case !c.healthy:
			status = "unhealthy"
			components[name] = "unhealthy: " + c.message
		case c.message != "":
			if status == "healthy" {
				status = "degraded"
			}
			components[name] = "degraded: " + c.message
		default:
			components[name] = "healthy"
		}
	}
	return board.reportLocked(status, "", components)
}

// GetReadiness answers whether the engine can take work yet: every
// critical component must have registered healthy.
func GetReadiness() HealthReport {
	board.mu.RLock()
	defer board.mu.RUnlock()

	status := "ready"
	message := ""
	components := make(map[string]string, len(criticalComponents))
	for _, name := range criticalComponents {
		c, ok := board.components[name]
		switch {
		case !ok:
			status = "not_ready"
			components[name] = "not registered"
			if message == "" {
				message = "waiting for " + name + " initialization"
			}
		case !c.healthy:
			status = "not_ready"
			components[name] = "not ready: " + c.message
			if message == "" {
				message = "waiting for " + name
			}
		default:
			components[name] = "ready"
		}
	}
	return board.reportLocked(status, message, components)
}

// reportLocked fills the envelope fields every response shares. Callers
// hold at least a read lock.
func (b *statusBoard) reportLocked(status, message string, components map[string]string) HealthReport {
	return HealthReport{
		Status:     status,
		Timestamp:  time.Now(),
		Components: components,
		Message:    message,
		Version:    b.version,
		Uptime:     time.Since(b.started).String(),
	}
}

// HealthHandler serves GET /health. Degraded still answers 200; only an
// unhealthy component flips the endpoint to 503.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := GetHealth()
		writeReport(w, report, report.Status != "unhealthy")
	}
}

// ReadyHandler serves GET /ready.
func ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := GetReadiness()
		writeReport(w, report, report.Status == "ready")
	}
}

// LivenessHandler serves GET /live: 200 whenever the process answers.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		board.mu.RLock()
		uptime := time.Since(board.started).String()
		board.mu.RUnlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status": "alive",
			"uptime": uptime,
		})
	}
}

func writeReport(w http.ResponseWriter, report HealthReport, ok bool) {
	w.Header().Set("Content-Type", "application/json")
	code := http.StatusOK
	if !ok {
		code = http.StatusServiceUnavailable
	}
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(report)
}
