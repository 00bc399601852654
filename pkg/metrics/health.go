package metrics

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// HealthStatus is the body served by the readiness and health probes
type HealthStatus struct {
	Status     string            `json:"status"` // "healthy", "unhealthy", "ready", "not_ready"
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
	Message    string            `json:"message,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
}

// ComponentHealth tracks the health of a single component
type ComponentHealth struct {
	Name    string
	Healthy bool
	Message string
	Updated time.Time
}

// HealthChecker is the registry components report their state into
type HealthChecker struct {
	mu         sync.RWMutex
	components map[string]ComponentHealth
	startTime  time.Time
	version    string
	critical   []string
}

// storage backs history and recovery; poller feeds live state
var defaultCriticalComponents = []string{"storage", "poller"}

var healthChecker = newHealthChecker()

func newHealthChecker() *HealthChecker {
	return &HealthChecker{
		components: make(map[string]ComponentHealth),
		startTime:  time.Now(),
		critical:   defaultCriticalComponents,
	}
}

// SetVersion sets the version string for health responses
func SetVersion(version string) {
	healthChecker.mu.Lock()
	defer healthChecker.mu.Unlock()
	healthChecker.version = version
}

// SetCriticalComponents replaces the components readiness waits for
func SetCriticalComponents(names ...string) {
	healthChecker.mu.Lock()
	defer healthChecker.mu.Unlock()
	healthChecker.critical = append([]string(nil), names...)
}

// UpdateComponent records the current state of a component
func UpdateComponent(name string, healthy bool, message string) {
	healthChecker.mu.Lock()
	defer healthChecker.mu.Unlock()

	healthChecker.components[name] = ComponentHealth{
		Name:    name,
		Healthy: healthy,
		Message: message,
		Updated: time.Now(),
	}
}

// ComponentHealthy reports whether name is registered and healthy
func ComponentHealthy(name string) bool {
	healthChecker.mu.RLock()
	defer healthChecker.mu.RUnlock()
	comp, ok := healthChecker.components[name]
	return ok && comp.Healthy
}

// Uptime returns the time since the checker was created
func Uptime() time.Duration {
	return time.Since(healthChecker.startTime)
}

// GetHealth returns the overall health status
func GetHealth() HealthStatus {
	healthChecker.mu.RLock()
	defer healthChecker.mu.RUnlock()

	status := "healthy"
	components := make(map[string]string, len(healthChecker.components))
	for name, comp := range healthChecker.components {
		if comp.Healthy {
			components[name] = "healthy"
			continue
		}
		status = "unhealthy"
		components[name] = "unhealthy: " + comp.Message
	}

	return HealthStatus{
		Status:     status,
		Timestamp:  time.Now(),
		Components: components,
		Version:    healthChecker.version,
		Uptime:     time.Since(healthChecker.startTime).String(),
	}
}

// GetReadiness reports ready only when every critical component is healthy
func GetReadiness() HealthStatus {
	healthChecker.mu.RLock()
	defer healthChecker.mu.RUnlock()

	status := "ready"
	var waiting []string
	components := make(map[string]string, len(healthChecker.critical))

	for _, name := range healthChecker.critical {
		comp, ok := healthChecker.components[name]
		switch {
		case !ok:
			components[name] = "not registered"
			waiting = append(waiting, name)
		case !comp.Healthy:
			components[name] = "not ready: " + comp.Message
			waiting = append(waiting, name)
		default:
			components[name] = "ready"
		}
	}

	var message string
	if len(waiting) > 0 {
		sort.Strings(waiting)
		status = "not_ready"
		message = "waiting for " + waiting[0]
	}

	return HealthStatus{
		Status:     status,
		Timestamp:  time.Now(),
		Components: components,
		Message:    message,
		Version:    healthChecker.version,
		Uptime:     time.Since(healthChecker.startTime).String(),
	}
}

// ReadyHandler returns an HTTP handler for the /ready endpoint
func ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		readiness := GetReadiness()
		code := http.StatusOK
		if readiness.Status != "ready" {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, readiness)
	}
}

// LivenessHandler returns 200 for as long as the process can serve HTTP
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "alive",
			"uptime": Uptime().String(),
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
