package model

// Supervisor state constants reported in ServerStatus.
const (
	StateStopped  = "stopped"
	StateStarting = "starting"
	StateRunning  = "running"
	StateStopping = "stopping"

	// StateUnhealthy means a worker process is held but its health probe fails.
	StateUnhealthy = "unhealthy"
)

// DefaultWorkerVersion is reported when the worker's health body carries no version.
const DefaultWorkerVersion = "1.0.0"

// ServerStatus is the derived view of the supervised worker returned to callers.
// It is recomputed on every request and never stored.
type ServerStatus struct {
	Running bool   `json:"running"`
	Port    uint16 `json:"port"`
	Version string `json:"version"`
	State   string `json:"state"`
	PID     int    `json:"pid,omitempty"`
	RunID   string `json:"run_id,omitempty"`
}

// HealthInfo is the optional body the worker returns from its health endpoint.
type HealthInfo struct {
	Status        string `json:"status"`
	Message       string `json:"message"`
	Version       string `json:"version"`
	Device        string `json:"device"`
	CUDAAvailable bool   `json:"cuda_available"`
	PythonVersion string `json:"python_version"`
}
