package model

import "time"

// DetectionRequest is forwarded verbatim to the worker's detection endpoint.
type DetectionRequest struct {
	FilePath string `json:"file_path"`
	FastMode bool   `json:"fast_mode"`
	Device   string `json:"device,omitempty"`
}

// DetectionResult is the worker's answer. Success=false with a populated Error
// is a domain-level failure and is passed through untouched.
type DetectionResult struct {
	Success          bool       `json:"success"`
	Vertebrae        []Vertebra `json:"vertebrae"`
	ProcessingTimeMS float64    `json:"processing_time_ms"`
	Error            *string    `json:"error,omitempty"`
}

// Vertebra is a single labelled detection.
type Vertebra struct {
	Label      string  `json:"label"`
	Center     Point3D `json:"center"`
	Confidence float64 `json:"confidence"`
}

// Point3D is a position in the scan's coordinate space.
type Point3D struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Detection outcome constants recorded for every proxied request.
const (
	OutcomeOK         = "ok"
	OutcomeNotRunning = "not_running"
	OutcomeTransport  = "transport"
	OutcomeWorker     = "worker"
	OutcomeDecode     = "decode"
)

// Detection is the audit record of one proxied detection request.
type Detection struct {
	ID               string    `json:"id"`
	FilePath         string    `json:"file_path"`
	FastMode         bool      `json:"fast_mode"`
	Outcome          string    `json:"outcome"`
	Success          bool      `json:"success"`
	VertebraeCount   int       `json:"vertebrae_count"`
	ProcessingTimeMS float64   `json:"processing_time_ms"`
	StatusCode       int       `json:"status_code,omitempty"`
	Error            string    `json:"error,omitempty"`
	DurationMS       int       `json:"duration_ms"`
	CreatedAt        time.Time `json:"created_at"`
}
