package client

import "time"

// Health mirrors the supervisor health snapshot served by /status.
type Health struct {
	Running               bool       `json:"running"`
	SecondsSinceHeartbeat *int64     `json:"seconds_since_heartbeat"`
	LastError             *string    `json:"last_error"`
	PID                   int        `json:"pid,omitempty"`
	StartedAt             *time.Time `json:"started_at,omitempty"`
	RunID                 string     `json:"run_id,omitempty"`
	Phase                 string     `json:"phase"`
}

// Runtime is the located runtime served by /runtime.
type Runtime struct {
	Path    string `json:"path"`
	Probe   string `json:"probe"`
	Version string `json:"version,omitempty"`
}

// Paths is the workspace layout served by /paths.
type Paths struct {
	CodeDir     string   `json:"code_dir"`
	DataDir     string   `json:"data_dir"`
	ConfigPath  string   `json:"config_path"`
	EnvPath     string   `json:"env_path,omitempty"`
	SecretFiles []string `json:"secret_files,omitempty"`
}

// Event is one server-sent event from /events.
type Event struct {
	Type string
	Data string
}

// WriteResult is returned by file writes.
type WriteResult struct {
	OK   bool   `json:"ok"`
	Path string `json:"path"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
