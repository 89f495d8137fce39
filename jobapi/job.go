// Package jobapi is the client side of the interpolation job protocol: it
// uploads a video, creates a job from it, reads the job's status, requests its
// cancellation and downloads the result. Every call is a single HTTP exchange;
// sequencing, polling and progress belong to package jobflow.
package jobapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

// Status is the lifecycle state of a remote job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

var statusLabels = map[Status]string{
	StatusQueued:    "Na fila",
	StatusRunning:   "Processando",
	StatusCompleted: "Concluído",
	StatusFailed:    "Erro",
	StatusCanceled:  "Cancelado",
}

// ParseStatus maps a wire status onto Status. Servers that report
// "processing" or the British "cancelled" are accepted.
func ParseStatus(s string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "queued":
		return StatusQueued, nil
	case "running", "processing":
		return StatusRunning, nil
	case "completed":
		return StatusCompleted, nil
	case "failed":
		return StatusFailed, nil
	case "canceled", "cancelled":
		return StatusCanceled, nil
	}
	return "", fmt.Errorf("unknown job status %q", s)
}

// Terminal reports whether no further transition can happen.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCanceled
}

// Label is the human label used when the server sends none.
func (s Status) Label() string {
	if l, ok := statusLabels[s]; ok {
		return l
	}
	return string(s)
}

// Asset is a video the server has stored. Filename is the server-assigned
// reference, which may differ from the local name.
type Asset struct {
	Filename  string
	SizeBytes int64
}

// Handle identifies a job. The token is a capability: whoever holds it can
// read and cancel the job, so it never appears in logs.
type Handle struct {
	ID    string
	Token string
}

// LogValue implements slog.LogValuer and leaves the token out.
func (h Handle) LogValue() slog.Value {
	return slog.GroupValue(slog.String("id", h.ID))
}

// Snapshot is one observation of a job's state.
type Snapshot struct {
	Status Status
	// Progress is the server's completion fraction in [0,1].
	Progress float64
	// Label is the human-readable status, never empty.
	Label string
	// Stage is the server's free-form step description ("interpolando").
	Stage     string
	ResultURL string
	// Message carries the failure reason of a failed job.
	Message string
}

// jobID decodes a job id sent either as a JSON string or a JSON number.
type jobID string

func (id *jobID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = jobID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("job id: %w", err)
	}
	if _, err := strconv.ParseFloat(n.String(), 64); err != nil {
		return fmt.Errorf("job id: %w", err)
	}
	*id = jobID(n.String())
	return nil
}
