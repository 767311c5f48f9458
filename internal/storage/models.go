package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrNotRunning is returned by FinishRun when the run is not in the running
// state, so a terminal status can only ever be written once.
var ErrNotRunning = errors.New("run is not running")

type RunStatus string

const (
	StatusPending   RunStatus = "pending"
	StatusRunning   RunStatus = "running"
	StatusSucceeded RunStatus = "succeeded"
	StatusFailed    RunStatus = "failed"
)

// Terminal reports whether no further transition is allowed from s.
func (s RunStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Run sources.
const (
	SourceWeb      = "web"
	SourceWhatsApp = "whatsapp"
	SourceInbox    = "inbox"
	SourceMCP      = "mcp"
	SourceCLI      = "cli"
)

// Run is one execution of the audio-to-deck pipeline.
type Run struct {
	ID             string    `json:"id"`
	InputAudioPath string    `json:"input_audio_path"`
	Recipient      string    `json:"recipient,omitempty"`
	Source         string    `json:"source,omitempty"`
	Status         RunStatus `json:"status"`
	Result         *Result   `json:"result,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Result is the record written when a run reaches a terminal state. It holds
// whatever succeeded up to the failure point, not only the error.
type Result struct {
	Filename              string            `json:"filename,omitempty"`
	ArtifactPath          string            `json:"artifact_path,omitempty"`
	ConvertedFilename     string            `json:"converted_filename,omitempty"`
	ConvertedArtifactPath string            `json:"converted_artifact_path,omitempty"`
	HandoutPath           string            `json:"handout_path,omitempty"`
	MirrorURIs            []string          `json:"mirror_uris,omitempty"`
	Title                 string            `json:"title,omitempty"`
	Summary               string            `json:"summary,omitempty"`
	Renderer              string            `json:"renderer,omitempty"`
	SlideCount            int               `json:"slide_count,omitempty"`
	Degraded              bool              `json:"degraded"`
	Extraction            *ExtractionReport `json:"extraction,omitempty"`
	Delivery              *DeliveryReport   `json:"delivery,omitempty"`
	Steps                 []StepRecord      `json:"steps"`
	Error                 *RunError         `json:"error,omitempty"`
}

// RunError is the structured failure attached to a failed run. Trace is kept
// server-side and stripped before results are returned to API callers.
type RunError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Trace   string `json:"trace,omitempty"`
}

// StepRecord is the outcome of a single pipeline step.
type StepRecord struct {
	Name       string `json:"name"`
	Status     string `json:"status"` // "ok", "failed", "skipped"
	Detail     string `json:"detail,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// ExtractionReport summarises the model fallback chain for a run.
type ExtractionReport struct {
	UploadState     string          `json:"upload_state,omitempty"`
	Model           string          `json:"model,omitempty"`
	Attempts        []AttemptRecord `json:"attempts,omitempty"`
	RateLimitPauses int             `json:"rate_limit_pauses"`
}

// AttemptRecord is one model invocation.
type AttemptRecord struct {
	Model       string `json:"model"`
	Outcome     string `json:"outcome"`
	Error       string `json:"error,omitempty"`
	RateLimited bool   `json:"rate_limited,omitempty"`
	PauseMs     int64  `json:"pause_ms,omitempty"`
}

// DeliveryReport is the messaging outcome, tracked separately from run status.
type DeliveryReport struct {
	Recipient string          `json:"recipient"`
	Attempted bool            `json:"attempted"`
	Delivered bool            `json:"delivered"`
	Files     []DeliveredFile `json:"files,omitempty"`
}

type DeliveredFile struct {
	Name  string `json:"name"`
	Error string `json:"error,omitempty"`
}

// Redacted returns a copy of r without the server-side trace.
func (r Result) Redacted() Result {
	if r.Error != nil {
		e := *r.Error
		e.Trace = ""
		r.Error = &e
	}
	return r
}

// RunQueue is the store of run records that doubles as the work queue.
// Implemented by the SQLite Store and by RedisStore.
type RunQueue interface {
	CreateRun(ctx context.Context, run Run) error
	ClaimNextRun(ctx context.Context) (*Run, error)
	FinishRun(ctx context.Context, id string, status RunStatus, result Result) error
	TouchRun(ctx context.Context, id string) error
	FailStaleRuns(ctx context.Context, cutoff time.Time, result Result) ([]string, error)
	RecordMessage(ctx context.Context, id string) (bool, error)
	GetRun(ctx context.Context, id string) (Run, error)
	Close() error
}
