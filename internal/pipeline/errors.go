package pipeline

import "fmt"

// Failure kinds recorded on failed runs.
const (
	KindInputMissing      = "input_missing"
	KindExtractionInvalid = "extraction_invalid"
	KindRenderFailed      = "render_failed"
	KindArtifactMissing   = "artifact_missing"
	KindInterrupted       = "interrupted"
	KindInternal          = "internal"
)

// StepError is a fatal pipeline failure.
type StepError struct {
	Kind    string
	Message string
	Err     error
}

func (e *StepError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return e.Kind + ": " + e.Message
}

func (e *StepError) Unwrap() error { return e.Err }

func stepErr(kind, msg string, err error) *StepError {
	return &StepError{Kind: kind, Message: msg, Err: err}
}
