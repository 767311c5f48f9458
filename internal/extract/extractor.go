package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/voxdeck/internal/deck"
)

// Attempt outcomes.
const (
	OutcomeOK        = "ok"
	OutcomeMalformed = "malformed"
	OutcomeCallError = "call_error"
)

// Config is the immutable extraction policy.
type Config struct {
	Models             []string
	Guidance           string
	RateLimitPause     time.Duration
	ErrorPause         time.Duration
	UploadPollInterval time.Duration
	UploadMaxPolls     int
}

// DefaultModels is the fallback chain, most capable first.
var DefaultModels = []string{
	"gemini-2.5-pro",
	"gemini-2.5-flash",
	"gemini-2.0-flash",
	"gemini-1.5-flash",
}

// DefaultConfig returns the standard extraction policy.
func DefaultConfig() Config {
	return Config{
		Models:             append([]string(nil), DefaultModels...),
		RateLimitPause:     30 * time.Second,
		ErrorPause:         3 * time.Second,
		UploadPollInterval: 2 * time.Second,
		UploadMaxPolls:     90,
	}
}

// Attempt records one model invocation.
type Attempt struct {
	Model       string
	Outcome     string
	Err         string
	RateLimited bool
	Pause       time.Duration
}

// Diagnostics describes how a document was obtained.
type Diagnostics struct {
	UploadState string
	Attempts    []Attempt
	Model       string
}

// RateLimitPauses counts the long pauses taken after rate-limited calls.
func (d Diagnostics) RateLimitPauses() int {
	n := 0
	for _, a := range d.Attempts {
		if a.RateLimited && a.Pause > 0 {
			n++
		}
	}
	return n
}

// Failures counts attempts that did not produce a document.
func (d Diagnostics) Failures() int {
	n := 0
	for _, a := range d.Attempts {
		if a.Outcome != OutcomeOK {
			n++
		}
	}
	return n
}

// Sleeper blocks for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithSleeper replaces the real clock, mainly for tests.
func WithSleeper(s Sleeper) Option {
	return func(e *Extractor) { e.sleep = s }
}

// WithLogger sets the logger used for attempt records.
func WithLogger(l *slog.Logger) Option {
	return func(e *Extractor) { e.logger = l }
}

// Extractor turns audio into a deck.Document using a chain of models.
type Extractor struct {
	backend Backend
	cfg     Config
	sleep   Sleeper
	logger  *slog.Logger
}

// NewExtractor creates an Extractor. Zero-valued policy fields take defaults.
func NewExtractor(backend Backend, cfg Config, opts ...Option) *Extractor {
	def := DefaultConfig()
	if len(cfg.Models) == 0 {
		cfg.Models = def.Models
	}
	if cfg.UploadPollInterval <= 0 {
		cfg.UploadPollInterval = def.UploadPollInterval
	}
	if cfg.UploadMaxPolls <= 0 {
		cfg.UploadMaxPolls = def.UploadMaxPolls
	}
	e := &Extractor{backend: backend, cfg: cfg, sleep: sleepCtx, logger: slog.Default()}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Extract uploads the audio and walks the model chain until one reply parses.
// It never returns an error: when nothing usable comes back the result is
// deck.ErrorDocument describing what went wrong.
func (e *Extractor) Extract(ctx context.Context, audioPath string) (deck.Document, Diagnostics) {
	var diag Diagnostics

	file, err := e.upload(ctx, audioPath)
	if err != nil {
		diag.UploadState = string(FileFailed)
		e.logger.Warn("audio upload failed", "path", audioPath, "error", err)
		return deck.ErrorDocument(
			[]string{fmt.Sprintf("Audio upload failed: %v", err)},
			"No model was attempted because the audio could not be registered.",
		), diag
	}
	diag.UploadState = string(file.State)

	prompt := BuildPrompt(e.cfg.Guidance)
	var lastErr error

	for i, model := range e.cfg.Models {
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}

		attempt := Attempt{Model: model}
		text, err := e.backend.Generate(ctx, model, prompt, file)
		if err != nil {
			lastErr = err
			attempt.Outcome = OutcomeCallError
			attempt.Err = err.Error()
			attempt.RateLimited = IsRateLimited(err)
			if i < len(e.cfg.Models)-1 {
				attempt.Pause = e.cfg.ErrorPause
				if attempt.RateLimited {
					attempt.Pause = e.cfg.RateLimitPause
				}
			}
			diag.Attempts = append(diag.Attempts, attempt)
			e.logger.Warn("model call failed",
				"model", model, "rate_limited", attempt.RateLimited, "pause", attempt.Pause, "error", err)

			if attempt.Pause > 0 {
				if err := e.sleep(ctx, attempt.Pause); err != nil {
					lastErr = err
					break
				}
			}
			continue
		}

		doc, err := deck.Parse(text)
		if err != nil {
			lastErr = fmt.Errorf("model %s returned malformed output: %w", model, err)
			attempt.Outcome = OutcomeMalformed
			attempt.Err = err.Error()
			diag.Attempts = append(diag.Attempts, attempt)
			e.logger.Warn("model output malformed", "model", model, "error", err, "response", truncate(text, 200))
			continue
		}

		attempt.Outcome = OutcomeOK
		diag.Attempts = append(diag.Attempts, attempt)
		diag.Model = model
		e.logger.Info("extraction succeeded", "model", model, "slides", len(doc.Slides), "attempts", len(diag.Attempts))
		return doc, diag
	}

	return e.exhausted(ctx, lastErr, diag), diag
}

// upload registers the audio and waits, bounded, for it to become active.
func (e *Extractor) upload(ctx context.Context, audioPath string) (UploadedFile, error) {
	file, err := e.backend.UploadAudio(ctx, audioPath)
	if err != nil {
		return UploadedFile{}, err
	}

	for polls := 0; file.State == FileProcessing; polls++ {
		if polls >= e.cfg.UploadMaxPolls {
			return UploadedFile{}, fmt.Errorf("file %s still processing after %d polls", file.Name, polls)
		}
		if err := e.sleep(ctx, e.cfg.UploadPollInterval); err != nil {
			return UploadedFile{}, err
		}
		file, err = e.backend.GetFile(ctx, file.Name)
		if err != nil {
			return UploadedFile{}, err
		}
	}

	if file.State == FileFailed {
		return UploadedFile{}, fmt.Errorf("backend reported file %s as FAILED", file.Name)
	}
	return file, nil
}

func (e *Extractor) exhausted(ctx context.Context, lastErr error, diag Diagnostics) deck.Document {
	if lastErr == nil {
		lastErr = errors.New("no models configured")
	}

	tried := make([]string, 0, len(diag.Attempts))
	for _, a := range diag.Attempts {
		tried = append(tried, a.Model)
	}

	// Catalog lookup is best effort; its failure only changes the text.
	var catalog string
	names, err := e.backend.ListModels(context.WithoutCancel(ctx))
	if err != nil {
		catalog = fmt.Sprintf("Available models: unavailable (%v)", err)
	} else {
		catalog = "Available models: " + strings.Join(names, ", ")
	}

	e.logger.Error("all models failed", "attempted", tried, "error", lastErr)
	return deck.ErrorDocument(
		[]string{
			fmt.Sprintf("Generation failed: %v", lastErr),
			"Attempted models: " + strings.Join(tried, ", "),
			catalog,
		},
		"Every configured model failed to return a usable presentation.",
	)
}

// IsRateLimited reports whether err looks like a quota or rate-limit rejection.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "resource_exhausted") ||
		strings.Contains(msg, "quota") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "rate-limit")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
