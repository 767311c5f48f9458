// Package pipeline runs one audio recording through extraction, rendering,
// conversion and delivery, and drains the run queue.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/voxdeck/internal/deck"
	"github.com/kalambet/voxdeck/internal/extract"
	"github.com/kalambet/voxdeck/internal/render"
	"github.com/kalambet/voxdeck/internal/storage"
)

// Step names, in execution order.
const (
	StepValidateInput = "validate_input"
	StepExtract       = "extract"
	StepRender        = "render"
	StepConvert       = "convert"
	StepHandout       = "handout"
	StepMirror        = "mirror"
	StepDeliver       = "deliver"
	StepFinalize      = "finalize"
)

const (
	stepOK      = "ok"
	stepFailed  = "failed"
	stepSkipped = "skipped"
)

// Extractor produces a document from audio. It never fails outright.
type Extractor interface {
	Extract(ctx context.Context, audioPath string) (deck.Document, extract.Diagnostics)
}

// Converter turns a rendered deck into a PDF.
type Converter interface {
	ToPDF(ctx context.Context, src string) (string, error)
}

// HandoutWriter writes a companion document for the deck.
type HandoutWriter func(doc deck.Document, outputDir, targetName string) (string, error)

// Mirror copies an artifact to remote storage and returns its URI.
type Mirror interface {
	Upload(ctx context.Context, path string) (string, error)
}

// Deliverer sends an artifact to a messaging recipient.
type Deliverer interface {
	Deliver(ctx context.Context, to, path, displayName string) error
}

// Option configures optional steps of an Orchestrator.
type Option func(*Orchestrator)

// WithConverter enables the PDF conversion step.
func WithConverter(c Converter) Option { return func(o *Orchestrator) { o.converter = c } }

// WithHandout enables the speaker handout step.
func WithHandout(h HandoutWriter) Option { return func(o *Orchestrator) { o.handout = h } }

// WithMirror copies finished artifacts to remote storage.
func WithMirror(m Mirror) Option { return func(o *Orchestrator) { o.mirror = m } }

// WithDeliverer sends artifacts to runs that name a recipient.
func WithDeliverer(d Deliverer) Option { return func(o *Orchestrator) { o.deliverer = d } }

// WithLogger replaces the default logger.
func WithLogger(l *slog.Logger) Option { return func(o *Orchestrator) { o.logger = l } }

// Orchestrator executes runs. It holds no per-run state and is safe for
// concurrent use by several workers.
type Orchestrator struct {
	extractor Extractor
	renderer  render.Renderer
	outputDir string

	converter Converter
	handout   HandoutWriter
	mirror    Mirror
	deliverer Deliverer

	logger *slog.Logger
	newID  func() string
}

// NewOrchestrator creates an Orchestrator. Steps whose dependency is not
// configured through an Option are recorded as skipped.
func NewOrchestrator(ex Extractor, r render.Renderer, outputDir string, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		extractor: ex,
		renderer:  r,
		outputDir: outputDir,
		logger:    slog.Default(),
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// runState carries one run through the steps.
type runState struct {
	run    storage.Run
	res    storage.Result
	logger *slog.Logger
}

func (s *runState) record(name, status, detail string, start time.Time) {
	rec := storage.StepRecord{
		Name:       name,
		Status:     status,
		Detail:     detail,
		DurationMs: time.Since(start).Milliseconds(),
	}
	s.res.Steps = append(s.res.Steps, rec)

	level := slog.LevelInfo
	if status == stepFailed {
		level = slog.LevelWarn
	}
	s.logger.Log(context.Background(), level, "step finished",
		"step", name, "status", status, "detail", detail, "duration_ms", rec.DurationMs)
}

func (s *runState) skip(name, detail string) {
	s.record(name, stepSkipped, detail, time.Now())
}

func (s *runState) fail(err *StepError, trace string) {
	msg := err.Message
	if err.Err != nil {
		msg += ": " + err.Err.Error()
	}
	s.res.Error = &storage.RunError{Kind: err.Kind, Message: msg, Trace: trace}
}

// Process executes every step for run and returns the result to persist.
// A non-nil Result.Error means the run failed.
func (o *Orchestrator) Process(ctx context.Context, run storage.Run) (res storage.Result) {
	st := &runState{
		run:    run,
		res:    storage.Result{Steps: []storage.StepRecord{}},
		logger: o.logger.With("run_id", run.ID),
	}
	defer func() {
		if r := recover(); r != nil {
			st.logger.Error("run panicked", "panic", r)
			st.fail(stepErr(KindInternal, fmt.Sprint(r), nil), string(debug.Stack()))
			res = st.res
		}
	}()

	if err := o.execute(ctx, st); err != nil {
		var se *StepError
		if !errors.As(err, &se) {
			se = stepErr(KindInternal, "unexpected error", err)
		}
		if ctx.Err() != nil && se.Kind != KindInterrupted {
			se = stepErr(KindInterrupted, "run interrupted", errors.Join(ctx.Err(), se))
		}
		st.logger.Error("run failed", "kind", se.Kind, "error", se)
		st.fail(se, "")
	}
	return st.res
}

func (o *Orchestrator) execute(ctx context.Context, st *runState) error {
	if err := o.validateInput(st); err != nil {
		return err
	}

	doc, err := o.extract(ctx, st)
	if err != nil {
		return err
	}

	base := "presentation_" + o.newID()
	if err := o.render(ctx, st, doc, base+".pptx"); err != nil {
		return err
	}

	o.convert(ctx, st)
	o.writeHandout(st, doc, base+"_handout.docx")
	o.mirrorArtifacts(ctx, st)
	o.deliver(ctx, st)

	start := time.Now()
	st.res.Summary = doc.Summary()
	st.record(StepFinalize, stepOK, "", start)
	return nil
}

func (o *Orchestrator) validateInput(st *runState) error {
	start := time.Now()
	path := st.run.InputAudioPath

	var reason string
	info, err := os.Stat(path)
	switch {
	case strings.TrimSpace(path) == "":
		reason = "no input audio path"
	case err != nil:
		reason = fmt.Sprintf("audio file not found at %s", path)
	case !info.Mode().IsRegular():
		reason = fmt.Sprintf("%s is not a regular file", path)
	case info.Size() == 0:
		reason = fmt.Sprintf("audio file %s is empty", path)
	}
	if reason != "" {
		st.record(StepValidateInput, stepFailed, reason, start)
		return stepErr(KindInputMissing, reason, err)
	}
	st.record(StepValidateInput, stepOK, fmt.Sprintf("%d bytes", info.Size()), start)
	return nil
}

func (o *Orchestrator) extract(ctx context.Context, st *runState) (deck.Document, error) {
	start := time.Now()
	doc, diag := o.extractor.Extract(ctx, st.run.InputAudioPath)
	st.res.Extraction = extractionReport(diag)

	if ctx.Err() != nil {
		st.record(StepExtract, stepFailed, "interrupted", start)
		return deck.Document{}, stepErr(KindInterrupted, "extraction interrupted", ctx.Err())
	}
	if !doc.HasUsableTitle() {
		st.record(StepExtract, stepFailed, "document has no title", start)
		return deck.Document{}, stepErr(KindExtractionInvalid, "AI failed to extract structure from audio", nil)
	}

	st.res.Title = doc.Title
	st.res.SlideCount = len(doc.Slides)
	st.res.Degraded = doc.IsErrorDocument()

	detail := fmt.Sprintf("model=%s slides=%d attempts=%d", diag.Model, len(doc.Slides), len(diag.Attempts))
	if st.res.Degraded {
		detail = fmt.Sprintf("degraded: error document after %d attempts", len(diag.Attempts))
	}
	st.record(StepExtract, stepOK, detail, start)
	return doc, nil
}

func extractionReport(d extract.Diagnostics) *storage.ExtractionReport {
	rep := &storage.ExtractionReport{
		UploadState:     d.UploadState,
		Model:           d.Model,
		RateLimitPauses: d.RateLimitPauses(),
	}
	for _, a := range d.Attempts {
		rep.Attempts = append(rep.Attempts, storage.AttemptRecord{
			Model:       a.Model,
			Outcome:     a.Outcome,
			Error:       a.Err,
			RateLimited: a.RateLimited,
			PauseMs:     a.Pause.Milliseconds(),
		})
	}
	return rep
}

func (o *Orchestrator) render(ctx context.Context, st *runState, doc deck.Document, target string) error {
	start := time.Now()
	st.res.Renderer = o.renderer.Name()

	path, err := o.renderer.Render(ctx, doc, target)
	if err != nil {
		st.record(StepRender, stepFailed, err.Error(), start)
		if ctx.Err() != nil {
			return stepErr(KindInterrupted, "rendering interrupted", err)
		}
		return stepErr(KindRenderFailed, "rendering "+target, err)
	}
	if err := render.VerifyArtifact(path, o.outputDir); err != nil {
		st.record(StepRender, stepFailed, err.Error(), start)
		return stepErr(KindArtifactMissing, "file generated but not found at "+path, err)
	}

	st.res.ArtifactPath = path
	st.res.Filename = filepath.Base(path)
	st.record(StepRender, stepOK, st.res.Filename, start)
	return nil
}

func (o *Orchestrator) convert(ctx context.Context, st *runState) {
	if o.converter == nil {
		st.skip(StepConvert, "no converter configured")
		return
	}
	start := time.Now()
	pdfPath, err := o.converter.ToPDF(ctx, st.res.ArtifactPath)
	if err == nil {
		err = render.VerifyArtifact(pdfPath, o.outputDir)
	}
	if err != nil {
		st.record(StepConvert, stepFailed, err.Error(), start)
		return
	}
	st.res.ConvertedArtifactPath = pdfPath
	st.res.ConvertedFilename = filepath.Base(pdfPath)
	st.record(StepConvert, stepOK, st.res.ConvertedFilename, start)
}

func (o *Orchestrator) writeHandout(st *runState, doc deck.Document, target string) {
	if o.handout == nil {
		st.skip(StepHandout, "handout disabled")
		return
	}
	start := time.Now()
	path, err := o.handout(doc, o.outputDir, target)
	if err != nil {
		st.record(StepHandout, stepFailed, err.Error(), start)
		return
	}
	st.res.HandoutPath = path
	st.record(StepHandout, stepOK, filepath.Base(path), start)
}

func (s *runState) artifacts() []string {
	var out []string
	for _, p := range []string{s.res.ArtifactPath, s.res.ConvertedArtifactPath, s.res.HandoutPath} {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (o *Orchestrator) mirrorArtifacts(ctx context.Context, st *runState) {
	if o.mirror == nil {
		st.skip(StepMirror, "no mirror configured")
		return
	}
	start := time.Now()
	var failures []string
	for _, p := range st.artifacts() {
		uri, err := o.mirror.Upload(ctx, p)
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", filepath.Base(p), err))
			continue
		}
		st.res.MirrorURIs = append(st.res.MirrorURIs, uri)
	}
	if len(failures) > 0 {
		st.record(StepMirror, stepFailed, strings.Join(failures, "; "), start)
		return
	}
	st.record(StepMirror, stepOK, fmt.Sprintf("%d objects", len(st.res.MirrorURIs)), start)
}

// deliver sends the deck and, when present, the PDF. Its outcome is kept in
// Result.Delivery and never changes the run status.
func (o *Orchestrator) deliver(ctx context.Context, st *runState) {
	to := strings.TrimSpace(st.run.Recipient)
	if to == "" {
		st.skip(StepDeliver, "no recipient")
		return
	}
	rep := &storage.DeliveryReport{Recipient: to}
	st.res.Delivery = rep
	if o.deliverer == nil {
		st.skip(StepDeliver, "messaging not configured")
		return
	}

	start := time.Now()
	rep.Attempted = true
	files := []struct{ path, name string }{{st.res.ArtifactPath, st.res.Filename}}
	if st.res.ConvertedArtifactPath != "" {
		files = append(files, struct{ path, name string }{st.res.ConvertedArtifactPath, st.res.ConvertedFilename})
	}

	rep.Delivered = true
	var failures []string
	for _, f := range files {
		df := storage.DeliveredFile{Name: f.name}
		if err := o.deliverer.Deliver(ctx, to, f.path, f.name); err != nil {
			df.Error = err.Error()
			rep.Delivered = false
			failures = append(failures, f.name+": "+err.Error())
		}
		rep.Files = append(rep.Files, df)
	}
	if len(failures) > 0 {
		st.record(StepDeliver, stepFailed, strings.Join(failures, "; "), start)
		return
	}
	st.record(StepDeliver, stepOK, fmt.Sprintf("%d files to %s", len(files), to), start)
}

// StatusFor maps a processed result to its terminal run status.
func StatusFor(res storage.Result) storage.RunStatus {
	if res.Error != nil {
		return storage.StatusFailed
	}
	return storage.StatusSucceeded
}
