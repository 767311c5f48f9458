package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/kalambet/voxdeck/internal/storage"
)

// RunCreator persists new pending runs.
type RunCreator interface {
	CreateRun(ctx context.Context, run storage.Run) error
}

// Submitter is the single entry point for new work: HTTP uploads, the
// messaging webhook, the inbox watcher and MCP all create runs through it.
type Submitter struct {
	queue     RunCreator
	uploadDir string
	newID     func() string
	logger    *slog.Logger
}

// NewSubmitter creates a Submitter storing audio under uploadDir.
func NewSubmitter(q RunCreator, uploadDir string) *Submitter {
	return &Submitter{queue: q, uploadDir: uploadDir, newID: uuid.NewString, logger: slog.Default()}
}

// UploadDir returns the directory incoming audio is stored in.
func (s *Submitter) UploadDir() string { return s.uploadDir }

// Enqueue creates a pending run for audio already on disk.
func (s *Submitter) Enqueue(ctx context.Context, audioPath, recipient, source string) (storage.Run, error) {
	return s.enqueue(ctx, s.newID(), audioPath, recipient, source)
}

func (s *Submitter) enqueue(ctx context.Context, id, audioPath, recipient, source string) (storage.Run, error) {
	run := storage.Run{
		ID:             id,
		InputAudioPath: audioPath,
		Recipient:      recipient,
		Source:         source,
		Status:         storage.StatusPending,
	}
	if err := s.queue.CreateRun(ctx, run); err != nil {
		return storage.Run{}, fmt.Errorf("creating run: %w", err)
	}
	s.logger.Info("run submitted", "run_id", id, "source", source, "input", audioPath, "has_recipient", recipient != "")
	return run, nil
}

// Save stores r in the upload directory as <run id><ext> and enqueues it.
func (s *Submitter) Save(ctx context.Context, r io.Reader, originalName, recipient, source string) (storage.Run, error) {
	if err := os.MkdirAll(s.uploadDir, 0o755); err != nil {
		return storage.Run{}, fmt.Errorf("creating upload dir: %w", err)
	}
	id := s.newID()
	dest := filepath.Join(s.uploadDir, id+safeExt(originalName))

	f, err := os.Create(dest)
	if err != nil {
		return storage.Run{}, fmt.Errorf("creating upload: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(dest)
		return storage.Run{}, fmt.Errorf("saving upload: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(dest)
		return storage.Run{}, fmt.Errorf("saving upload: %w", err)
	}
	return s.enqueue(ctx, id, dest, recipient, source)
}

// Import copies a local file into the upload directory and enqueues it.
func (s *Submitter) Import(ctx context.Context, path, recipient, source string) (storage.Run, error) {
	f, err := os.Open(path)
	if err != nil {
		return storage.Run{}, fmt.Errorf("opening audio: %w", err)
	}
	defer f.Close()
	return s.Save(ctx, f, filepath.Base(path), recipient, source)
}

// safeExt keeps a short alphanumeric extension from an uploaded filename.
func safeExt(name string) string {
	ext := strings.ToLower(filepath.Ext(filepath.Base(name)))
	if len(ext) < 2 || len(ext) > 10 {
		return ""
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ""
		}
	}
	return ext
}
