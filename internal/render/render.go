// Package render turns a deck.Document into a slide deck file on disk.
package render

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kalambet/voxdeck/internal/deck"
)

// Renderer produces a deck file named targetName inside its output
// directory and returns the path written.
type Renderer interface {
	Render(ctx context.Context, doc deck.Document, targetName string) (string, error)
	Name() string
}

// Config selects and tunes a renderer.
type Config struct {
	OutputDir        string
	PlusAPIKey       string
	PlusBaseURL      string
	PlusPollInterval time.Duration
	PlusMaxPolls     int
	PlusSlides       int
}

// Select returns the remote renderer when a Plus AI key is configured,
// otherwise the local one.
func Select(cfg Config) Renderer {
	if strings.TrimSpace(cfg.PlusAPIKey) != "" {
		p := NewPlus(cfg.PlusAPIKey, cfg.OutputDir)
		if cfg.PlusBaseURL != "" {
			p.baseURL = strings.TrimRight(cfg.PlusBaseURL, "/")
		}
		if cfg.PlusPollInterval > 0 {
			p.pollInterval = cfg.PlusPollInterval
		}
		if cfg.PlusMaxPolls > 0 {
			p.maxPolls = cfg.PlusMaxPolls
		}
		if cfg.PlusSlides > 0 {
			p.slides = cfg.PlusSlides
		}
		return p
	}
	return NewLocal(cfg.OutputDir)
}

// VerifyArtifact checks that path is a non-empty regular file inside outputDir.
func VerifyArtifact(path, outputDir string) error {
	if path == "" {
		return fmt.Errorf("renderer returned an empty path")
	}
	absOut, err := filepath.Abs(outputDir)
	if err != nil {
		return fmt.Errorf("resolving output dir: %w", err)
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving artifact path: %w", err)
	}
	rel, err := filepath.Rel(absOut, absPath)
	if err != nil || rel == "." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || rel == ".." {
		return fmt.Errorf("artifact %s is outside output dir %s", path, outputDir)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return fmt.Errorf("artifact not found at %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("artifact %s is not a regular file", path)
	}
	if info.Size() == 0 {
		return fmt.Errorf("artifact %s is empty", path)
	}
	return nil
}

// targetPath joins a caller-supplied name onto outputDir, keeping only its base.
func targetPath(outputDir, targetName string) (string, error) {
	name := filepath.Base(strings.TrimSpace(targetName))
	if name == "" || name == "." || name == ".." || name == string(filepath.Separator) {
		return "", fmt.Errorf("invalid target name %q", targetName)
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", fmt.Errorf("creating output dir: %w", err)
	}
	return filepath.Join(outputDir, name), nil
}

// writeAtomic writes through a temp file in the same directory and renames
// it into place, so a partial file is never visible under the final name.
func writeAtomic(path string, write func(f *os.File) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".render-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := write(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("renaming into place: %w", err)
	}
	return nil
}

// MIMEType returns the media type for an artifact produced by the pipeline.
func MIMEType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pptx":
		return "application/vnd.openxmlformats-officedocument.presentationml.presentation"
	case ".pdf":
		return "application/pdf"
	case ".docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	default:
		return "application/octet-stream"
	}
}
