// Package convert turns rendered decks into PDF with a headless office suite.
package convert

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ledongthuc/pdf"
)

const defaultTimeout = 2 * time.Minute

// Converter runs LibreOffice in headless mode.
type Converter struct {
	exec    Executor
	binary  string
	timeout time.Duration
	logger  *slog.Logger
}

// New creates a Converter invoking binary (usually "libreoffice" or "soffice").
func New(binary string, timeout time.Duration) *Converter {
	return NewWithExecutor(NewExecutor(), binary, timeout)
}

// NewWithExecutor creates a Converter with a custom executor (for testing).
func NewWithExecutor(e Executor, binary string, timeout time.Duration) *Converter {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Converter{exec: e, binary: binary, timeout: timeout, logger: slog.Default()}
}

// ToPDF converts src into a PDF next to it and returns the PDF path. The
// result is checked to be a readable PDF with at least one page.
func (c *Converter) ToPDF(ctx context.Context, src string) (string, error) {
	if c.binary == "" {
		return "", fmt.Errorf("no converter binary configured")
	}
	outDir := filepath.Dir(src)
	pdfPath := strings.TrimSuffix(src, filepath.Ext(src)) + ".pdf"

	// Each run gets its own profile so concurrent conversions do not
	// contend for the user installation lock.
	profile, err := os.MkdirTemp("", "voxdeck-lo-*")
	if err != nil {
		return "", fmt.Errorf("creating profile dir: %w", err)
	}
	defer os.RemoveAll(profile)

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	args := []string{
		"-env:UserInstallation=file://" + filepath.ToSlash(profile),
		"--headless",
		"--convert-to", "pdf",
		"--outdir", outDir,
		src,
	}
	start := time.Now()
	if _, err := c.exec.Execute(ctx, c.binary, args...); err != nil {
		return "", fmt.Errorf("converting %s: %w", filepath.Base(src), err)
	}

	pages, err := PageCount(pdfPath)
	if err != nil {
		return "", fmt.Errorf("verifying converted pdf: %w", err)
	}
	if pages < 1 {
		return "", fmt.Errorf("converted pdf %s has no pages", pdfPath)
	}

	c.logger.Info("converted to pdf", "path", pdfPath, "pages", pages, "duration", time.Since(start))
	return pdfPath, nil
}

// PageCount opens a PDF and returns its number of pages.
func PageCount(path string) (n int, err error) {
	// The pdf reader panics on some malformed trailers.
	defer func() {
		if r := recover(); r != nil {
			n, err = 0, fmt.Errorf("reading pdf %s: %v", path, r)
		}
	}()

	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if info.Size() == 0 {
		return 0, fmt.Errorf("%s is empty", path)
	}
	f, r, err := pdf.Open(path)
	if err != nil {
		return 0, fmt.Errorf("opening pdf: %w", err)
	}
	defer f.Close()
	return r.NumPage(), nil
}
