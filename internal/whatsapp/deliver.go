package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/kalambet/voxdeck/internal/render"
)

// Sender is the subset of Client used for outbound delivery.
type Sender interface {
	UploadMedia(ctx context.Context, path, mimeType string) (string, error)
	SendDocument(ctx context.Context, to, mediaID, filename, caption string) error
	SendText(ctx context.Context, to, body string) error
}

// Deliverer pushes finished artifacts to a recipient.
type Deliverer struct {
	sender  Sender
	caption string
	logger  *slog.Logger
}

// NewDeliverer creates a Deliverer using the standard caption.
func NewDeliverer(s Sender) *Deliverer {
	return &Deliverer{sender: s, caption: DocumentCaption, logger: slog.Default()}
}

// Deliver uploads the file then sends it as a document. Failures are logged
// and returned so the caller can record them; they are never retried here.
func (d *Deliverer) Deliver(ctx context.Context, to, path, displayName string) error {
	if displayName == "" {
		displayName = filepath.Base(path)
	}
	mediaID, err := d.sender.UploadMedia(ctx, path, render.MIMEType(path))
	if err != nil {
		d.logger.Error("whatsapp media upload failed", "to", to, "file", displayName, "error", err)
		return err
	}
	if err := d.sender.SendDocument(ctx, to, mediaID, displayName, d.caption); err != nil {
		d.logger.Error("whatsapp document send failed", "to", to, "file", displayName, "media_id", mediaID, "error", err)
		return err
	}
	d.logger.Info("whatsapp document delivered", "to", to, "file", displayName, "media_id", mediaID)
	return nil
}

// Notify sends a status text. Errors are logged and returned.
func (d *Deliverer) Notify(ctx context.Context, to, text string) error {
	if err := d.sender.SendText(ctx, to, text); err != nil {
		d.logger.Warn("whatsapp text send failed", "to", to, "error", err)
		return fmt.Errorf("sending text: %w", err)
	}
	return nil
}
