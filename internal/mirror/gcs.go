// Package mirror copies finished artifacts to a Google Cloud Storage bucket.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/kalambet/voxdeck/internal/render"
)

// GCS uploads artifacts under an optional object prefix.
type GCS struct {
	client *storage.Client
	bucket *storage.BucketHandle
	name   string
	prefix string
	logger *slog.Logger
}

// NewGCS creates a mirror for bucket. credentialsFile may be empty to use
// application default credentials.
func NewGCS(ctx context.Context, bucket, prefix, credentialsFile string) (*GCS, error) {
	if bucket == "" {
		return nil, fmt.Errorf("mirror: bucket is required")
	}
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	return newGCS(ctx, bucket, prefix, opts...)
}

func newGCS(ctx context.Context, bucket, prefix string, opts ...option.ClientOption) (*GCS, error) {
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating storage client: %w", err)
	}
	return &GCS{
		client: client,
		bucket: client.Bucket(bucket),
		name:   bucket,
		prefix: strings.Trim(prefix, "/"),
		logger: slog.Default(),
	}, nil
}

// Upload writes the file at p to the bucket and returns its gs:// URI.
// Objects are never overwritten; an existing object counts as success.
func (g *GCS) Upload(ctx context.Context, p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", fmt.Errorf("opening artifact: %w", err)
	}
	defer f.Close()

	object := ObjectName(g.prefix, p)
	uri := fmt.Sprintf("gs://%s/%s", g.name, object)

	w := g.bucket.Object(object).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = render.MIMEType(p)
	if _, err := io.Copy(w, f); err != nil {
		_ = w.Close()
		if alreadyExists(err) {
			g.logger.Info("mirror object already exists", "uri", uri)
			return uri, nil
		}
		return "", fmt.Errorf("writing %s: %w", uri, err)
	}
	if err := w.Close(); err != nil {
		if alreadyExists(err) {
			g.logger.Info("mirror object already exists", "uri", uri)
			return uri, nil
		}
		return "", fmt.Errorf("finalizing %s: %w", uri, err)
	}

	g.logger.Info("artifact mirrored", "uri", uri)
	return uri, nil
}

// Close releases the storage client.
func (g *GCS) Close() error {
	return g.client.Close()
}

// ObjectName joins prefix and the base name of p.
func ObjectName(prefix, p string) string {
	base := filepath.Base(p)
	if prefix = strings.Trim(prefix, "/"); prefix == "" {
		return base
	}
	return path.Join(prefix, base)
}

func alreadyExists(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}
