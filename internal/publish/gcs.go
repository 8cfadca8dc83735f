package publish

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"edgecam/internal/pipeline"
)

// GCSConfig locates a Cloud Storage bucket
type GCSConfig struct {
	Bucket string
	// Prefix is prepended to every object name
	Prefix string
	// CredentialsFile is a service account key; empty uses application
	// default credentials
	CredentialsFile string
	// Endpoint overrides the storage API endpoint, e.g. for an emulator
	Endpoint string
}

// GCSSink uploads artifacts to Google Cloud Storage
type GCSSink struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSSink creates the storage client
func NewGCSSink(ctx context.Context, cfg GCSConfig) (*GCSSink, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("gcs bucket is required")
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint), option.WithoutAuthentication())
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return &GCSSink{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (g *GCSSink) Name() string {
	return "gcs"
}

// ObjectName returns the full object name for remoteName
func (g *GCSSink) ObjectName(remoteName string) string {
	name := strings.TrimLeft(remoteName, "/")
	if g.prefix == "" {
		return name
	}
	return path.Join(g.prefix, name)
}

// Upload implements pipeline.ArtifactSink
func (g *GCSSink) Upload(ctx context.Context, localPath, remoteName string) error {
	return g.UploadTagged(ctx, localPath, remoteName, nil)
}

// UploadTagged implements pipeline.TaggedArtifactSink. Tags are stored as
// object metadata.
func (g *GCSSink) UploadTagged(ctx context.Context, localPath, remoteName string, tags map[string]string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer f.Close()

	w := g.client.Bucket(g.bucket).Object(g.ObjectName(remoteName)).NewWriter(ctx)
	w.ContentType = contentType(remoteName)
	if len(tags) > 0 {
		w.Metadata = tags
	}

	if _, err := io.Copy(w, f); err != nil {
		_ = w.Close()
		return fmt.Errorf("gcs write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs upload failed: %w", err)
	}
	return nil
}

// Close releases the storage client
func (g *GCSSink) Close() error {
	return g.client.Close()
}

var _ pipeline.TaggedArtifactSink = (*GCSSink)(nil)
