package publish

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"

	"edgecam/internal/pipeline"
)

// BlobConfig locates an Azure blob container
type BlobConfig struct {
	// AccountURL is the service endpoint, e.g. https://acct.blob.core.windows.net
	AccountURL string
	// Container is lower-cased before use, container names must be lower case
	Container string
	// SAS is a shared access signature query string, with or without "?"
	SAS string
	// MaxRetries overrides the SDK retry count; negative disables retries
	MaxRetries int32
}

// BlobSink uploads artifacts as block blobs, overwriting any existing blob
// of the same name
type BlobSink struct {
	client *container.Client
}

// NewBlobSink creates a blob sink authorized by the SAS in cfg
func NewBlobSink(cfg BlobConfig) (*BlobSink, error) {
	if cfg.AccountURL == "" {
		return nil, fmt.Errorf("blob account url is required")
	}
	if cfg.Container == "" {
		return nil, fmt.Errorf("blob container is required")
	}
	if _, err := url.Parse(cfg.AccountURL); err != nil {
		return nil, fmt.Errorf("invalid blob account url: %w", err)
	}

	containerURL := strings.TrimRight(cfg.AccountURL, "/") + "/" + strings.ToLower(cfg.Container)
	if sas := strings.TrimPrefix(cfg.SAS, "?"); sas != "" {
		containerURL += "?" + sas
	}

	opts := &container.ClientOptions{}
	if cfg.MaxRetries != 0 {
		opts.Retry = policy.RetryOptions{MaxRetries: cfg.MaxRetries}
	}
	client, err := container.NewClientWithNoCredential(containerURL, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create blob client: %w", err)
	}
	return &BlobSink{client: client}, nil
}

func (b *BlobSink) Name() string {
	return "blob"
}

// BlobURL returns the request URL for remoteName
func (b *BlobSink) BlobURL(remoteName string) string {
	return b.blockBlob(remoteName).URL()
}

func (b *BlobSink) blockBlob(remoteName string) *blockblob.Client {
	return b.client.NewBlockBlobClient(strings.TrimLeft(remoteName, "/"))
}

// Upload implements pipeline.ArtifactSink
func (b *BlobSink) Upload(ctx context.Context, localPath, remoteName string) error {
	return b.UploadTagged(ctx, localPath, remoteName, nil)
}

// UploadTagged implements pipeline.TaggedArtifactSink. Tags become blob index
// tags.
func (b *BlobSink) UploadTagged(ctx context.Context, localPath, remoteName string, tags map[string]string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer f.Close()

	ct := contentType(remoteName)
	_, err = b.blockBlob(remoteName).UploadFile(ctx, f, &blockblob.UploadFileOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: &ct},
		Tags:        tags,
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("blob upload failed: %w", err)
	}
	return nil
}

func contentType(name string) string {
	switch {
	case strings.HasSuffix(strings.ToLower(name), ".png"):
		return "image/png"
	case strings.HasSuffix(strings.ToLower(name), ".jpg"), strings.HasSuffix(strings.ToLower(name), ".jpeg"):
		return "image/jpeg"
	default:
		return "application/octet-stream"
	}
}

var _ pipeline.TaggedArtifactSink = (*BlobSink)(nil)
