package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"

	"cloud.google.com/go/storage"
)

// Archiver mirrors materialized attachments into a GCS bucket so a wiped
// local disk does not lose history. Uploads are best-effort from the
// caller's point of view.
type Archiver struct {
	client *storage.Client
	bucket string
}

func NewArchiver(ctx context.Context, bucket string) (*Archiver, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return &Archiver{client: client, bucket: bucket}, nil
}

func (a *Archiver) Close() error {
	return a.client.Close()
}

// Upload copies a local file to <bucket>/<userID>/<name>.
func (a *Archiver) Upload(ctx context.Context, userID int, name string, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open %q: %w", localPath, err)
	}
	defer f.Close()

	object := path.Join(strconv.Itoa(userID), name)
	w := a.client.Bucket(a.bucket).Object(object).NewWriter(ctx)
	if _, err := io.Copy(w, f); err != nil {
		w.Close()
		return fmt.Errorf("failed to upload %q to bucket %s: %w", object, a.bucket, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finalize upload of %q to bucket %s: %w", object, a.bucket, err)
	}
	return nil
}
