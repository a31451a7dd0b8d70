package utils

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GetGCSClient opens a Cloud Storage client. It uses Application Default Credentials
// unless GCS_CREDENTIALS_JSON carries an explicit service account key.
func GetGCSClient(ctx context.Context) (*storage.Client, error) {
	if credJSON := os.Getenv("GCS_CREDENTIALS_JSON"); strings.TrimSpace(credJSON) != "" {
		return storage.NewClient(ctx, option.WithCredentialsJSON([]byte(credJSON)))
	}
	return storage.NewClient(ctx)
}

// UploadObject streams write into bucket/object. The object only becomes visible when
// write succeeds; on error the partial upload is abandoned.
func UploadObject(ctx context.Context, client *storage.Client, bucket, object, contentType string, metadata map[string]string, write func(io.Writer) error) error {
	if client == nil {
		return errors.New("storage client is nil")
	}
	if strings.TrimSpace(bucket) == "" || strings.TrimSpace(object) == "" {
		return errors.New("bucket and object are required")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	wc := client.Bucket(bucket).Object(object).NewWriter(ctx)
	wc.ContentType = contentType
	wc.Metadata = metadata
	if err := write(wc); err != nil {
		// Cancelling before Close aborts the upload.
		cancel()
		_ = wc.Close()
		return err
	}
	return wc.Close()
}
