package utils

import (
	"context"
	"fmt"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// getGoogleClient initializes a Google Cloud Storage client
func getGoogleClient(ctx context.Context) (*storage.Client, error) {
	// Prefer ADC (Cloud Run service account / GOOGLE_APPLICATION_CREDENTIALS).
	// If you need to provide explicit JSON (e.g. locally), set GCS_CREDENTIALS_JSON.
	if credJSON := os.Getenv("GCS_CREDENTIALS_JSON"); strings.TrimSpace(credJSON) != "" {
		return storage.NewClient(ctx, option.WithCredentialsJSON([]byte(credJSON)))
	}
	return storage.NewClient(ctx)
}

// GCSArchiver writes archive blobs into a single bucket.
type GCSArchiver struct {
	Bucket string
}

func NewGCSArchiver(bucket string) *GCSArchiver {
	return &GCSArchiver{Bucket: strings.TrimSpace(bucket)}
}

// Archive uploads data to gs://Bucket/objectName. The object is written with
// DoesNotExist so a retried cleanup never overwrites an earlier archive.
func (a *GCSArchiver) Archive(ctx context.Context, objectName string, contentType string, data []byte) error {
	if a == nil || a.Bucket == "" {
		return fmt.Errorf("archive bucket is not configured")
	}
	client, err := getGoogleClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	obj := client.Bucket(a.Bucket).Object(objectName).If(storage.Conditions{DoesNotExist: true})
	wc := obj.NewWriter(ctx)
	wc.ContentType = contentType
	if _, err := wc.Write(data); err != nil {
		_ = wc.Close()
		return fmt.Errorf("write gs://%s/%s: %w", a.Bucket, objectName, err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("close gs://%s/%s: %w", a.Bucket, objectName, err)
	}
	return nil
}
