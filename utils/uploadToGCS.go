package utils

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// getGoogleClient initializes a Google Cloud Storage client.
// Prefer ADC (service account / GOOGLE_APPLICATION_CREDENTIALS); for local
// use, explicit JSON can be supplied via GCS_CREDENTIALS_JSON.
func getGoogleClient(ctx context.Context) (*storage.Client, error) {
	if credJSON := os.Getenv("GCS_CREDENTIALS_JSON"); strings.TrimSpace(credJSON) != "" {
		client, err := storage.NewClient(ctx, option.WithCredentialsJSON([]byte(credJSON)))
		if err != nil {
			return nil, err
		}
		return client, nil
	}

	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// ReportBucketConfigured reports whether artifact upload is enabled.
func ReportBucketConfigured() bool {
	return strings.TrimSpace(os.Getenv("REPORT_BUCKET")) != ""
}

// UploadReportArtifact stores a report export under the configured bucket and
// returns its gs:// URL. Upload is best effort and happens after the finalize
// transaction commits; the artifact body is always kept in the DB row.
func UploadReportArtifact(ctx context.Context, objectName string, data []byte) (string, error) {
	bucketName := strings.TrimSpace(os.Getenv("REPORT_BUCKET"))
	if bucketName == "" {
		return "", errors.New("REPORT_BUCKET is required")
	}

	client, err := getGoogleClient(ctx)
	if err != nil {
		return "", err
	}
	defer client.Close()

	w := client.Bucket(bucketName).Object(objectName).NewWriter(ctx)
	w.ContentType = "text/plain; charset=utf-8"
	if _, err := w.Write(data); err != nil {
		w.Close()
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	return fmt.Sprintf("gs://%s/%s", bucketName, objectName), nil
}
