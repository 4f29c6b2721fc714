package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	contentType    = "application/x-ndjson"
	composeRetries = 3
)

// GCSStore appends to Cloud Storage objects by composing the existing
// object with a freshly written part.
type GCSStore struct {
	client *storage.Client
	bucket string
}

// NewGCSStore opens a storage client. An empty credentialsFile falls back
// to application default credentials.
func NewGCSStore(ctx context.Context, bucket, credentialsFile string) (*GCSStore, error) {
	if bucket == "" {
		return nil, errors.New("audit bucket is required")
	}
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	return &GCSStore{client: client, bucket: bucket}, nil
}

// Close releases the storage client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}

// Append implements Store.
func (s *GCSStore) Append(ctx context.Context, path string, data []byte) error {
	bkt := s.client.Bucket(s.bucket)
	obj := bkt.Object(path)

	part := bkt.Object(path + ".part-" + uuid.NewString())
	w := part.NewWriter(ctx)
	w.ContentType = contentType
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("write audit part: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close audit part: %w", err)
	}
	defer func() {
		if err := part.Delete(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("failed to delete audit part", "object", part.ObjectName(), "error", err)
		}
	}()

	var err error
	for attempt := 0; attempt < composeRetries; attempt++ {
		var attrs *storage.ObjectAttrs
		attrs, err = obj.Attrs(ctx)
		if errors.Is(err, storage.ErrObjectNotExist) {
			return ErrBlobNotFound
		}
		if err != nil {
			return fmt.Errorf("stat audit object: %w", err)
		}
		if sealed(attrs) {
			return ErrBlobSealed
		}

		composer := obj.If(storage.Conditions{GenerationMatch: attrs.Generation}).ComposerFrom(obj, part)
		composer.ContentType = contentType
		if _, err = composer.Run(ctx); err == nil {
			return nil
		}
		if !statusIs(err, http.StatusPreconditionFailed) {
			if statusIs(err, http.StatusForbidden) {
				return fmt.Errorf("%w: %v", ErrBlobSealed, err)
			}
			return fmt.Errorf("compose audit object: %w", err)
		}
		// Another writer appended in between; retry on the new generation.
	}
	return fmt.Errorf("compose audit object: %w", err)
}

// Create implements Store.
func (s *GCSStore) Create(ctx context.Context, path string) error {
	obj := s.client.Bucket(s.bucket).Object(path).If(storage.Conditions{DoesNotExist: true})
	w := obj.NewWriter(ctx)
	w.ContentType = contentType
	if err := w.Close(); err != nil {
		if statusIs(err, http.StatusPreconditionFailed) {
			return nil
		}
		return fmt.Errorf("create audit object: %w", err)
	}
	return nil
}

func sealed(attrs *storage.ObjectAttrs) bool {
	return attrs.TemporaryHold || attrs.EventBasedHold
}

func statusIs(err error, code int) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == code
}
