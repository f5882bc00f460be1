package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// mirrorConcurrency caps parallel blob transfers during a full bucket
// download or upload.
const mirrorConcurrency = 8

// StorageService is the GCS-backed storage gateway. It owns one bucket,
// provisioned at construction, and addresses every object by its path
// within that bucket.
type StorageService struct {
	client *storage.Client
	bucket *storage.BucketHandle
	name   string
}

// NewStorageService opens the bucket, creating it when it does not
// exist. A bucket we cannot access (403) or cannot create because the
// name is taken globally (409) is fatal for the whole run.
func NewStorageService(ctx context.Context, projectID, bucketName, region string, opts ...option.ClientOption) (*StorageService, error) {
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, err
	}
	bucket := client.Bucket(bucketName)

	_, err = bucket.Attrs(ctx)
	switch {
	case err == nil:
		slog.InfoContext(ctx, "using existing bucket", "bucket", bucketName)
	case errors.Is(err, storage.ErrBucketNotExist):
		slog.InfoContext(ctx, "creating bucket", "bucket", bucketName, "region", region)
		attrs := &storage.BucketAttrs{Location: region}
		if err := bucket.Create(ctx, projectID, attrs); err != nil {
			if hasStatus(err, http.StatusConflict) {
				return nil, fmt.Errorf("bucket name %q is taken, bucket names are global: %w", bucketName, err)
			}
			return nil, fmt.Errorf("creating bucket %q: %w", bucketName, err)
		}
	case hasStatus(err, http.StatusForbidden):
		return nil, fmt.Errorf("no access to bucket %q: %w", bucketName, err)
	default:
		return nil, fmt.Errorf("checking bucket %q: %w", bucketName, err)
	}

	return &StorageService{client: client, bucket: bucket, name: bucketName}, nil
}

func (s *StorageService) Close() error { return s.client.Close() }

// URI returns the gs:// address of a path within the bucket, for extract
// and load jobs that read and write the bucket directly.
func (s *StorageService) URI(path string) string {
	return fmt.Sprintf("gs://%s/%s", s.name, path)
}

func (s *StorageService) PutJSON(ctx context.Context, name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", name, err)
	}
	w := s.bucket.Object(name).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("writing %s: %w", name, err)
	}
	return w.Close()
}

func (s *StorageService) GetJSON(ctx context.Context, name string, v any) error {
	r, err := s.bucket.Object(name).NewReader(ctx)
	if err != nil {
		return fmt.Errorf("opening %s: %w", name, err)
	}
	defer r.Close()
	if err := json.NewDecoder(r).Decode(v); err != nil {
		return fmt.Errorf("decoding %s: %w", name, err)
	}
	return nil
}

// ListNames returns the names of every object under prefix.
func (s *StorageService) ListNames(ctx context.Context, prefix string) ([]string, error) {
	it := s.bucket.Objects(ctx, &storage.Query{Prefix: prefix})
	var names []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		names = append(names, attrs.Name)
	}
	return names, nil
}

// DownloadAll mirrors the whole bucket into dir, recreating the blob
// paths as a local directory tree.
func (s *StorageService) DownloadAll(ctx context.Context, dir string) error {
	names, err := s.ListNames(ctx, "")
	if err != nil {
		return fmt.Errorf("listing bucket: %w", err)
	}
	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(mirrorConcurrency)
	for _, name := range names {
		group.Go(func() error {
			return s.downloadObject(ctx, name, filepath.Join(dir, filepath.FromSlash(name)))
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}
	slog.InfoContext(ctx, "downloaded bucket", "bucket", s.name, "objects", len(names), "dir", dir)
	return nil
}

func (s *StorageService) downloadObject(ctx context.Context, name, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	r, err := s.bucket.Object(name).NewReader(ctx)
	if err != nil {
		return fmt.Errorf("opening %s: %w", name, err)
	}
	defer r.Close()
	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return fmt.Errorf("downloading %s: %w", name, err)
	}
	return f.Close()
}

// UploadAll mirrors a local directory tree into the bucket, using the
// relative paths as blob names. A missing directory is not an error,
// there is just nothing to upload.
func (s *StorageService) UploadAll(ctx context.Context, dir string) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		slog.WarnContext(ctx, "local directory does not exist, nothing to upload", "dir", dir)
		return nil
	}
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("walking %s: %w", dir, err)
	}

	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(mirrorConcurrency)
	for _, path := range paths {
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		group.Go(func() error {
			return s.uploadObject(ctx, path, name)
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}
	slog.InfoContext(ctx, "uploaded directory", "dir", dir, "objects", len(paths), "bucket", s.name)
	return nil
}

func (s *StorageService) uploadObject(ctx context.Context, path, name string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := s.bucket.Object(name).NewWriter(ctx)
	if strings.HasSuffix(name, ".json") {
		w.ContentType = "application/json"
	}
	if _, err := io.Copy(w, f); err != nil {
		w.Close()
		return fmt.Errorf("uploading %s: %w", name, err)
	}
	return w.Close()
}

// hasStatus reports whether err is a Google API error with the given
// HTTP status code.
func hasStatus(err error, code int) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == code
}
