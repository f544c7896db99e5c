package processor

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/courier/artifact"
	"github.com/xraph/courier/job"
)

// Artifact fetches a file from a Source, zips it and stores it. An
// artifact already present in the store is reused, which keeps repeated
// attempts for the same file idempotent.
type Artifact struct {
	source  Source
	store   artifact.Store
	timeout time.Duration
	logger  *slog.Logger
}

// ArtifactOption configures an Artifact processor.
type ArtifactOption func(*Artifact)

// WithTimeout bounds each attempt. Zero disables the deadline.
func WithTimeout(d time.Duration) ArtifactOption {
	return func(a *Artifact) { a.timeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ArtifactOption {
	return func(a *Artifact) { a.logger = l }
}

// NewArtifact creates an Artifact processor.
func NewArtifact(source Source, store artifact.Store, opts ...ArtifactOption) *Artifact {
	a := &Artifact{
		source: source,
		store:  store,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Key returns the storage key for fileID.
func Key(fileID int64) string {
	return fmt.Sprintf("downloads/%d.zip", fileID)
}

// Process produces the artifact for fileID.
func (a *Artifact) Process(ctx context.Context, fileID int64) (job.Result, error) {
	if fileID < job.MinFileID || fileID > job.MaxFileID {
		return job.Result{}, Permanent(job.CodeInvalidFile, fmt.Errorf("file id %d out of range", fileID))
	}
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	key := Key(fileID)
	obj, ok, err := a.store.Exists(ctx, key)
	if err != nil {
		return job.Result{}, Classify(err)
	}
	if ok {
		a.logger.Debug("artifact already stored",
			slog.Int64("file_id", fileID),
			slog.String("key", key),
		)
		return job.Result{ArtifactKey: obj.Key, SizeBytes: obj.Size}, nil
	}

	data, err := a.source.Fetch(ctx, fileID)
	if err != nil {
		return job.Result{}, Classify(err)
	}
	archive, err := zipFile(fmt.Sprintf("%d.bin", fileID), data)
	if err != nil {
		return job.Result{}, Permanent(job.CodeInternal, err)
	}
	obj, err = a.store.Put(ctx, key, archive, "application/zip")
	if err != nil {
		return job.Result{}, Classify(err)
	}
	return job.Result{ArtifactKey: obj.Key, SizeBytes: obj.Size}, nil
}

func zipFile(name string, data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create(name)
	if err != nil {
		return nil, fmt.Errorf("create zip entry: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("write zip entry: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("close zip: %w", err)
	}
	return buf.Bytes(), nil
}
