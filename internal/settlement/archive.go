package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/wxwager/internal/domain"
)

const (
	runPrefix = "settlement-runs"
	// multipartThreshold is the payload size above which summaries go through
	// the multipart uploader.
	multipartThreshold = 5 * 1024 * 1024
	multipartPartSize  = 8 * 1024 * 1024
)

// RunArchive writes run summaries to object storage under
// settlement-runs/YYYY/MM/DD/{runID}.json.
type RunArchive struct {
	blobs domain.BlobWriter
}

// NewRunArchive creates a RunArchive on top of blobs.
func NewRunArchive(blobs domain.BlobWriter) *RunArchive {
	return &RunArchive{blobs: blobs}
}

// RunPath returns the object key for a run that started at started.
func RunPath(runID string, started time.Time) string {
	return fmt.Sprintf("%s/%s/%s.json", runPrefix, started.UTC().Format("2006/01/02"), runID)
}

// RunPrefix returns the key prefix holding every run started on d.
func RunPrefix(d domain.Date) (string, error) {
	t, err := time.Parse(domain.DateLayout, string(d))
	if err != nil {
		return "", domain.Invalid("date", "must be a YYYY-MM-DD calendar date")
	}
	return fmt.Sprintf("%s/%s/", runPrefix, t.Format("2006/01/02")), nil
}

// Store uploads sum and returns its key.
func (a *RunArchive) Store(ctx context.Context, sum Summary) (string, error) {
	data, err := json.MarshalIndent(sum, "", "  ")
	if err != nil {
		return "", fmt.Errorf("settlement: marshal run %s: %w", sum.RunID, err)
	}
	path := RunPath(sum.RunID, sum.StartedAt)

	if len(data) > multipartThreshold {
		err = a.blobs.PutMultipart(ctx, path, bytes.NewReader(data), multipartPartSize)
	} else {
		err = a.blobs.Put(ctx, path, bytes.NewReader(data), "application/json")
	}
	if err != nil {
		return "", fmt.Errorf("settlement: archive run %s: %w", sum.RunID, err)
	}
	return path, nil
}
