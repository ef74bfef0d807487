package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rrrcapital/ledgerd/internal/domain"
)

// BlobWriter is the upload capability the archiver needs. *Writer satisfies
// it; tests substitute a fake.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// Archiver moves terminal positions past the retention cutoff out of the
// primary store: serialize to JSONL, upload to S3, then prune. The upload
// happens strictly before the delete so a failed upload never loses data.
type Archiver struct {
	writer BlobWriter
	store  domain.PositionStore
	logger *slog.Logger
}

// NewArchiver creates an Archiver over the given store and writer.
func NewArchiver(writer BlobWriter, store domain.PositionStore, logger *slog.Logger) *Archiver {
	return &Archiver{
		writer: writer,
		store:  store,
		logger: logger.With(slog.String("component", "archiver")),
	}
}

// ArchiveResult reports one retention pass.
type ArchiveResult struct {
	Archived     int64  // terminal positions uploaded
	Pruned       int64  // rows deleted from the store
	PositionsKey string // S3 key of the position archive, empty when nothing ran
	HistoryKey   string // S3 key of the history archive
}

// Archive uploads every terminal position closed before cutoff together
// with its full history, then prunes them from the store. A no-op when
// nothing is past the cutoff.
func (a *Archiver) Archive(ctx context.Context, cutoff time.Time) (ArchiveResult, error) {
	positions, err := a.store.ListTerminalBefore(ctx, cutoff)
	if err != nil {
		return ArchiveResult{}, fmt.Errorf("s3blob: archive query: %w", err)
	}
	if len(positions) == 0 {
		return ArchiveResult{}, nil
	}

	var histories []domain.HistoryEntry
	for _, pos := range positions {
		entries, err := a.store.History(ctx, pos.Asset, 0)
		if err != nil {
			return ArchiveResult{}, fmt.Errorf("s3blob: archive history %s: %w", pos.Asset, err)
		}
		histories = append(histories, entries...)
	}

	// A fresh id per pass keeps re-runs from overwriting earlier archives.
	batchID := uuid.New().String()
	result := ArchiveResult{
		Archived:     int64(len(positions)),
		PositionsKey: archivePath("positions", cutoff, batchID),
		HistoryKey:   archivePath("history", cutoff, batchID),
	}

	posBuf, err := marshalJSONL(positions)
	if err != nil {
		return ArchiveResult{}, fmt.Errorf("s3blob: archive positions marshal: %w", err)
	}
	if err := a.writer.Put(ctx, result.PositionsKey, bytes.NewReader(posBuf), "application/x-ndjson"); err != nil {
		return ArchiveResult{}, fmt.Errorf("s3blob: archive positions upload: %w", err)
	}

	if len(histories) > 0 {
		histBuf, err := marshalJSONL(histories)
		if err != nil {
			return ArchiveResult{}, fmt.Errorf("s3blob: archive history marshal: %w", err)
		}
		// History dumps grow without bound; upload in parts.
		if err := a.writer.PutMultipart(ctx, result.HistoryKey, bytes.NewReader(histBuf), 0); err != nil {
			return ArchiveResult{}, fmt.Errorf("s3blob: archive history upload: %w", err)
		}
	} else {
		result.HistoryKey = ""
	}

	pruned, err := a.store.PruneTerminalBefore(ctx, cutoff)
	if err != nil {
		return ArchiveResult{}, fmt.Errorf("s3blob: prune after archive: %w", err)
	}
	result.Pruned = pruned

	a.logger.InfoContext(ctx, "retention pass complete",
		slog.Int64("archived", result.Archived),
		slog.Int64("pruned", result.Pruned),
		slog.String("positions_key", result.PositionsKey),
	)
	return result, nil
}

// Run executes Archive on a fixed interval until ctx is cancelled. Failures
// log and retry next tick; they never stop the loop.
func (a *Archiver) Run(ctx context.Context, interval, retention time.Duration) error {
	a.logger.InfoContext(ctx, "retention loop started",
		slog.Duration("interval", interval),
		slog.Duration("retention", retention),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.logger.InfoContext(ctx, "retention loop stopped")
			return ctx.Err()
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-retention)
			if _, err := a.Archive(ctx, cutoff); err != nil {
				a.logger.WarnContext(ctx, "retention pass failed",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// archivePath builds the S3 key for an archive object, partitioned by the
// year-month of the cutoff:
//
//	archive/positions/2026-08/<batch>.jsonl
func archivePath(kind string, cutoff time.Time, batchID string) string {
	return fmt.Sprintf("archive/%s/%s/%s.jsonl", kind, cutoff.Format("2006-01"), batchID)
}

// marshalJSONL serialises records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
