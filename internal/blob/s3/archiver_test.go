package s3blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rrrcapital/ledgerd/internal/domain"
)

// fakeWriter records uploads in memory.
type fakeWriter struct {
	objects map[string][]byte
	failErr error
}

func newFakeWriter() *fakeWriter {
	return &fakeWriter{objects: make(map[string][]byte)}
}

func (w *fakeWriter) Put(_ context.Context, path string, data io.Reader, _ string) error {
	if w.failErr != nil {
		return w.failErr
	}
	buf, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	w.objects[path] = buf
	return nil
}

func (w *fakeWriter) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	return w.Put(ctx, path, data, "")
}

// archiveStore is a canned domain.PositionStore for archiver tests.
type archiveStore struct {
	domain.PositionStore

	terminal []domain.Position
	history  map[string][]domain.HistoryEntry
	pruned   bool
}

func (s *archiveStore) ListTerminalBefore(context.Context, time.Time) ([]domain.Position, error) {
	return s.terminal, nil
}

func (s *archiveStore) History(_ context.Context, asset string, _ int) ([]domain.HistoryEntry, error) {
	return s.history[asset], nil
}

func (s *archiveStore) PruneTerminalBefore(context.Context, time.Time) (int64, error) {
	s.pruned = true
	return int64(len(s.terminal)), nil
}

func closedPosition(asset string) domain.Position {
	closedAt := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	return domain.Position{
		Asset:      asset,
		EntryPrice: 50000,
		Size:       0,
		Leverage:   5,
		Venue:      "hyperliquid",
		Status:     domain.PositionStatusClosed,
		ClosedAt:   &closedAt,
	}
}

func TestArchive(t *testing.T) {
	writer := newFakeWriter()
	store := &archiveStore{
		terminal: []domain.Position{closedPosition("BTC"), closedPosition("ETH")},
		history: map[string][]domain.HistoryEntry{
			"BTC": {{Asset: "BTC", EventType: domain.HistoryEventOpened, NewValues: map[string]any{"size": 0.5}}},
		},
	}

	a := NewArchiver(writer, store, slog.New(slog.DiscardHandler))
	cutoff := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	result, err := a.Archive(context.Background(), cutoff)
	require.NoError(t, err)

	assert.Equal(t, int64(2), result.Archived)
	assert.Equal(t, int64(2), result.Pruned)
	assert.True(t, store.pruned)
	assert.True(t, strings.HasPrefix(result.PositionsKey, "archive/positions/2026-08/"))
	assert.True(t, strings.HasPrefix(result.HistoryKey, "archive/history/2026-08/"))

	// Two JSONL lines in the position archive.
	body := writer.objects[result.PositionsKey]
	require.NotNil(t, body)
	lines := bytes.Split(bytes.TrimSpace(body), []byte("\n"))
	assert.Len(t, lines, 2)
	assert.Contains(t, string(lines[0]), `"asset":"BTC"`)
}

func TestArchiveNothingToDo(t *testing.T) {
	writer := newFakeWriter()
	store := &archiveStore{}

	a := NewArchiver(writer, store, slog.New(slog.DiscardHandler))
	result, err := a.Archive(context.Background(), time.Now())
	require.NoError(t, err)

	assert.Zero(t, result.Archived)
	assert.False(t, store.pruned)
	assert.Empty(t, writer.objects)
}

func TestArchiveUploadFailureSkipsPrune(t *testing.T) {
	writer := newFakeWriter()
	writer.failErr = errors.New("bucket gone")
	store := &archiveStore{terminal: []domain.Position{closedPosition("BTC")}}

	a := NewArchiver(writer, store, slog.New(slog.DiscardHandler))
	_, err := a.Archive(context.Background(), time.Now())
	require.Error(t, err)

	// Upload failed, so nothing may be deleted.
	assert.False(t, store.pruned)
}
