package wal

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/V4T54L/agent-monitor/internal/domain"
)

func setupTestWAL(t *testing.T, maxSegmentSize, maxTotalSize int64) *WALRepository {
	t.Helper()
	dir := t.TempDir()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	w, err := NewWALRepository(dir, maxSegmentSize, maxTotalSize, logger)
	if err != nil {
		t.Fatalf("failed to create WALRepository: %v", err)
	}
	t.Cleanup(func() { w.Close() })

	return w
}

func testBatch(n int, value float64) []domain.MetricPoint {
	ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	points := make([]domain.MetricPoint, n)
	for i := range points {
		points[i] = domain.MetricPoint{
			MetricName: "cpu_usage",
			Timestamp:  ts.Add(time.Duration(i) * time.Second),
			Value:      value + float64(i),
			Labels:     domain.Labels{"agent_id": "a1"},
		}
	}
	return points
}

func TestWAL_WriteAndReplay(t *testing.T) {
	w := setupTestWAL(t, 4096, 64*1024)

	batches := [][]domain.MetricPoint{testBatch(2, 10), testBatch(3, 20), testBatch(1, 30)}
	for _, b := range batches {
		if err := w.Write(context.Background(), b); err != nil {
			t.Fatalf("failed to write batch: %v", err)
		}
	}
	w.Close()

	// Re-open the WAL to simulate a restart
	w, err := NewWALRepository(w.dir, 4096, 64*1024, w.logger)
	if err != nil {
		t.Fatalf("failed to re-open WAL: %v", err)
	}
	defer w.Close()

	var replayed [][]domain.MetricPoint
	ids := make(map[string]bool)
	err = w.Replay(context.Background(), func(batchID string, points []domain.MetricPoint) error {
		ids[batchID] = true
		replayed = append(replayed, points)
		return nil
	})
	if err != nil {
		t.Fatalf("failed to replay: %v", err)
	}

	if len(replayed) != len(batches) {
		t.Fatalf("expected %d replayed batches, got %d", len(batches), len(replayed))
	}
	if len(ids) != len(batches) || ids[""] {
		t.Errorf("expected a distinct non-empty batch id per batch, got %v", ids)
	}
	for i, b := range batches {
		if len(replayed[i]) != len(b) {
			t.Fatalf("batch %d: got %d points, want %d", i, len(replayed[i]), len(b))
		}
		for j := range b {
			got, want := replayed[i][j], b[j]
			if got.Value != want.Value || !got.Timestamp.Equal(want.Timestamp) || got.Labels["agent_id"] != "a1" {
				t.Errorf("replayed point mismatch at %d/%d: got %+v, want %+v", i, j, got, want)
			}
		}
	}
}

func TestWAL_ReplayStopsOnHandlerError(t *testing.T) {
	w := setupTestWAL(t, 4096, 64*1024)
	for i := 0; i < 3; i++ {
		if err := w.Write(context.Background(), testBatch(1, float64(i))); err != nil {
			t.Fatalf("failed to write batch: %v", err)
		}
	}

	calls := 0
	err := w.Replay(context.Background(), func(batchID string, points []domain.MetricPoint) error {
		calls++
		return errors.New("database still down")
	})
	if err == nil {
		t.Fatal("expected replay error")
	}
	if calls != 1 {
		t.Errorf("expected replay to stop after first failure, handler called %d times", calls)
	}
}

func TestWAL_SegmentRotation(t *testing.T) {
	// Set a very small segment size to force rotation
	w := setupTestWAL(t, 100, 64*1024)

	for i := 0; i < 4; i++ {
		if err := w.Write(context.Background(), testBatch(2, 1)); err != nil {
			t.Fatalf("failed to write batch: %v", err)
		}
	}

	segments, err := w.getSortedSegments()
	if err != nil {
		t.Fatalf("failed to get segments: %v", err)
	}

	if len(segments) < 2 {
		t.Errorf("expected at least 2 segments, got %d", len(segments))
	}
}

func TestWAL_Truncate(t *testing.T) {
	w := setupTestWAL(t, 4096, 64*1024)

	if err := w.Write(context.Background(), testBatch(1, 1)); err != nil {
		t.Fatalf("failed to write batch: %v", err)
	}
	if w.Size() == 0 {
		t.Fatal("expected non-zero size after write")
	}

	// Nothing has been replayed yet, so nothing may be removed.
	if err := w.Truncate(context.Background()); err != nil {
		t.Fatalf("failed to truncate WAL: %v", err)
	}
	if w.Size() == 0 {
		t.Fatal("truncate without replay removed unreplayed data")
	}

	if err := w.Replay(context.Background(), func(string, []domain.MetricPoint) error { return nil }); err != nil {
		t.Fatalf("failed to replay: %v", err)
	}
	if err := w.Truncate(context.Background()); err != nil {
		t.Fatalf("failed to truncate WAL: %v", err)
	}
	segments, _ := w.getSortedSegments()
	if len(segments) != 0 {
		t.Fatalf("expected no segments after truncate, got %d", len(segments))
	}
	if w.Size() != 0 {
		t.Errorf("expected size 0 after truncate, got %d", w.Size())
	}

	// The next write opens a fresh segment.
	if err := w.Write(context.Background(), testBatch(1, 2)); err != nil {
		t.Fatalf("failed to write after truncate: %v", err)
	}
	if segments, _ := w.getSortedSegments(); len(segments) != 1 {
		t.Errorf("expected 1 segment after write, got %d", len(segments))
	}
}

func TestWAL_TruncateKeepsWritesDuringReplay(t *testing.T) {
	w := setupTestWAL(t, 4096, 64*1024)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := w.Write(ctx, testBatch(1, float64(i))); err != nil {
			t.Fatalf("failed to write batch: %v", err)
		}
	}

	// The database flaps mid-replay and a new batch lands in the WAL.
	wrote := false
	err := w.Replay(ctx, func(batchID string, points []domain.MetricPoint) error {
		if !wrote {
			wrote = true
			if err := w.Write(ctx, testBatch(3, 100)); err != nil {
				t.Fatalf("failed to write during replay: %v", err)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("failed to replay: %v", err)
	}
	if err := w.Truncate(ctx); err != nil {
		t.Fatalf("failed to truncate: %v", err)
	}
	if w.Size() == 0 {
		t.Fatal("batch written during replay was truncated")
	}

	var survivors [][]domain.MetricPoint
	err = w.Replay(ctx, func(batchID string, points []domain.MetricPoint) error {
		survivors = append(survivors, points)
		return nil
	})
	if err != nil {
		t.Fatalf("failed to replay: %v", err)
	}
	if len(survivors) != 1 || len(survivors[0]) != 3 || survivors[0][0].Value != 100 {
		t.Fatalf("expected only the batch written during replay to survive, got %v", survivors)
	}
}

func TestWAL_MaxTotalSize(t *testing.T) {
	w := setupTestWAL(t, 100, 300) // Max total size is very small

	var err error
	for i := 0; i < 10; i++ { // Write until we expect an error
		err = w.Write(context.Background(), testBatch(1, float64(i)))
		if err != nil {
			break
		}
	}

	if !errors.Is(err, domain.ErrWALFull) {
		t.Fatalf("expected ErrWALFull when writing beyond max total size, got %v", err)
	}
}
