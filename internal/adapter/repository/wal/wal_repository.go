package wal

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/V4T54L/agent-monitor/internal/domain"
)

const (
	segmentPrefix = "segment-"
	filePerm      = 0644

	// A batch of points per line may be far larger than bufio's default token.
	maxLineSize = 64 * 1024 * 1024
)

// record is one WAL line: a batch of points that was written together.
type record struct {
	BatchID   string               `json:"batch_id"`
	WrittenAt time.Time            `json:"written_at"`
	Points    []domain.MetricPoint `json:"points"`
}

// WALRepository implements a file-based Write-Ahead Log for metric batches.
type WALRepository struct {
	dir            string
	maxSegmentSize int64
	maxTotalSize   int64
	logger         *slog.Logger

	mu             sync.Mutex
	currentSegment *os.File
	currentSize    int64
	totalSize      int64
	replayed       []string // segments read by the last successful Replay
}

// NewWALRepository creates a new WALRepository.
func NewWALRepository(dir string, maxSegmentSize, maxTotalSize int64, logger *slog.Logger) (*WALRepository, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory %s: %w", dir, err)
	}

	w := &WALRepository{
		dir:            dir,
		maxSegmentSize: maxSegmentSize,
		maxTotalSize:   maxTotalSize,
		logger:         logger.With("component", "wal_repository"),
	}

	total, err := w.calculateTotalSize()
	if err != nil {
		return nil, fmt.Errorf("failed to size WAL directory: %w", err)
	}
	w.totalSize = total

	if err := w.openLatestSegment(); err != nil {
		return nil, err
	}

	return w, nil
}

// Write appends a batch of points to the current WAL segment as a single line.
// It returns domain.ErrWALFull when the disk budget would be exceeded.
func (w *WALRepository) Write(ctx context.Context, points []domain.MetricPoint) error {
	if len(points) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(record{BatchID: uuid.NewString(), WrittenAt: time.Now().UTC(), Points: points})
	if err != nil {
		return fmt.Errorf("failed to marshal points for WAL: %w", err)
	}
	data = append(data, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.currentSegment == nil {
		if err := w.rotate(); err != nil {
			return err
		}
	}

	if w.totalSize+int64(len(data)) > w.maxTotalSize {
		return fmt.Errorf("%w (%d + %d > %d bytes)", domain.ErrWALFull, w.totalSize, len(data), w.maxTotalSize)
	}

	n, err := w.currentSegment.Write(data)
	w.currentSize += int64(n)
	w.totalSize += int64(n)
	if err != nil {
		return fmt.Errorf("failed to write to WAL segment: %w", err)
	}
	if err := w.currentSegment.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL segment: %w", err)
	}

	if w.currentSize >= w.maxSegmentSize {
		if err := w.rotate(); err != nil {
			w.logger.Error("Failed to rotate WAL segment", "error", err)
		}
	}

	return nil
}

// Replay seals the current segment, then reads every sealed segment in order
// and calls the handler for each batch. Writes made while it runs go to a new
// segment that this replay neither reads nor lets Truncate remove.
// Corrupt lines are skipped; a handler error stops the replay.
func (w *WALRepository) Replay(ctx context.Context, handler func(batchID string, points []domain.MetricPoint) error) error {
	w.mu.Lock()
	if w.currentSegment != nil {
		if err := w.currentSegment.Close(); err != nil {
			w.logger.Error("Failed to close WAL segment before replay", "error", err)
		}
		w.currentSegment = nil
	}
	w.replayed = nil
	segments, err := w.getSortedSegments()
	w.mu.Unlock()
	if err != nil {
		return err
	}

	if len(segments) == 0 {
		w.logger.Info("WAL is empty, nothing to replay")
		return nil
	}
	w.logger.Info("Starting WAL replay", "segment_count", len(segments))

	var batches, points int
	for _, segmentPath := range segments {
		n, p, err := w.replaySegment(ctx, segmentPath, handler)
		batches += n
		points += p
		if err != nil {
			return err
		}
	}

	w.mu.Lock()
	w.replayed = segments
	w.mu.Unlock()

	w.logger.Info("WAL replay completed", "batches", batches, "points", points)
	return nil
}

func (w *WALRepository) replaySegment(ctx context.Context, path string, handler func(string, []domain.MetricPoint) error) (int, int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to open segment %s for replay: %w", path, err)
	}
	defer file.Close()

	var batches, points int
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return batches, points, ctx.Err()
		}
		var rec record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			w.logger.Warn("Failed to unmarshal batch from WAL, skipping", "error", err, "segment", path)
			continue
		}
		if err := handler(rec.BatchID, rec.Points); err != nil {
			w.logger.Error("WAL replay handler failed, stopping replay", "error", err)
			return batches, points, fmt.Errorf("replay handler failed: %w", err)
		}
		batches++
		points += len(rec.Points)
	}
	if err := scanner.Err(); err != nil {
		return batches, points, fmt.Errorf("error scanning segment %s: %w", path, err)
	}
	return batches, points, nil
}

// Truncate removes the segments read by the last successful Replay. Segments
// written after that replay started are kept.
func (w *WALRepository) Truncate(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, segmentPath := range w.replayed {
		if err := os.Remove(segmentPath); err != nil && !os.IsNotExist(err) {
			w.logger.Error("Failed to remove WAL segment", "path", segmentPath, "error", err)
		}
	}
	removed := len(w.replayed)
	w.replayed = nil

	total, err := w.calculateTotalSize()
	if err != nil {
		return err
	}
	w.totalSize = total

	w.logger.Info("WAL truncated", "segments_removed", removed, "remaining_bytes", total)
	return nil
}

// Size returns the bytes currently held by all segments.
func (w *WALRepository) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.totalSize
}

func (w *WALRepository) rotate() error {
	if w.currentSegment != nil {
		if err := w.currentSegment.Sync(); err != nil {
			w.logger.Error("Failed to sync WAL segment before rotating", "error", err)
		}
		if err := w.currentSegment.Close(); err != nil {
			w.logger.Error("Failed to close WAL segment before rotating", "error", err)
		}
		w.currentSegment = nil
	}

	// Zero-padded so lexical order is creation order.
	segmentName := fmt.Sprintf("%s%020d.log", segmentPrefix, time.Now().UnixNano())
	path := filepath.Join(w.dir, segmentName)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, filePerm)
	if err != nil {
		return fmt.Errorf("failed to create new WAL segment %s: %w", path, err)
	}

	w.currentSegment = f
	w.currentSize = 0
	w.logger.Debug("Rotated to new WAL segment", "path", path)
	return nil
}

func (w *WALRepository) openLatestSegment() error {
	segments, err := w.getSortedSegments()
	if err != nil {
		return err
	}

	if len(segments) == 0 {
		return w.rotate()
	}

	latestSegmentPath := segments[len(segments)-1]
	stat, err := os.Stat(latestSegmentPath)
	if err != nil {
		return fmt.Errorf("failed to stat latest segment %s: %w", latestSegmentPath, err)
	}

	f, err := os.OpenFile(latestSegmentPath, os.O_APPEND|os.O_WRONLY, filePerm)
	if err != nil {
		return fmt.Errorf("failed to open latest segment %s: %w", latestSegmentPath, err)
	}

	w.currentSegment = f
	w.currentSize = stat.Size()
	w.logger.Info("Opened existing WAL segment", "path", latestSegmentPath, "size", w.currentSize)

	if w.currentSize >= w.maxSegmentSize {
		return w.rotate()
	}

	return nil
}

func (w *WALRepository) getSortedSegments() ([]string, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read WAL directory: %w", err)
	}

	var segments []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasPrefix(entry.Name(), segmentPrefix) {
			segments = append(segments, filepath.Join(w.dir, entry.Name()))
		}
	}
	sort.Strings(segments)
	return segments, nil
}

func (w *WALRepository) calculateTotalSize() (int64, error) {
	var totalSize int64
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return 0, err
	}
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasPrefix(entry.Name(), segmentPrefix) {
			info, err := entry.Info()
			if err != nil {
				return 0, err
			}
			totalSize += info.Size()
		}
	}
	return totalSize, nil
}

// Close ensures the current segment is closed gracefully.
func (w *WALRepository) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.currentSegment != nil {
		err := w.currentSegment.Close()
		w.currentSegment = nil
		return err
	}
	return nil
}
