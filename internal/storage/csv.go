package storage

import (
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/IshaanNene/enemscrape/internal/types"
)

// CSVStorage writes each table to <root>/enem-<year>/<area>.csv.
type CSVStorage struct {
	root   string
	tables atomic.Int64
	rows   atomic.Int64
	logger *slog.Logger
}

// NewCSVStorage creates a CSV storage rooted at outputDir.
func NewCSVStorage(outputDir string, logger *slog.Logger) (*CSVStorage, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, &types.StorageError{Backend: "csv", Err: fmt.Errorf("create output dir: %w", err)}
	}
	return &CSVStorage{
		root:   outputDir,
		logger: logger.With("component", "csv_storage"),
	}, nil
}

// YearDir returns the directory holding a year's tables and images.
func YearDir(root string, year int) string {
	return filepath.Join(root, fmt.Sprintf("enem-%d", year))
}

// TablePath returns the CSV path for a (year, area) table.
func TablePath(root string, year int, area types.Area) string {
	return filepath.Join(YearDir(root, year), string(area)+".csv")
}

func (s *CSVStorage) Name() string { return "csv" }

func (s *CSVStorage) Store(ctx context.Context, table *types.Table) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	path := TablePath(s.root, table.Year, table.Area)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return &types.StorageError{Backend: s.Name(), Err: fmt.Errorf("create year dir: %w", err)}
	}

	f, err := os.Create(path)
	if err != nil {
		return &types.StorageError{Backend: s.Name(), Err: fmt.Errorf("create output file: %w", err)}
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(types.TableHeader); err != nil {
		return &types.StorageError{Backend: s.Name(), Err: fmt.Errorf("write CSV header: %w", err)}
	}
	for _, q := range table.Rows {
		if err := w.Write(q.Row()); err != nil {
			return &types.StorageError{Backend: s.Name(), Err: fmt.Errorf("write CSV row: %w", err)}
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return &types.StorageError{Backend: s.Name(), Err: err}
	}

	s.tables.Add(1)
	s.rows.Add(int64(len(table.Rows)))
	s.logger.Info("CSV written", "path", path, "rows", len(table.Rows))
	return nil
}

func (s *CSVStorage) Close() error {
	s.logger.Info("CSV storage closing", "tables", s.tables.Load(), "rows", s.rows.Load())
	return nil
}
