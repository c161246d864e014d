package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/IshaanNene/enemscrape/internal/types"
)

// Storage is the interface for all table storage backends.
type Storage interface {
	// Store persists one (year, area) table.
	Store(ctx context.Context, table *types.Table) error

	// Close flushes pending writes and releases resources.
	Close() error

	// Name returns the storage backend identifier.
	Name() string
}

// StoreError reports the backends that failed to store a table. Backends
// not listed in Failed stored it.
type StoreError struct {
	Failed map[string]error
}

func (e *StoreError) Error() string {
	names := make([]string, 0, len(e.Failed))
	for name := range e.Failed {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = fmt.Sprintf("%s: %v", name, e.Failed[name])
	}
	return "store failed on " + strings.Join(parts, "; ")
}

func (e *StoreError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed))
	for _, err := range e.Failed {
		errs = append(errs, err)
	}
	return errs
}

// BackendNames returns the names of the backends s writes to: the members
// of a MultiStorage, or s itself.
func BackendNames(s Storage) []string {
	if m, ok := s.(*MultiStorage); ok {
		return m.BackendNames()
	}
	return []string{s.Name()}
}

// FailedBackends maps the error returned by s.Store to the backends it
// concerns. It returns nil when err is nil.
func FailedBackends(s Storage, err error) map[string]error {
	if err == nil {
		return nil
	}
	var storeErr *StoreError
	if errors.As(err, &storeErr) {
		return storeErr.Failed
	}
	return map[string]error{s.Name(): err}
}
