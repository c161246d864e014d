package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/IshaanNene/enemscrape/internal/types"
)

// MongoStorage mirrors every table row into a MongoDB collection. A
// table's previous rows are replaced, so re-running a year does not
// duplicate documents.
type MongoStorage struct {
	client     *mongo.Client
	collection *mongo.Collection
	mu         sync.Mutex
	count      int
	logger     *slog.Logger
}

// NewMongoStorage creates a new MongoDB storage backend.
func NewMongoStorage(uri, database, collection string, logger *slog.Logger) (*MongoStorage, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, &types.StorageError{Backend: "mongodb", Err: fmt.Errorf("connect: %w", err)}
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, &types.StorageError{Backend: "mongodb", Err: fmt.Errorf("ping: %w", err)}
	}

	return &MongoStorage{
		client:     client,
		collection: client.Database(database).Collection(collection),
		logger:     logger.With("component", "mongo_storage"),
	}, nil
}

func (s *MongoStorage) Name() string { return "mongodb" }

func (s *MongoStorage) Store(ctx context.Context, table *types.Table) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	filter := bson.M{"year": table.Year, "area": string(table.Area)}
	if _, err := s.collection.DeleteMany(ctx, filter); err != nil {
		return &types.StorageError{Backend: s.Name(), Err: fmt.Errorf("delete previous rows: %w", err)}
	}

	if len(table.Rows) == 0 {
		return nil
	}

	docs := make([]any, len(table.Rows))
	for i, q := range table.Rows {
		docs[i] = questionDocument(table, q)
	}

	if _, err := s.collection.InsertMany(ctx, docs); err != nil {
		return &types.StorageError{Backend: s.Name(), Err: fmt.Errorf("insert: %w", err)}
	}

	s.count += len(docs)
	s.logger.Debug("rows stored in mongodb", "year", table.Year, "area", table.Area, "count", len(docs), "total", s.count)
	return nil
}

func (s *MongoStorage) Close() error {
	s.logger.Info("mongodb storage closing", "total_rows", s.count)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func questionDocument(table *types.Table, q *types.Question) bson.M {
	doc := bson.M{
		"year":     table.Year,
		"area":     string(table.Area),
		"url":      q.URL,
		"context":  q.Context,
		"question": q.Prompt,
		"choices":  q.Choices,
		"answer":   q.Answer,
	}
	if q.Number != nil {
		doc["number"] = *q.Number
	}
	if len(q.ContextImages) > 0 {
		doc["context_images"] = q.ContextImages
	}
	return doc
}

// --- Multi-Storage Fan-Out ---

// MultiStorage writes tables to multiple backends.
type MultiStorage struct {
	backends []Storage
	logger   *slog.Logger
}

// NewMultiStorage creates a storage that fans out to multiple backends.
func NewMultiStorage(backends []Storage, logger *slog.Logger) *MultiStorage {
	return &MultiStorage{
		backends: backends,
		logger:   logger.With("component", "multi_storage"),
	}
}

func (s *MultiStorage) Name() string { return "multi" }

// BackendNames returns the names of the fan-out targets in order.
func (s *MultiStorage) BackendNames() []string {
	names := make([]string, len(s.backends))
	for i, b := range s.backends {
		names[i] = b.Name()
	}
	return names
}

// Store writes to every backend. When any of them fails it returns a
// *StoreError naming the failed backends; the others still hold the table.
func (s *MultiStorage) Store(ctx context.Context, table *types.Table) error {
	failed := make(map[string]error)
	for _, backend := range s.backends {
		if err := backend.Store(ctx, table); err != nil {
			failed[backend.Name()] = err
			continue
		}
		s.logger.Debug("table stored", "backend", backend.Name(), "year", table.Year, "area", table.Area)
	}
	if len(failed) > 0 {
		return &StoreError{Failed: failed}
	}
	return nil
}

func (s *MultiStorage) Close() error {
	var errs []error
	for _, backend := range s.backends {
		if err := backend.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
