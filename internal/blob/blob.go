// Package blob stores frame bytes behind the pointers recorded in the ledger.
// Blobs expire after a TTL; the ledger rows describing them never do.
package blob

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/hpungsan/margin/internal/errors"
)

const keyPrefix = "blob/"

// Options configures Open.
type Options struct {
	// Path is the badger directory. Ignored when InMemory is set.
	Path     string
	InMemory bool
	TTL      time.Duration
	Logger   *slog.Logger
}

// Store is a TTL-bounded blob cache backed by badger.
type Store struct {
	db       *badger.DB
	ttl      time.Duration
	inMemory bool
	logger   *slog.Logger
}

// badgerLogger adapts slog.Logger to badger's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Open opens the blob store.
func Open(opts Options) (*Store, error) {
	if !opts.InMemory && opts.Path == "" {
		return nil, stderrors.New("path is required for persistent blob store")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "blob")

	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(opts.Path, 0700); err != nil {
			return nil, fmt.Errorf("create blob directory %s: %w", opts.Path, err)
		}
		bopts = badger.DefaultOptions(opts.Path)
	}
	bopts = bopts.WithNumVersionsToKeep(1).WithLogger(&badgerLogger{logger: logger})

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open blob store: %w", err)
	}
	return &Store{db: db, ttl: opts.TTL, inMemory: opts.InMemory, logger: logger}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put stores data under pointer with the store's TTL.
func (s *Store) Put(pointer string, data []byte) error {
	return s.PutWithTTL(pointer, data, s.ttl)
}

// PutWithTTL stores data under pointer. A non-positive ttl never expires.
func (s *Store) PutWithTTL(pointer string, data []byte, ttl time.Duration) error {
	if pointer == "" {
		return errors.NewInvalidRequest("blob pointer is required")
	}
	return s.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(keyPrefix+pointer), data)
		if ttl > 0 {
			e = e.WithTTL(ttl)
		}
		return txn.SetEntry(e)
	})
}

// Get returns the blob for pointer, or NOT_FOUND if it never existed or has expired.
func (s *Store) Get(pointer string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyPrefix + pointer))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if stderrors.Is(err, badger.ErrKeyNotFound) {
		return nil, errors.NewNotFound("blob", pointer)
	}
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	return out, nil
}

// Exists reports whether pointer still resolves to a live blob.
func (s *Store) Exists(pointer string) bool {
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(keyPrefix + pointer))
		return err
	})
	return err == nil
}

// RunGC runs value-log garbage collection every interval until ctx is done.
// Expired entries are reclaimed here. In-memory stores have no value log.
func (s *Store) RunGC(ctx context.Context, interval time.Duration) {
	if s.inMemory || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// nil means a file was rewritten; keep going until there is nothing left.
			for s.db.RunValueLogGC(0.5) == nil {
			}
			s.logger.Debug("blob gc pass complete")
		}
	}
}
