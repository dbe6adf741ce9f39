// Package badger provides a Badger-backed route configuration store.
package badger

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/wheelsort/wheelsort/pkg/topology"
)

const routePrefix = "route:"

// Config holds configuration for Store.
type Config struct {
	Path              string
	SyncWrites        bool
	ValueLogFileSize  int64
	NumVersionsToKeep int

	// InMemory runs Badger without touching disk. Path is ignored.
	InMemory bool
}

// Store implements topology.Store using Badger.
type Store struct {
	db     *badger.DB
	config *Config
}

// New opens (or creates) the Badger database.
func New(config *Config) (*Store, error) {
	var opts badger.Options
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(config.Path)
		opts.SyncWrites = config.SyncWrites
		if config.ValueLogFileSize > 0 {
			opts.ValueLogFileSize = config.ValueLogFileSize
		}
	}
	if config.NumVersionsToKeep > 0 {
		opts.NumVersionsToKeep = config.NumVersionsToKeep
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, &topology.StorageUnavailableError{Cause: err}
	}

	return &Store{
		db:     db,
		config: config,
	}, nil
}

func routeKey(chuteID string) []byte {
	return []byte(fmt.Sprintf("%s%s", routePrefix, chuteID))
}

// GetByChuteID returns the route, or nil when it is missing or unreadable.
func (s *Store) GetByChuteID(chuteID string) *topology.ChuteRouteConfiguration {
	cfg, err := s.Get(context.Background(), chuteID)
	if err != nil {
		return nil
	}
	return cfg
}

// Save validates and persists cfg.
func (s *Store) Save(_ context.Context, cfg *topology.ChuteRouteConfiguration) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	data, err := topology.Encode(cfg)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(routeKey(cfg.ChuteID), data)
	})
}

// Get returns the route or a NotFoundError.
func (s *Store) Get(_ context.Context, chuteID string) (*topology.ChuteRouteConfiguration, error) {
	var cfg *topology.ChuteRouteConfiguration

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(routeKey(chuteID))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return &topology.NotFoundError{ChuteID: chuteID}
			}
			return err
		}
		return item.Value(func(val []byte) error {
			decoded, err := topology.Decode(val)
			if err != nil {
				return err
			}
			cfg = decoded
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// List returns every route in key order.
func (s *Store) List(_ context.Context) ([]*topology.ChuteRouteConfiguration, error) {
	var out []*topology.ChuteRouteConfiguration

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(routePrefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				cfg, err := topology.Decode(val)
				if err != nil {
					return err
				}
				out = append(out, cfg)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes the route or returns a NotFoundError.
func (s *Store) Delete(_ context.Context, chuteID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(routeKey(chuteID)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return &topology.NotFoundError{ChuteID: chuteID}
			}
			return err
		}
		return txn.Delete(routeKey(chuteID))
	})
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
