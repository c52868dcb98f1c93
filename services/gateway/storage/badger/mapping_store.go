// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/lspgate/services/gateway/buildgraph"
	"github.com/AleutianAI/lspgate/services/gateway/visibility"
)

// ErrNilDB indicates a store was built without a database.
var ErrNilDB = errors.New("db must not be nil")

// DefaultWorkspace is the key namespace used when none is given.
const DefaultWorkspace = "default"

// MappingStore persists visibility mappings, one key per target.
//
// Description:
//
//	Keys have the form "visibility/<workspace>/<target>" and hold the
//	target's paths as a JSON array. SaveMapping replaces the whole
//	namespace in one transaction, so a reader sees either the previous
//	mapping or the new one.
//
// Thread Safety:
//
//	Safe for concurrent use.
type MappingStore struct {
	db     *DB
	prefix []byte
}

// NewMappingStore creates a store for workspace in db.
func NewMappingStore(db *DB, workspace string) (*MappingStore, error) {
	if db == nil {
		return nil, ErrNilDB
	}
	if workspace == "" {
		workspace = DefaultWorkspace
	}
	return &MappingStore{db: db, prefix: []byte("visibility/" + workspace + "/")}, nil
}

func (s *MappingStore) key(id buildgraph.TargetID) []byte {
	k := make([]byte, 0, len(s.prefix)+len(id))
	k = append(k, s.prefix...)
	return append(k, id...)
}

// LoadMapping returns the saved mapping, or nil if nothing was saved.
func (s *MappingStore) LoadMapping(ctx context.Context) (visibility.Mapping, error) {
	var m visibility.Mapping
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = s.prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			id := buildgraph.TargetID(item.Key()[len(s.prefix):])
			var paths []string
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &paths)
			}); err != nil {
				return fmt.Errorf("decode mapping for %s: %w", id, err)
			}
			if m == nil {
				m = make(visibility.Mapping)
			}
			m[id] = paths
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// SaveMapping replaces the saved mapping with m.
func (s *MappingStore) SaveMapping(ctx context.Context, m visibility.Mapping) error {
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		var stale [][]byte
		opts := badger.DefaultIteratorOptions
		opts.Prefix = s.prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		for it.Rewind(); it.Valid(); it.Next() {
			id := buildgraph.TargetID(it.Item().Key()[len(s.prefix):])
			if _, keep := m[id]; !keep {
				stale = append(stale, it.Item().KeyCopy(nil))
			}
		}
		it.Close()

		for _, k := range stale {
			if err := txn.Delete(k); err != nil {
				return fmt.Errorf("delete stale mapping: %w", err)
			}
		}
		for id, paths := range m {
			if paths == nil {
				paths = []string{}
			}
			data, err := json.Marshal(paths)
			if err != nil {
				return fmt.Errorf("encode mapping for %s: %w", id, err)
			}
			if err := txn.Set(s.key(id), data); err != nil {
				return fmt.Errorf("save mapping for %s: %w", id, err)
			}
		}
		return nil
	})
}

var _ visibility.MappingStore = (*MappingStore)(nil)
