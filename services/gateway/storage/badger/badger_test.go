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
	"os"
	"path/filepath"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/lspgate/services/gateway/visibility"
)

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(Config{})
	assert.ErrorIs(t, err, ErrPathRequired)
}

func TestOpenInMemory(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()
	assert.True(t, db.InMemory())

	ctx := context.Background()
	require.NoError(t, db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set([]byte("k"), []byte("v"))
	}))
	require.NoError(t, db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get([]byte("k"))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			assert.Equal(t, []byte("v"), val)
			return nil
		})
	}))

	// Close is idempotent.
	require.NoError(t, db.Close())
	require.NoError(t, db.Close())
}

func TestWithTxn_CancelledContext(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err = db.WithTxn(ctx, func(*badger.Txn) error { called = true; return nil })
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
	assert.ErrorIs(t, db.WithReadTxn(ctx, func(*badger.Txn) error { return nil }), context.Canceled)
}

func TestMappingStore_RoundTrip(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	store, err := NewMappingStore(db, "ws")
	require.NoError(t, err)

	m, err := store.LoadMapping(ctx)
	require.NoError(t, err)
	assert.Nil(t, m)

	first := visibility.Mapping{"target://a": {"/a.o"}, "target://b": {"/b1.o", "/b2.o"}}
	require.NoError(t, store.SaveMapping(ctx, first))
	got, err := store.LoadMapping(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, got)

	// Saving replaces the namespace: dropped targets disappear.
	second := visibility.Mapping{"target://b": {"/b1.o"}, "target://c": nil}
	require.NoError(t, store.SaveMapping(ctx, second))
	got, err = store.LoadMapping(ctx)
	require.NoError(t, err)
	assert.Equal(t, visibility.Mapping{"target://b": {"/b1.o"}, "target://c": {}}, got)
}

func TestMappingStore_WorkspacesAreIsolated(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	a, err := NewMappingStore(db, "a")
	require.NoError(t, err)
	b, err := NewMappingStore(db, "")
	require.NoError(t, err)

	require.NoError(t, a.SaveMapping(ctx, visibility.Mapping{"t": {"a.o"}}))
	require.NoError(t, b.SaveMapping(ctx, visibility.Mapping{"t": {"b.o"}}))
	require.NoError(t, a.SaveMapping(ctx, visibility.Mapping{"u": {"u.o"}}))

	got, err := b.LoadMapping(ctx)
	require.NoError(t, err)
	assert.Equal(t, visibility.Mapping{"t": {"b.o"}}, got)
}

func TestMappingStore_Persistent(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	ctx := context.Background()

	db, err := Open(DefaultConfig(dir))
	require.NoError(t, err)
	store, err := NewMappingStore(db, "ws")
	require.NoError(t, err)
	require.NoError(t, store.SaveMapping(ctx, visibility.Mapping{"t": {"/t.o"}}))
	require.NoError(t, db.Close())

	_, err = os.Stat(dir)
	require.NoError(t, err)

	db, err = Open(DefaultConfig(dir))
	require.NoError(t, err)
	defer db.Close()
	store, err = NewMappingStore(db, "ws")
	require.NoError(t, err)

	got, err := store.LoadMapping(ctx)
	require.NoError(t, err)
	assert.Equal(t, visibility.Mapping{"t": {"/t.o"}}, got)
}

func TestNewMappingStore_RequiresDB(t *testing.T) {
	_, err := NewMappingStore(nil, "ws")
	assert.ErrorIs(t, err, ErrNilDB)
}
