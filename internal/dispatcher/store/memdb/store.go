// Package memdb implements store.Store on github.com/hashicorp/go-memdb. It backs the embedded dispatcher mode and
// the tests of the dispatch core.
//
// go-memdb admits one write transaction at a time, so row locks taken inside WithTx can never be contended; they
// only verify the row. Readers work on immutable snapshots and never block writers.
package memdb

import (
	"context"

	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"

	"github.com/spindle-render/spindle/internal/common/spindlecontext"
	"github.com/spindle-render/spindle/internal/dispatcher/store"
)

type Store struct {
	db *memdb.MemDB
}

func New() (*Store, error) {
	db, err := memdb.NewMemDB(dbSchema())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &Store{db: db}, nil
}

func (s *Store) ReadTx(_ *spindlecontext.Context, fn func(tx store.ReadTx) error) error {
	txn := s.db.Txn(false)
	defer txn.Abort()
	return fn(&readTx{txn: txn})
}

func (s *Store) WithTx(_ *spindlecontext.Context, fn func(tx store.Tx) error) error {
	txn := s.db.Txn(true)
	// Abort is a no-op once committed, and releases the write lock if fn panics.
	defer txn.Abort()
	if err := fn(&tx{readTx: readTx{txn: txn}}); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (s *Store) Ping(_ context.Context) error {
	return nil
}
