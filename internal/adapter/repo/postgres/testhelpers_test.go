package postgres_test

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// rowStub implements pgx.Row.
type rowStub struct{ scan func(dest ...any) error }

func (r rowStub) Scan(dest ...any) error { return r.scan(dest...) }

// rowsStub implements pgx.Rows over a fixed slice of scan funcs, enough for
// the repos' ListByBatch-style iteration. Embeds pgx.Rows so the interface is
// satisfied in full without having to stub every method.
type rowsStub struct {
	pgx.Rows
	scans []func(dest ...any) error
	idx   int
	err   error
}

func (r *rowsStub) Next() bool { return r.idx < len(r.scans) }

func (r *rowsStub) Scan(dest ...any) error {
	fn := r.scans[r.idx]
	r.idx++
	return fn(dest...)
}

func (r *rowsStub) Close()     {}
func (r *rowsStub) Err() error { return r.err }

// txStub implements pgx.Tx, enough for the repos' Exec/QueryRow/Commit/Rollback
// usage. Embeds pgx.Tx so the wider interface is satisfied without stubbing
// methods the repos never call (CopyFrom, SendBatch, LargeObjects, ...).
type txStub struct {
	pgx.Tx
	execErr     error
	row         rowStub
	commitErr   error
	rollbackErr error
	execArgs    [][]any
}

func (t *txStub) Exec(_ context.Context, _ string, args ...any) (pgconn.CommandTag, error) {
	t.execArgs = append(t.execArgs, args)
	return pgconn.CommandTag{}, t.execErr
}

func (t *txStub) QueryRow(_ context.Context, _ string, _ ...any) pgx.Row {
	if t.row.scan == nil {
		return rowStub{scan: func(_ ...any) error { return errors.New("no row configured") }}
	}
	return t.row
}

func (t *txStub) Commit(_ context.Context) error   { return t.commitErr }
func (t *txStub) Rollback(_ context.Context) error { return t.rollbackErr }

// poolStub implements postgres.PgxPool for tests: Exec, QueryRow, Query and
// BeginTx, all configurable per-field so each test case sets only what it
// needs.
type poolStub struct {
	execErr   error
	row       rowStub
	rows      *rowsStub
	queryErr  error
	tx        *txStub
	beginErr  error
}

func (p *poolStub) Exec(_ context.Context, _ string, _ ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, p.execErr
}

func (p *poolStub) QueryRow(_ context.Context, _ string, _ ...any) pgx.Row {
	if p.row.scan == nil {
		return rowStub{scan: func(_ ...any) error { return errors.New("no row configured") }}
	}
	return p.row
}

func (p *poolStub) Query(_ context.Context, _ string, _ ...any) (pgx.Rows, error) {
	if p.queryErr != nil {
		return nil, p.queryErr
	}
	if p.rows == nil {
		return &rowsStub{}, nil
	}
	return p.rows, nil
}

func (p *poolStub) BeginTx(_ context.Context, _ pgx.TxOptions) (pgx.Tx, error) {
	if p.beginErr != nil {
		return nil, p.beginErr
	}
	if p.tx == nil {
		return &txStub{}, nil
	}
	return p.tx, nil
}
