package postgres_test

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Scripted stand-ins for the pgx surface the repos touch. Each fake routes a
// statement to a handler selected by SQL substring so tests can script one
// transaction step at a time.

type stmtHandler struct {
	match string
	exec  func(args []any) (pgconn.CommandTag, error)
	row   func(args []any) pgx.Row
	query func(args []any) (pgx.Rows, error)
}

type script struct {
	handlers []stmtHandler
	log      []string
}

func (s *script) find(sql string) *stmtHandler {
	for i := range s.handlers {
		if strings.Contains(sql, s.handlers[i].match) {
			return &s.handlers[i]
		}
	}
	return nil
}

func (s *script) exec(sql string, args []any) (pgconn.CommandTag, error) {
	s.log = append(s.log, sql)
	if h := s.find(sql); h != nil && h.exec != nil {
		return h.exec(args)
	}
	return pgconn.NewCommandTag("OK 1"), nil
}

func (s *script) queryRow(sql string, args []any) pgx.Row {
	s.log = append(s.log, sql)
	if h := s.find(sql); h != nil && h.row != nil {
		return h.row(args)
	}
	return fakeRow{scan: func(...any) error { return pgx.ErrNoRows }}
}

func (s *script) query(sql string, args []any) (pgx.Rows, error) {
	s.log = append(s.log, sql)
	if h := s.find(sql); h != nil && h.query != nil {
		return h.query(args)
	}
	return &fakeRows{}, nil
}

// executed reports whether a statement containing the substring ran.
func (s *script) executed(match string) bool {
	for _, sql := range s.log {
		if strings.Contains(sql, match) {
			return true
		}
	}
	return false
}

type fakeRow struct{ scan func(dest ...any) error }

func (r fakeRow) Scan(dest ...any) error { return r.scan(dest...) }

type fakeRows struct {
	pgx.Rows
	rows [][]any
	pos  int
	err  error
}

func (r *fakeRows) Next() bool {
	if r.pos < len(r.rows) {
		r.pos++
		return true
	}
	return false
}

func (r *fakeRows) Scan(dest ...any) error {
	row := r.rows[r.pos-1]
	for i, d := range dest {
		assign(d, row[i])
	}
	return nil
}

func (r *fakeRows) Err() error { return r.err }
func (r *fakeRows) Close()     {}

type fakePool struct {
	s        *script
	beginErr error
	tx       *fakeTx
}

func newFakePool(s *script) *fakePool {
	return &fakePool{s: s, tx: &fakeTx{s: s}}
}

func (p *fakePool) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return p.s.exec(sql, args)
}

func (p *fakePool) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	return p.s.queryRow(sql, args)
}

func (p *fakePool) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	return p.s.query(sql, args)
}

func (p *fakePool) BeginTx(context.Context, pgx.TxOptions) (pgx.Tx, error) {
	if p.beginErr != nil {
		return nil, p.beginErr
	}
	return p.tx, nil
}

type fakeTx struct {
	pgx.Tx
	s          *script
	committed  bool
	rolledBack bool
	commitErr  error
}

func (t *fakeTx) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return t.s.exec(sql, args)
}

func (t *fakeTx) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	return t.s.queryRow(sql, args)
}

func (t *fakeTx) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	return t.s.query(sql, args)
}

func (t *fakeTx) Commit(context.Context) error {
	t.committed = true
	return t.commitErr
}

func (t *fakeTx) Rollback(context.Context) error {
	t.rolledBack = true
	return nil
}

// assign copies a scripted value into a Scan destination.
func assign(dest, val any) {
	switch d := dest.(type) {
	case *string:
		*d = val.(string)
	case *int:
		*d = val.(int)
	case *int64:
		*d = val.(int64)
	case *bool:
		*d = val.(bool)
	default:
		// Remaining destinations (statuses, times, pointers) are set through
		// reflection-free adapters below as needed per test.
		if setter, ok := val.(func(any)); ok {
			setter(dest)
		}
	}
}
