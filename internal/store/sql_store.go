package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"dead-mans-switch/internal/core"
)

// Dialect selects placeholder syntax and the driver name.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLStore implements Store over database/sql. It supports both SQLite and
// Postgres; every mutation runs in a single transaction covering the contract
// row and the index row.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// OpenSQL opens dsn with the driver for dialect and migrates the schema.
func OpenSQL(ctx context.Context, dialect Dialect, dsn string) (*SQLStore, error) {
	driver := "sqlite"
	if dialect == DialectPostgres {
		driver = "pgx"
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		// one writer at a time, sqlite would answer SQLITE_BUSY otherwise
		db.SetMaxOpenConns(1)
	}
	s, err := NewSQLStore(ctx, db, dialect)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func NewSQLStore(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: dialect}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS dms_policy (
		id INTEGER PRIMARY KEY,
		min_delay BIGINT NOT NULL,
		max_delay BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS dms_contracts (
		trustor TEXT PRIMARY KEY,
		beneficiary TEXT NOT NULL,
		delay BIGINT NOT NULL,
		last_ping BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS dms_beneficiary_index (
		beneficiary TEXT NOT NULL,
		trustor TEXT NOT NULL UNIQUE,
		PRIMARY KEY (beneficiary, trustor)
	)`,
}

func (s *SQLStore) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) Policy(ctx context.Context) (core.GlobalPolicy, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT min_delay, max_delay FROM dms_policy WHERE id = 1`))
	var lo, hi int64
	if err := row.Scan(&lo, &hi); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.GlobalPolicy{}, ErrNotFound
		}
		return core.GlobalPolicy{}, err
	}
	return core.GlobalPolicy{MinDelay: core.Tick(lo), MaxDelay: core.Tick(hi)}, nil
}

func (s *SQLStore) SetPolicy(ctx context.Context, p core.GlobalPolicy) error {
	lo, err := toInt(p.MinDelay)
	if err != nil {
		return err
	}
	hi, err := toInt(p.MaxDelay)
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM dms_policy`)).Scan(&n); err != nil {
			return err
		}
		if n > 0 {
			return ErrExists
		}
		_, err := tx.ExecContext(ctx, s.q(`INSERT INTO dms_policy (id, min_delay, max_delay) VALUES (1, ?, ?)`), lo, hi)
		return err
	})
}

func (s *SQLStore) Contract(ctx context.Context, trustor core.Identity) (core.Contract, error) {
	return s.contract(ctx, s.db, trustor)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLStore) contract(ctx context.Context, q queryer, trustor core.Identity) (core.Contract, error) {
	row := q.QueryRowContext(ctx,
		s.q(`SELECT beneficiary, delay, last_ping FROM dms_contracts WHERE trustor = ?`), string(trustor))
	var (
		beneficiary     string
		delay, lastPing int64
	)
	if err := row.Scan(&beneficiary, &delay, &lastPing); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Contract{}, ErrNotFound
		}
		return core.Contract{}, err
	}
	return core.Contract{
		Beneficiary: core.Identity(beneficiary),
		Delay:       core.Tick(delay),
		LastPing:    core.Tick(lastPing),
	}, nil
}

func (s *SQLStore) Contracts(ctx context.Context) (map[core.Identity]core.Contract, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT trustor, beneficiary, delay, last_ping FROM dms_contracts`))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[core.Identity]core.Contract)
	for rows.Next() {
		var (
			trustor, beneficiary string
			delay, lastPing      int64
		)
		if err := rows.Scan(&trustor, &beneficiary, &delay, &lastPing); err != nil {
			return nil, err
		}
		out[core.Identity(trustor)] = core.Contract{
			Beneficiary: core.Identity(beneficiary),
			Delay:       core.Tick(delay),
			LastPing:    core.Tick(lastPing),
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLStore) TrustorsFor(ctx context.Context, beneficiary core.Identity) ([]core.Identity, error) {
	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT trustor FROM dms_beneficiary_index WHERE beneficiary = ? ORDER BY trustor`), string(beneficiary))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make([]core.Identity, 0)
	for rows.Next() {
		var trustor string
		if err := rows.Scan(&trustor); err != nil {
			return nil, err
		}
		out = append(out, core.Identity(trustor))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLStore) Index(ctx context.Context) (map[core.Identity][]core.Identity, error) {
	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT beneficiary, trustor FROM dms_beneficiary_index ORDER BY beneficiary, trustor`))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[core.Identity][]core.Identity)
	for rows.Next() {
		var beneficiary, trustor string
		if err := rows.Scan(&beneficiary, &trustor); err != nil {
			return nil, err
		}
		b := core.Identity(beneficiary)
		out[b] = append(out[b], core.Identity(trustor))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLStore) Insert(ctx context.Context, trustor core.Identity, c core.Contract) error {
	delay, lastPing, err := contractInts(c)
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := s.contract(ctx, tx, trustor)
		switch {
		case err == nil:
			return ErrExists
		case !errors.Is(err, ErrNotFound):
			return err
		}
		if _, err := tx.ExecContext(ctx,
			s.q(`INSERT INTO dms_contracts (trustor, beneficiary, delay, last_ping) VALUES (?, ?, ?, ?)`),
			string(trustor), string(c.Beneficiary), delay, lastPing); err != nil {
			return fmt.Errorf("insert contract: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			s.q(`INSERT INTO dms_beneficiary_index (beneficiary, trustor) VALUES (?, ?)`),
			string(c.Beneficiary), string(trustor)); err != nil {
			return fmt.Errorf("insert index edge: %w", err)
		}
		return nil
	})
}

func (s *SQLStore) Update(ctx context.Context, trustor core.Identity, c core.Contract) error {
	delay, lastPing, err := contractInts(c)
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		prev, err := s.contract(ctx, tx, trustor)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			s.q(`UPDATE dms_contracts SET beneficiary = ?, delay = ?, last_ping = ? WHERE trustor = ?`),
			string(c.Beneficiary), delay, lastPing, string(trustor)); err != nil {
			return fmt.Errorf("update contract: %w", err)
		}
		if prev.Beneficiary == c.Beneficiary {
			return nil
		}
		if _, err := tx.ExecContext(ctx,
			s.q(`UPDATE dms_beneficiary_index SET beneficiary = ? WHERE trustor = ?`),
			string(c.Beneficiary), string(trustor)); err != nil {
			return fmt.Errorf("move index edge: %w", err)
		}
		return nil
	})
}

func (s *SQLStore) Delete(ctx context.Context, trustor core.Identity) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.contract(ctx, tx, trustor); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			s.q(`DELETE FROM dms_contracts WHERE trustor = ?`), string(trustor)); err != nil {
			return fmt.Errorf("delete contract: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			s.q(`DELETE FROM dms_beneficiary_index WHERE trustor = ?`), string(trustor)); err != nil {
			return fmt.Errorf("delete index edge: %w", err)
		}
		return nil
	})
}

func (s *SQLStore) RebuildIndex(ctx context.Context) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM dms_beneficiary_index`)); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, s.q(
			`INSERT INTO dms_beneficiary_index (beneficiary, trustor) SELECT beneficiary, trustor FROM dms_contracts`))
		return err
	})
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// q rewrites ? placeholders to $n for Postgres.
func (s *SQLStore) q(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func contractInts(c core.Contract) (int64, int64, error) {
	delay, err := toInt(c.Delay)
	if err != nil {
		return 0, 0, err
	}
	lastPing, err := toInt(c.LastPing)
	if err != nil {
		return 0, 0, err
	}
	return delay, lastPing, nil
}

// SQL integers are signed 64 bit.
func toInt(t core.Tick) (int64, error) {
	if t > math.MaxInt64 {
		return 0, fmt.Errorf("tick %d does not fit a SQL integer", t)
	}
	return int64(t), nil
}
