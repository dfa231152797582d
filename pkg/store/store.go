// Package store owns the schema and all SQL against the products and
// realtime_data tables.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/fluxorio/datacore/pkg/core"
	"github.com/fluxorio/datacore/pkg/core/failfast"
	"github.com/fluxorio/datacore/pkg/db"
)

const productColumns = "id, name, description, price, category, created_at, updated_at"

// Store runs queries against a pool
type Store struct {
	pool   *db.Pool
	logger core.Logger
}

// New creates a store on pool
func New(pool *db.Pool, logger core.Logger) *Store {
	failfast.NotNil(pool, "pool")
	if logger == nil {
		logger = core.NewDefaultLogger()
	}
	return &Store{pool: pool, logger: logger}
}

// Dialect returns the pool's dialect
func (s *Store) Dialect() db.Dialect {
	return s.pool.Dialect()
}

// Migrate creates the tables if they do not exist
func (s *Store) Migrate(ctx context.Context) error {
	d := s.pool.Dialect()
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS products (
			id ` + d.AutoIncrement + `,
			name TEXT NOT NULL,
			description TEXT,
			price DOUBLE PRECISION,
			category TEXT,
			created_at TEXT DEFAULT ` + d.Now + `,
			updated_at TEXT DEFAULT ` + d.Now + `
		)`,
		`CREATE TABLE IF NOT EXISTS realtime_data (
			id ` + d.AutoIncrement + `,
			source TEXT,
			value DOUBLE PRECISION,
			timestamp TEXT,
			processed BOOLEAN DEFAULT FALSE
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// SeedIfEmpty inserts SampleProducts when the products table is empty and
// returns the number of rows inserted.
func (s *Store) SeedIfEmpty(ctx context.Context) (int, error) {
	n, err := s.CountProducts(ctx, "", nil)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		return 0, nil
	}
	err = s.pool.WithTx(ctx, func(tx *db.Tx) error {
		for _, p := range SampleProducts {
			if _, err := tx.Exec(ctx, "INSERT INTO products (name, description, price, category) VALUES (?, ?, ?, ?)",
				p.Name, p.Description, p.Price, p.Category); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("seed: %w", err)
	}
	s.logger.Infof("Sample data added (%d products)", len(SampleProducts))
	return len(SampleProducts), nil
}

func whereClause(where string) string {
	if where == "" {
		return " WHERE 1=1"
	}
	return " WHERE 1=1 AND " + where
}

// CountProducts counts products matching where ("" matches all)
func (s *Store) CountProducts(ctx context.Context, where string, params []any) (int, error) {
	var n int64
	err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM products"+whereClause(where), params...).Scan(&n)
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Page limits a result set
type Page struct {
	Limit  int
	Offset int
}

// SelectProducts returns products matching where, ordered by orderBy
// (a pre-validated column list), optionally paginated.
func (s *Store) SelectProducts(ctx context.Context, where string, params []any, orderBy string, page *Page) ([]Product, error) {
	var b strings.Builder
	b.WriteString("SELECT " + productColumns + " FROM products")
	b.WriteString(whereClause(where))
	if orderBy != "" {
		b.WriteString(" ORDER BY " + orderBy)
	}
	args := append([]any(nil), params...)
	if page != nil {
		b.WriteString(" LIMIT ? OFFSET ?")
		args = append(args, page.Limit, page.Offset)
	}

	rows, err := s.pool.Query(ctx, b.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]Product, 0)
	for rows.Next() {
		var (
			p                   Product
			desc, cat, cAt, uAt sql.NullString
			price               sql.NullFloat64
		)
		if err := rows.Scan(&p.ID, &p.Name, &desc, &price, &cat, &cAt, &uAt); err != nil {
			return nil, err
		}
		p.Description = desc.String
		p.Price = price.Float64
		p.Category = cat.String
		p.CreatedAt = cAt.String
		p.UpdatedAt = uAt.String
		products = append(products, p)
	}
	return products, rows.Err()
}

// SaveBatch persists records in one transaction. Records missing required
// fields are skipped. Any statement error rolls back the whole batch and is
// returned wrapped in core.ErrTransaction.
func (s *Store) SaveBatch(ctx context.Context, records []Record) (int, error) {
	saved := 0
	err := s.pool.WithTx(ctx, func(tx *db.Tx) error {
		productStmt, err := tx.Prepare(ctx, "INSERT INTO products (name, description, price, category) VALUES (?, ?, ?, ?)")
		if err != nil {
			return err
		}
		defer productStmt.Close()
		measurementStmt, err := tx.Prepare(ctx, "INSERT INTO realtime_data (source, value, timestamp) VALUES (?, ?, ?)")
		if err != nil {
			return err
		}
		defer measurementStmt.Close()

		for _, r := range records {
			if !r.Valid() {
				s.logger.Debugf("skipping malformed %q record", r.Type)
				continue
			}
			switch r.Type {
			case RecordProduct:
				_, err = productStmt.ExecContext(ctx, r.Name, r.Description, r.Price, r.Category)
			case RecordMeasurement:
				_, err = measurementStmt.ExecContext(ctx, r.Source, r.Value, r.Timestamp)
			}
			if err != nil {
				return err
			}
			saved++
		}
		return nil
	})
	if err != nil {
		return 0, core.Wrap(core.ErrTransaction, err)
	}
	return saved, nil
}

// Measurements returns the most recent measurements, newest first
func (s *Store) Measurements(ctx context.Context, limit int) ([]Measurement, error) {
	rows, err := s.pool.Query(ctx, "SELECT id, source, value, timestamp, processed FROM realtime_data ORDER BY id DESC LIMIT ?", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Measurement, 0)
	for rows.Next() {
		var (
			m         Measurement
			src, ts   sql.NullString
			val       sql.NullFloat64
			processed sql.NullBool
		)
		if err := rows.Scan(&m.ID, &src, &val, &ts, &processed); err != nil {
			return nil, err
		}
		m.Source, m.Value, m.Timestamp, m.Processed = src.String, val.Float64, ts.String, processed.Bool
		out = append(out, m)
	}
	return out, rows.Err()
}
