package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // The blank import is for the PostgreSQL driver
	"github.com/rs/zerolog/log"

	"github.com/drluca/shopflow/config"
	"github.com/drluca/shopflow/internal/events"
)

const schema = `
CREATE TABLE IF NOT EXISTS products (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	price       DOUBLE PRECISION NOT NULL,
	category    TEXT NOT NULL DEFAULT '',
	stock       INTEGER NOT NULL DEFAULT 0 CHECK (stock >= 0),
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_products_category ON products (category);`

// PostgresStore persists products in PostgreSQL.
type PostgresStore struct {
	db *sqlx.DB
}

// Connect opens the connection pool and applies the schema.
func Connect(ctx context.Context, cfg config.Config) (*PostgresStore, error) {
	log.Info().Str("host", cfg.DBHost).Str("db", cfg.DBName).Msg("Connecting to database...")
	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetConnMaxLifetime(time.Minute * 3)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply products schema: %w", err)
	}

	log.Info().Msg("Database connection successful.")
	return &PostgresStore{db: db}, nil
}

// Close gracefully closes the database connection.
func (s *PostgresStore) Close() {
	log.Info().Msg("Closing database connection.")
	s.db.Close()
}

func (s *PostgresStore) Create(ctx context.Context, p *Product) error {
	query := `INSERT INTO products (id, name, description, price, category, stock, created_at, updated_at)
	          VALUES (:id, :name, :description, :price, :category, :stock, :created_at, :updated_at)`
	if _, err := s.db.NamedExecContext(ctx, query, p); err != nil {
		return fmt.Errorf("could not insert product %s: %w", p.ID, err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Product, error) {
	var p Product
	query := `SELECT id, name, description, price, category, stock, created_at, updated_at
	          FROM products WHERE id=$1`
	err := s.db.GetContext(ctx, &p, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("could not get product %s: %w", id, err)
	}
	return &p, nil
}

func (s *PostgresStore) Update(ctx context.Context, p *Product) error {
	query := `UPDATE products
	          SET name=:name, description=:description, price=:price, category=:category,
	              stock=:stock, updated_at=:updated_at
	          WHERE id=:id`
	result, err := s.db.NamedExecContext(ctx, query, p)
	if err != nil {
		return fmt.Errorf("could not update product %s: %w", p.ID, err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, p.ID)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM products WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("could not delete product %s: %w", id, err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, category string) ([]*Product, error) {
	products := []*Product{}
	var err error
	if category != "" {
		err = s.db.SelectContext(ctx, &products,
			`SELECT * FROM products WHERE category=$1 ORDER BY created_at DESC`, category)
	} else {
		err = s.db.SelectContext(ctx, &products,
			`SELECT * FROM products ORDER BY created_at DESC`)
	}
	if err != nil {
		return nil, fmt.Errorf("could not list products: %w", err)
	}
	return products, nil
}

// AdjustStock applies the delta only when the result stays
// non-negative; the guard and the write are a single statement so
// concurrent adjustments cannot oversell.
func (s *PostgresStore) AdjustStock(ctx context.Context, id string, delta int) (StockChange, error) {
	query := `UPDATE products
	          SET stock = stock + $1, updated_at = $2
	          WHERE id = $3 AND stock + $1 >= 0
	          RETURNING stock`
	var newStock int
	err := s.db.GetContext(ctx, &newStock, query, delta, time.Now().UTC(), id)
	if err == nil {
		return StockChange{ProductID: id, OldStock: newStock - delta, NewStock: newStock}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return StockChange{}, fmt.Errorf("could not adjust stock for product %s: %w", id, err)
	}

	// No row matched: either the product is gone or the guard held.
	p, getErr := s.Get(ctx, id)
	if getErr != nil {
		return StockChange{}, getErr
	}
	return StockChange{ProductID: id, OldStock: p.Stock, NewStock: p.Stock},
		fmt.Errorf("%w: product %s has %d, requested %d", ErrInsufficientStock, id, p.Stock, -delta)
}

func (s *PostgresStore) DecrementForOrder(ctx context.Context, items []events.LineItem) ([]StockAdjustment, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("could not begin stock transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	adjustments := make([]StockAdjustment, 0, len(items))
	for _, item := range items {
		var newStock int
		err := tx.GetContext(ctx, &newStock,
			`UPDATE products SET stock = stock - $1, updated_at = $2 WHERE id = $3 AND stock >= $1 RETURNING stock`,
			item.Quantity, now, item.ProductID)
		if err == nil {
			adjustments = append(adjustments, StockAdjustment{
				ProductID: item.ProductID,
				Requested: item.Quantity,
				OldStock:  newStock + item.Quantity,
				NewStock:  newStock,
			})
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("could not decrement stock for product %s: %w", item.ProductID, err)
		}

		// Guard held, or the product was deleted after the order was
		// taken. Either way the item cannot be fulfilled.
		var available int
		err = tx.GetContext(ctx, &available, `SELECT stock FROM products WHERE id=$1`, item.ProductID)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("could not read stock for product %s: %w", item.ProductID, err)
		}
		adjustments = append(adjustments, StockAdjustment{
			ProductID:    item.ProductID,
			Requested:    item.Quantity,
			OldStock:     available,
			NewStock:     available,
			Insufficient: true,
		})
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("could not commit stock transaction: %w", err)
	}
	return adjustments, nil
}
