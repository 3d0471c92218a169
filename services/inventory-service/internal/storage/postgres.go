package storage

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/md-rashed-zaman/shopflow/libs/db"
	"github.com/md-rashed-zaman/shopflow/libs/eventstore"
	"github.com/md-rashed-zaman/shopflow/libs/inbox"
	"github.com/md-rashed-zaman/shopflow/libs/outbox"
	"github.com/md-rashed-zaman/shopflow/services/inventory-service/internal/stock"
)

type Postgres struct {
	pool   *db.Pool
	events *eventstore.Store
	outbox *outbox.Repository
}

func NewPostgres(pool *db.Pool) *Postgres {
	return &Postgres{
		pool:   pool,
		events: eventstore.NewStore(pool),
		outbox: outbox.NewRepository(pool),
	}
}

func (p *Postgres) InTx(ctx context.Context, fn func(ctx context.Context, uow UnitOfWork) error) error {
	return p.pool.WithTx(ctx, func(tx pgx.Tx) error {
		return fn(ctx, &pgUnit{p: p, tx: tx})
	})
}

func (p *Postgres) GetStock(ctx context.Context, productID string) (stock.Stock, error) {
	return scanStock(p.pool.QueryRow(ctx, `SELECT `+stockColumns+` FROM stocks WHERE product_id = $1`, productID))
}

func (p *Postgres) Events() eventstore.Reader { return p.events }

func (p *Postgres) Outbox() outbox.Store { return p.outbox }

type pgUnit struct {
	p  *Postgres
	tx pgx.Tx
}

func (u *pgUnit) Stocks() StockRepository     { return pgStocks{tx: u.tx} }
func (u *pgUnit) Events() eventstore.Appender { return u.p.events.Appender(u.tx) }
func (u *pgUnit) Outbox() outbox.Writer       { return u.p.outbox.Writer(u.tx) }
func (u *pgUnit) Inbox() inbox.Recorder       { return inbox.InTx(u.tx) }

const stockColumns = `product_id, available, reserved, reorder_point, safety_stock, status, discontinued,
	version, last_restocked_at, updated_at`

type pgStocks struct {
	tx pgx.Tx
}

func (r pgStocks) GetForUpdate(ctx context.Context, productID string) (stock.Stock, error) {
	return scanStock(r.tx.QueryRow(ctx, `SELECT `+stockColumns+` FROM stocks WHERE product_id = $1 FOR UPDATE`, productID))
}

func (r pgStocks) Insert(ctx context.Context, s stock.Stock) error {
	_, err := r.tx.Exec(ctx, `
		INSERT INTO stocks (`+stockColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, s.ProductID, s.Available, s.Reserved, s.ReorderPoint, s.SafetyStock, string(s.Status), s.Discontinued,
		s.Version, s.LastRestockedAt, s.UpdatedAt)
	if db.IsUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func (r pgStocks) Update(ctx context.Context, s stock.Stock, previousVersion int64) error {
	tag, err := r.tx.Exec(ctx, `
		UPDATE stocks
		SET available = $2,
			reserved = $3,
			reorder_point = $4,
			safety_stock = $5,
			status = $6,
			discontinued = $7,
			version = $8,
			last_restocked_at = $9,
			updated_at = $10
		WHERE product_id = $1 AND version = $11
	`, s.ProductID, s.Available, s.Reserved, s.ReorderPoint, s.SafetyStock, string(s.Status), s.Discontinued,
		s.Version, s.LastRestockedAt, s.UpdatedAt, previousVersion)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &eventstore.ConflictError{AggregateID: s.ProductID, Version: s.Version}
	}
	return nil
}

func scanStock(row pgx.Row) (stock.Stock, error) {
	var s stock.Stock
	var status string
	err := row.Scan(&s.ProductID, &s.Available, &s.Reserved, &s.ReorderPoint, &s.SafetyStock, &status,
		&s.Discontinued, &s.Version, &s.LastRestockedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return stock.Stock{}, ErrNotFound
	}
	if err != nil {
		return stock.Stock{}, err
	}
	s.Status = stock.Status(status)
	return s, nil
}

var _ Store = (*Postgres)(nil)
