// Package storage is the inventory unit of work: stock rows, stored events,
// outbox records and inbox entries written in one atomic commit.
package storage

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"

	"github.com/md-rashed-zaman/shopflow/libs/db"
	"github.com/md-rashed-zaman/shopflow/libs/eventstore"
	"github.com/md-rashed-zaman/shopflow/libs/inbox"
	"github.com/md-rashed-zaman/shopflow/libs/outbox"
	"github.com/md-rashed-zaman/shopflow/services/inventory-service/internal/stock"
)

var (
	ErrNotFound      = errors.New("stock not found")
	ErrAlreadyExists = errors.New("stock already registered")
)

type StockRepository interface {
	// GetForUpdate loads a stock row and holds it until the unit commits.
	GetForUpdate(ctx context.Context, productID string) (stock.Stock, error)
	Insert(ctx context.Context, s stock.Stock) error
	// Update saves s only if the stored version still equals
	// previousVersion, otherwise it returns *eventstore.ConflictError.
	Update(ctx context.Context, s stock.Stock, previousVersion int64) error
}

type UnitOfWork interface {
	Stocks() StockRepository
	Events() eventstore.Appender
	Outbox() outbox.Writer
	Inbox() inbox.Recorder
}

type Store interface {
	// InTx commits everything fn wrote through uow, or nothing if fn fails.
	InTx(ctx context.Context, fn func(ctx context.Context, uow UnitOfWork) error) error
	GetStock(ctx context.Context, productID string) (stock.Stock, error)
	Events() eventstore.Reader
	Outbox() outbox.Store
}

//go:embed migrations/*.sql
var migrations embed.FS

// Migrate creates every table the inventory service uses.
func Migrate(ctx context.Context, pool *db.Pool) error {
	stmts := []string{eventstore.Schema, outbox.Schema, inbox.Schema}
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		b, err := migrations.ReadFile(name)
		if err != nil {
			return err
		}
		stmts = append(stmts, string(b))
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
