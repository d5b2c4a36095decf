package main

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq" // Postgres driver

	"github.com/Mindburn-Labs/covenant/pkg/ledger"
)

// storage is the ledger store, the request journal and what closes them.
type storage struct {
	store   ledger.Store
	journal ledger.RequestJournal
	close   func() error
}

func openStorage(ctx context.Context, driver, dsn string) (*storage, error) {
	switch driver {
	case "memory":
		return &storage{
			store:   ledger.NewMemoryStore(),
			journal: ledger.NewMemoryJournal(),
			close:   func() error { return nil },
		}, nil
	case "sqlite":
		s, db, err := ledger.OpenSQLite(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return &storage{store: s, journal: s, close: db.Close}, nil
	case "postgres":
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		s := ledger.NewSQLStore(db, ledger.DialectPostgres)
		if err := s.Init(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
		return &storage{store: s, journal: s, close: db.Close}, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}
