package identity

import (
	"context"
	"sync"

	"github.com/pressly/goose/v3"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
)

// goose keeps its base FS and dialect in package globals
var migrateMu sync.Mutex

// Migrate applies the embedded schema migrations to db
func Migrate(ctx context.Context, db *bun.DB) error {
	migrateMu.Lock()
	defer migrateMu.Unlock()

	goose.SetBaseFS(migrationsFS)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect(gooseDialect(db)); err != nil {
		return internalError(err, "failed to set migration dialect")
	}

	if err := goose.UpContext(ctx, db.DB, migrationsDir); err != nil {
		return internalError(err, "failed to apply migrations")
	}
	return nil
}

func gooseDialect(db *bun.DB) string {
	switch db.Dialect().Name() {
	case dialect.PG:
		return "pgx"
	default:
		return "sqlite3"
	}
}
