package identity

import (
	"embed"
)

//go:embed data/sql/migrations/*.sql
var migrationsFS embed.FS

const migrationsDir = "data/sql/migrations"

// GetMigrationsFS returns the migration files for this package
func GetMigrationsFS() embed.FS {
	return migrationsFS
}
