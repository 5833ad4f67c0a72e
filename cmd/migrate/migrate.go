package migrate

import (
	"context"
	"database/sql"
	"embed"
	"io/fs"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations
var Migrations embed.FS

// Migrate applies every pending migration found under migrations/ in path.
func Migrate(ctx context.Context, dsn string, path fs.FS) error {
	return run(ctx, dsn, path, goose.UpContext)
}

// Rollback reverts the most recent migration.
func Rollback(ctx context.Context, dsn string, path fs.FS) error {
	return run(ctx, dsn, path, func(ctx context.Context, db *sql.DB, dir string, _ ...goose.OptionsFunc) error {
		return goose.DownContext(ctx, db, dir)
	})
}

func run(ctx context.Context, dsn string, path fs.FS, step func(context.Context, *sql.DB, string, ...goose.OptionsFunc) error) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return err
	}

	goose.SetBaseFS(path)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return step(ctx, db, "migrations")
}
