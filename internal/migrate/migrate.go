// Package migrate applies the embedded SQL migrations on startup.
package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/lock"
	"go.uber.org/zap"

	"github.com/and161185/ea-relay/migrations"
)

// newProvider builds a goose provider over fsys. A Postgres advisory lock
// serializes concurrent relay instances migrating the same database.
func newProvider(db *sql.DB, fsys fs.FS) (*goose.Provider, error) {
	locker, err := lock.NewPostgresSessionLocker()
	if err != nil {
		return nil, err
	}
	return goose.NewProvider(goose.DialectPostgres, db, fsys,
		goose.WithSessionLocker(locker),
		goose.WithDisableGlobalRegistry(true),
	)
}

// Up runs all pending migrations and logs each applied file.
func Up(ctx context.Context, dsn string, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	p, err := newProvider(db, migrations.FS)
	if err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	results, err := p.Up(ctx)
	for _, r := range results {
		log.Info("migration applied",
			zap.Int64("version", r.Source.Version),
			zap.String("file", r.Source.Path),
			zap.Duration("took", r.Duration),
		)
	}
	if err != nil {
		return fmt.Errorf("migrate up: %w", err)
	}
	current, err := p.GetDBVersion(ctx)
	if err != nil {
		return err
	}
	log.Info("schema ready",
		zap.Int64("version", current),
		zap.Int64s("shipped", sourceVersions(p)),
		zap.Int("applied", len(results)),
	)
	return nil
}

// sourceVersions lists the migration versions embedded in the binary.
func sourceVersions(p *goose.Provider) []int64 {
	var out []int64
	for _, s := range p.ListSources() {
		out = append(out, s.Version)
	}
	return out
}
