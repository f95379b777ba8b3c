package database

import (
	"context"
	_ "embed"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"agentrunner/internal/config"
)

//go:embed schema.sql
var schema string

func New(conf *config.ARConfig) (*sqlx.DB, error) {
	db, err := sqlx.Connect("pgx", conf.GetDatabaseURL())
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(conf.Database.MaxOpenConns)
	return db, nil
}

// Migrate creates the tables used by the run store and the conversation store. It is safe to run
// against an already migrated database.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("could not apply schema: %w", err)
	}
	log.Info().Msg("Database schema is up to date")
	return nil
}
