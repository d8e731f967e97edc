// Package postgres builds the GORM storage backend against a remote Postgres
// server. The connection is opened lazily by Init so a bad host fails the
// backend, not the process.
package postgres

import (
	"time"

	"github.com/rollcap/recorder/internal/config"
	"github.com/rollcap/recorder/internal/database"
	gormstorage "github.com/rollcap/recorder/internal/storage/gorm"
	"github.com/rs/zerolog"

	"gorm.io/gorm"
)

// New returns a GORM backend that connects to cfg during Init.
func New(cfg config.PostgresConfig, writeInterval time.Duration, log zerolog.Logger) *gormstorage.Backend {
	return gormstorage.New(gormstorage.Dependencies{
		Connect: func() (*gorm.DB, error) {
			log.Info().Str("host", cfg.Host).Str("database", cfg.Database).Msg("Connecting to Postgres")
			return database.GetPostgresDB(cfg)
		},
		Logger:        log,
		WriteInterval: writeInterval,
	})
}
