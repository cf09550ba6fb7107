package database

import (
	"fmt"

	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/justsurfingit/applytrail/internal/logging"
	"github.com/justsurfingit/applytrail/internal/models"
)

// Connect opens the postgres pool and migrates the schema.
func Connect(dsn string, log zerolog.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logging.NewGorm(log),
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	log.Info().Msg("Database connection established")

	// Migration: companies first so the job foreign key has a parent table.
	log.Info().Msg("Running Migrations...")
	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

func Migrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&models.Company{},
		&models.Job{},
		&models.JobEvent{},
		&models.Email{},
		&models.MailCursor{},
		&models.Credential{},
		&models.RequestTemplate{},
	)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}
