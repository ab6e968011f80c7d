package database

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	pkgerrors "github.com/pkg/errors"
)

var (
	migrationFileRe = regexp.MustCompile(`^(\d+)_.*\.up\.sql$`)
	noMigrationRe   = regexp.MustCompile(`no migration found for version`)
)

// migrationLogger adapts ectologger to migrate.Logger
type migrationLogger struct {
	ectologger.Logger
}

func (l migrationLogger) Verbose() bool {
	return false
}

func (l migrationLogger) Printf(format string, v ...any) {
	l.Debugf(format, v...)
}

// MigrationConfig controls how the schema is brought up to date
type MigrationConfig struct {
	FolderPath string
	// Version pins the target version; zero migrates to the latest
	Version uint
	// Force marks the schema as being at this version before migrating
	Force int
	// AutoRollback clears a dirty version left by a failed migration
	AutoRollback bool
}

// MigrationService applies the SQL migrations in db/pg
type MigrationService struct {
	config MigrationConfig
	logger ectologger.Logger
}

// NewMigrationService creates a migration service
func NewMigrationService(logger ectologger.Logger, config MigrationConfig) *MigrationService {
	return &MigrationService{
		config: config,
		logger: logger,
	}
}

// folder resolves the migration folder against the working directory
func (ms *MigrationService) folder() (string, error) {
	path := ms.config.FolderPath
	if !filepath.IsAbs(path) {
		wd, err := os.Getwd()
		if err == nil {
			if _, statErr := os.Stat(path); statErr != nil {
				path = filepath.Join(wd, path)
			}
		}
	}
	if _, err := os.Stat(path); err != nil {
		return "", pkgerrors.Wrapf(err, "migration folder %s does not exist", path)
	}
	return path, nil
}

// MigratePostgres migrates the database behind db
func (ms *MigrationService) MigratePostgres(db *sql.DB, databaseName string) error {
	folder, err := ms.folder()
	if err != nil {
		return err
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{DatabaseName: databaseName})
	if err != nil {
		return pkgerrors.Wrap(err, "failed to create migration driver")
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+folder, databaseName, driver)
	if err != nil {
		ms.logger.WithError(err).Error("Failed to create migrate instance")
		return pkgerrors.Wrap(err, "failed to create migrate instance")
	}
	m.Log = migrationLogger{Logger: ms.logger}

	return ms.run(m, folder)
}

func (ms *MigrationService) run(m *migrate.Migrate, folder string) error {
	if ms.config.Force != 0 {
		if err := m.Force(ms.config.Force); err != nil {
			ms.logger.WithError(err).Errorf("Failed to force database to version %d", ms.config.Force)
			return pkgerrors.Wrapf(err, "failed to force version %d", ms.config.Force)
		}
	}

	before, _, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		ms.logger.WithError(err).Warn("Failed to read current migration version")
	}

	start := time.Now()
	if ms.config.Version != 0 {
		err = m.Migrate(ms.config.Version)
	} else {
		err = m.Up()
	}
	log := ms.logger.WithFields(map[string]any{
		"from_version": before,
		"elapsed":      time.Since(start).String(),
	})

	switch {
	case err == nil:
		log.Info("Applied database migrations")
		return nil
	case errors.Is(err, migrate.ErrNoChange):
		log.Info("No new migrations to apply")
		return nil
	}

	if noMigrationRe.MatchString(err.Error()) {
		// The schema is ahead of this build, typically after a rollback of the binary
		latest, latestErr := LatestVersion(folder)
		if latestErr != nil {
			return pkgerrors.Wrap(latestErr, "failed to read latest migration version")
		}
		log.Warnf("Database is ahead of the available migrations, forcing version %d", latest)
		if forceErr := m.Force(latest); forceErr != nil {
			return pkgerrors.Wrapf(forceErr, "failed to force version %d", latest)
		}
		return nil
	}

	log.WithError(err).Error("Migration failed")

	version, dirty, versionErr := m.Version()
	if versionErr == nil && dirty && ms.config.AutoRollback {
		target := int(before)
		if target == 0 && version > 0 {
			target = int(version) - 1
		}
		log.Warnf("Database is dirty at version %d, resetting to version %d", version, target)
		if forceErr := m.Force(target); forceErr != nil {
			ms.logger.WithError(forceErr).Errorf("Failed to force database to version %d", target)
		}
	}

	// still fail so the service does not start on a half-migrated schema
	return pkgerrors.Wrap(err, "failed to apply migrations")
}

// LatestVersion returns the highest up migration version in folder
func LatestVersion(folder string) (int, error) {
	entries, err := os.ReadDir(folder)
	if err != nil {
		return 0, err
	}

	latest := -1
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		matches := migrationFileRe.FindStringSubmatch(entry.Name())
		if len(matches) < 2 {
			continue
		}
		v, err := strconv.Atoi(matches[1])
		if err != nil {
			return 0, err
		}
		if v > latest {
			latest = v
		}
	}

	if latest < 0 {
		return 0, fmt.Errorf("no migration files found in %s", folder)
	}
	return latest, nil
}
