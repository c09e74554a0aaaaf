package migrations

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	pg "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// MigrationsTable is where golang-migrate keeps its version.
const MigrationsTable = "schema_migrations_migrate"

// RunMigrations applies every pending migration under sourceURL
// (file://migrations by default). A database that already has the matches
// table but no migrate metadata is baselined to the latest version first.
func RunMigrations(databaseURL, sourceURL string, logger *logrus.Entry) error {
	if databaseURL == "" {
		return errors.New("database URL is empty")
	}
	if sourceURL == "" {
		sourceURL = "file://migrations"
	}
	log := logger.WithField("component", "migrate")

	sqlDB, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return fmt.Errorf("failed to open DB: %w", err)
	}
	defer sqlDB.Close()

	driver, err := pg.WithInstance(sqlDB, &pg.Config{MigrationsTable: MigrationsTable})
	if err != nil {
		return fmt.Errorf("failed to create migrate driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(sourceURL, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	var matchesExist bool
	row := sqlDB.QueryRow("SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name='matches')")
	if err := row.Scan(&matchesExist); err == nil && matchesExist {
		var migrateTableExist bool
		row2 := sqlDB.QueryRow("SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name=$1)", MigrationsTable)
		if err := row2.Scan(&migrateTableExist); err == nil && !migrateTableExist {
			if latest := findLatestMigrationVersion(strings.TrimPrefix(sourceURL, "file://")); latest > 0 {
				log.WithField("version", latest).Warn("baselining existing schema")
				if ferr := m.Force(int(latest)); ferr != nil {
					log.WithError(ferr).Error("baseline failed")
				}
			}
		}
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}

	version, dirty, _ := m.Version()
	log.WithFields(logrus.Fields{"version": version, "dirty": dirty}).Info("migrations applied")
	return nil
}

// findLatestMigrationVersion returns the highest numeric prefix
// (e.g. 000003_) among the files in dir.
func findLatestMigrationVersion(dir string) int64 {
	files, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}

	re := regexp.MustCompile(`^0*([0-9]+)_`)
	var max int64
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		m := re.FindStringSubmatch(f.Name())
		if len(m) < 2 {
			continue
		}
		v, _ := strconv.ParseInt(m[1], 10, 64)
		if v > max {
			max = v
		}
	}
	return max
}
