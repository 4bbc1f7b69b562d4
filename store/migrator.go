package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/mod/semver"
)

// Migration files live in migration/{dialect}/{minor}/NN__description.sql.
// LATEST.sql holds the full schema and initializes fresh databases in one step.
// The applied schema version is kept in system_setting under "schema_version".

//go:embed migration
var migrationFS embed.FS

const (
	// MigrateFileNameSplit is the split character between the patch version and the description in the migration file name.
	// For example, "1__create_table.sql".
	MigrateFileNameSplit = "__"
	// LatestSchemaFileName is the name of the latest schema file.
	LatestSchemaFileName = "LATEST.sql"

	defaultSchemaVersion = "0.0.0"
	schemaVersionKey     = "schema_version"
)

// versionGreaterThan compares two major.minor.patch versions.
func versionGreaterThan(a, b string) bool {
	return semver.Compare("v"+a, "v"+b) > 0
}

func getSchemaVersionOrDefault(schemaVersion string) string {
	if schemaVersion == "" {
		return defaultSchemaVersion
	}
	return schemaVersion
}

// shouldApplyMigration reports whether fileVersion lies in (current, target].
func shouldApplyMigration(fileVersion, currentDBVersion, targetVersion string) bool {
	return versionGreaterThan(fileVersion, getSchemaVersionOrDefault(currentDBVersion)) &&
		!versionGreaterThan(fileVersion, targetVersion)
}

// validateMigrationFileName checks if a migration file follows the expected naming convention.
// Expected format: "NN__description.sql" where NN is a zero-padded number.
func validateMigrationFileName(filename string) error {
	if !strings.Contains(filename, MigrateFileNameSplit) {
		return errors.Errorf("invalid migration filename format (missing %s): %s", MigrateFileNameSplit, filename)
	}
	parts := strings.Split(filename, MigrateFileNameSplit)
	if _, err := strconv.Atoi(parts[0]); err != nil {
		return errors.Errorf("migration filename must start with a number: %s", filename)
	}
	return nil
}

// Migrate brings the schema to the latest version: LATEST.sql for a fresh
// database, pending incremental files otherwise.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.preMigrate(ctx); err != nil {
		return errors.Wrap(err, "failed to pre-migrate")
	}

	dbVersion, err := s.getDatabaseSchemaVersion(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to get database schema version")
	}
	currentSchemaVersion, err := s.GetCurrentSchemaVersion()
	if err != nil {
		return errors.Wrap(err, "failed to get current schema version")
	}
	if versionGreaterThan(getSchemaVersionOrDefault(dbVersion), currentSchemaVersion) {
		slog.Error("cannot downgrade schema version",
			slog.String("databaseVersion", dbVersion),
			slog.String("currentVersion", currentSchemaVersion),
		)
		return errors.Errorf("cannot downgrade schema version from %s to %s", dbVersion, currentSchemaVersion)
	}
	if versionGreaterThan(currentSchemaVersion, getSchemaVersionOrDefault(dbVersion)) {
		if err := s.applyMigrations(ctx, dbVersion, currentSchemaVersion); err != nil {
			return errors.Wrap(err, "failed to apply migrations")
		}
	}
	return nil
}

// applyMigrations applies all migration files between current and target schema versions
// in a single transaction.
func (s *Store) applyMigrations(ctx context.Context, currentSchemaVersion, targetSchemaVersion string) error {
	filePaths, err := fs.Glob(migrationFS, fmt.Sprintf("%s*/*.sql", s.getMigrationBasePath()))
	if err != nil {
		return errors.Wrap(err, "failed to read migration files")
	}
	sort.Strings(filePaths)

	tx, err := s.driver.GetDB().BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to start transaction")
	}
	defer tx.Rollback()

	slog.Info("start migration",
		slog.String("currentSchemaVersion", getSchemaVersionOrDefault(currentSchemaVersion)),
		slog.String("targetSchemaVersion", targetSchemaVersion))

	migrationsApplied := 0
	for _, filePath := range filePaths {
		fileSchemaVersion, err := s.getSchemaVersionOfMigrateScript(filePath)
		if err != nil {
			return errors.Wrap(err, "failed to get schema version of migrate script")
		}
		if !shouldApplyMigration(fileSchemaVersion, currentSchemaVersion, targetSchemaVersion) {
			continue
		}

		if err := validateMigrationFileName(filepath.Base(filePath)); err != nil {
			slog.Warn("migration file has invalid name but will be applied", slog.String("file", filePath), slog.String("error", err.Error()))
		}
		slog.Info("applying migration", slog.String("file", filePath), slog.String("version", fileSchemaVersion))

		bytes, err := migrationFS.ReadFile(filePath)
		if err != nil {
			return errors.Wrapf(err, "failed to read migration file: %s", filePath)
		}
		if err := s.execute(ctx, tx, string(bytes)); err != nil {
			return errors.Wrapf(err, "failed to execute migration %s", filePath)
		}
		migrationsApplied++
	}

	if err := s.updateCurrentSchemaVersion(ctx, tx, targetSchemaVersion); err != nil {
		return errors.Wrap(err, "failed to update current schema version")
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit migration transaction")
	}

	slog.Info("migration completed", slog.Int("migrationsApplied", migrationsApplied))
	return nil
}

// preMigrate applies the latest schema when the database is not initialized.
func (s *Store) preMigrate(ctx context.Context) error {
	initialized, err := s.driver.IsInitialized(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to check if database is initialized")
	}
	if initialized {
		return nil
	}

	filePath := s.getMigrationBasePath() + LatestSchemaFileName
	bytes, err := migrationFS.ReadFile(filePath)
	if err != nil {
		return errors.Errorf("failed to read latest schema file: %s", err)
	}
	schemaVersion, err := s.GetCurrentSchemaVersion()
	if err != nil {
		return errors.Wrap(err, "failed to get current schema version")
	}

	tx, err := s.driver.GetDB().BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to start transaction")
	}
	defer tx.Rollback()

	slog.Info("initializing new database with latest schema", slog.String("file", filePath))
	if err := s.execute(ctx, tx, string(bytes)); err != nil {
		return errors.Errorf("failed to execute SQL file %s, err %s", filePath, err)
	}
	if err := s.updateCurrentSchemaVersion(ctx, tx, schemaVersion); err != nil {
		return errors.Wrap(err, "failed to update current schema version")
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit transaction")
	}

	slog.Info("database initialized successfully", slog.String("schemaVersion", schemaVersion))
	return nil
}

// dialect maps the profile driver to its SQL dialect; the memory driver is in-memory sqlite.
func (s *Store) dialect() string {
	if s.profile.Driver == "postgres" {
		return "postgres"
	}
	return "sqlite"
}

func (s *Store) getMigrationBasePath() string {
	return fmt.Sprintf("migration/%s/", s.dialect())
}

// GetCurrentSchemaVersion returns the version the embedded migrations lead to:
// the last migration file's minor version with its patch number plus one.
func (s *Store) GetCurrentSchemaVersion() (string, error) {
	filePaths, err := fs.Glob(migrationFS, fmt.Sprintf("%s*/*.sql", s.getMigrationBasePath()))
	if err != nil {
		return "", errors.Wrap(err, "failed to read migration files")
	}
	if len(filePaths) == 0 {
		return defaultSchemaVersion, nil
	}
	sort.Strings(filePaths)
	return s.getSchemaVersionOfMigrateScript(filePaths[len(filePaths)-1])
}

// getSchemaVersionOfMigrateScript extracts "major.minor.patch" from a migration file path.
func (s *Store) getSchemaVersionOfMigrateScript(filePath string) (string, error) {
	if strings.HasSuffix(filePath, LatestSchemaFileName) {
		return s.GetCurrentSchemaVersion()
	}

	elements := strings.Split(filepath.ToSlash(filePath), "/")
	if len(elements) < 2 {
		return "", errors.Errorf("invalid file path: %s", filePath)
	}
	minorVersion := elements[len(elements)-2]
	rawPatchVersion := strings.Split(elements[len(elements)-1], MigrateFileNameSplit)[0]
	patchVersion, err := strconv.Atoi(rawPatchVersion)
	if err != nil {
		return "", errors.Wrapf(err, "failed to convert patch version to int: %s", rawPatchVersion)
	}
	return fmt.Sprintf("%s.%d", minorVersion, patchVersion+1), nil
}

func (s *Store) getDatabaseSchemaVersion(ctx context.Context) (string, error) {
	var value string
	query := "SELECT value FROM system_setting WHERE name = " + s.placeholder(1)
	err := s.driver.GetDB().QueryRowContext(ctx, query, schemaVersionKey).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

func (s *Store) updateCurrentSchemaVersion(ctx context.Context, tx *sql.Tx, schemaVersion string) error {
	stmt := "INSERT INTO system_setting (name, value) VALUES (" + s.placeholder(1) + ", " + s.placeholder(2) + ") " +
		"ON CONFLICT (name) DO UPDATE SET value = EXCLUDED.value"
	if _, err := tx.ExecContext(ctx, stmt, schemaVersionKey, schemaVersion); err != nil {
		return errors.Wrap(err, "failed to upsert schema version")
	}
	return nil
}

func (s *Store) placeholder(n int) string {
	if s.dialect() == "postgres" {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

// execute runs a SQL script inside tx. PostgreSQL gets one statement per call.
func (s *Store) execute(ctx context.Context, tx *sql.Tx, stmt string) error {
	if s.dialect() == "postgres" {
		return s.executeMultiStmt(ctx, tx, stmt)
	}
	if _, err := tx.ExecContext(ctx, stmt); err != nil {
		return errors.Wrap(err, "failed to execute statement")
	}
	return nil
}

// executeMultiStmt runs each statement of a script separately.
func (s *Store) executeMultiStmt(ctx context.Context, tx *sql.Tx, script string) error {
	for i, stmt := range splitStatements(script) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "failed to execute statement %d: %s", i+1, stmt)
		}
	}
	return nil
}

// splitStatements splits a script on semicolons outside single-quoted literals.
// Line comments are dropped. Dollar-quoted bodies are not supported.
func splitStatements(script string) []string {
	var (
		statements []string
		current    strings.Builder
		inQuote    bool
	)
	flush := func() {
		if stmt := strings.TrimSpace(current.String()); stmt != "" {
			statements = append(statements, stmt)
		}
		current.Reset()
	}

	for _, line := range strings.Split(script, "\n") {
		for i := 0; i < len(line); i++ {
			ch := line[i]
			switch {
			case ch == '\'':
				inQuote = !inQuote
			case inQuote:
			case ch == '-' && i+1 < len(line) && line[i+1] == '-':
				i = len(line)
				continue
			case ch == ';':
				current.WriteByte(ch)
				flush()
				continue
			}
			current.WriteByte(ch)
		}
		current.WriteByte('\n')
	}
	flush()
	return statements
}
