// Package database provides connection setup for MariaDB and Redis.
// This file validates migration SQL files to catch schema mismatches early.
package database

import (
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"testing"
)

// validUserRoles must match the ENUM values on users.role. Update this set
// when adding new ENUM values via ALTER TABLE.
// Current ENUM: ENUM('admin', 'editor', 'viewer')
// Defined in 000001.
var validUserRoles = map[string]bool{
	"admin":  true,
	"editor": true,
	"viewer": true,
}

// migrationsDir returns the absolute path to db/migrations/ from the project root.
func migrationsDir(t *testing.T) string {
	t.Helper()
	_, thisFile, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("cannot determine test file path")
	}
	// thisFile is internal/database/migrate_test.go, project root is two dirs up.
	projectRoot := filepath.Join(filepath.Dir(thisFile), "..", "..")
	dir := filepath.Join(projectRoot, "db", "migrations")
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("migrations directory not found at %s: %v", dir, err)
	}
	return dir
}

// TestMigrations_UserRoleValues scans all .up.sql migration files for INSERT
// or UPDATE statements that reference the users table and validates that any
// role values used are valid ENUM members. This prevents the "Data truncated
// for column 'role'" crash (Error 1265) that occurs when an invalid ENUM
// value is used.
func TestMigrations_UserRoleValues(t *testing.T) {
	dir := migrationsDir(t)
	files, err := filepath.Glob(filepath.Join(dir, "*.up.sql"))
	if err != nil {
		t.Fatalf("globbing migration files: %v", err)
	}
	if len(files) == 0 {
		t.Fatal("no migration files found")
	}

	// Match role = 'value' or role, ... 'value' patterns.
	rolePattern := regexp.MustCompile(`role\s*[=,]\s*'([^']+)'`)

	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			t.Fatalf("reading %s: %v", f, err)
		}
		content := string(data)

		// Only check files that reference the users table.
		if !strings.Contains(content, "users") {
			continue
		}

		// Skip ALTER TABLE and CREATE TABLE statements (they define the
		// ENUM, not use it). We only care about INSERT/UPDATE statements.
		lines := strings.Split(content, "\n")
		inDDL := false
		for _, line := range lines {
			trimmed := strings.TrimSpace(strings.ToUpper(line))
			if strings.HasPrefix(trimmed, "ALTER TABLE") || strings.HasPrefix(trimmed, "CREATE TABLE") {
				inDDL = true
			}
			if inDDL {
				if strings.Contains(line, ";") {
					inDDL = false
				}
				continue
			}

			matches := rolePattern.FindAllStringSubmatch(line, -1)
			for _, match := range matches {
				value := match[1]
				if !validUserRoles[value] {
					t.Errorf("%s: invalid user role %q; valid values: admin, editor, viewer",
						filepath.Base(f), value)
				}
			}
		}
	}
}

// TestMigrations_UpDownPairs ensures every .up.sql has a matching .down.sql.
func TestMigrations_UpDownPairs(t *testing.T) {
	dir := migrationsDir(t)
	upFiles, err := filepath.Glob(filepath.Join(dir, "*.up.sql"))
	if err != nil {
		t.Fatalf("globbing up files: %v", err)
	}

	for _, up := range upFiles {
		down := strings.Replace(up, ".up.sql", ".down.sql", 1)
		if _, err := os.Stat(down); err != nil {
			t.Errorf("missing down migration for %s", filepath.Base(up))
		}
	}
}
