package store

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
)

var (
	createTablePattern = regexp.MustCompile(`(?i)CREATE TABLE IF NOT EXISTS (\w+)`)
	dropTablePattern   = regexp.MustCompile(`(?i)DROP TABLE IF EXISTS (\w+)`)
)

func migrationsDir() string {
	return filepath.Join("..", "..", "db", "migrations")
}

// Every up migration needs a down file that drops the tables it creates, and
// versions are numbered 0001, 0002, ... without gaps.
func TestEachUpMigrationIsReversible(t *testing.T) {
	ups, err := upMigrationFiles(migrationsDir())
	if err != nil {
		t.Fatalf("list migrations: %v", err)
	}
	if len(ups) == 0 {
		t.Fatal("no migrations discovered")
	}

	for i, up := range ups {
		base := filepath.Base(up)
		if want := fmt.Sprintf("%04d_", i+1); !strings.HasPrefix(base, want) {
			t.Fatalf("migration %s out of sequence, expected prefix %s", base, want)
		}

		upSQL, err := os.ReadFile(up)
		if err != nil {
			t.Fatalf("read %s: %v", base, err)
		}
		down := strings.TrimSuffix(up, ".up.sql") + ".down.sql"
		downSQL, err := os.ReadFile(down)
		if err != nil {
			t.Fatalf("%s has no down migration: %v", base, err)
		}

		dropped := map[string]bool{}
		for _, m := range dropTablePattern.FindAllStringSubmatch(string(downSQL), -1) {
			dropped[strings.ToLower(m[1])] = true
		}
		for _, m := range createTablePattern.FindAllStringSubmatch(string(upSQL), -1) {
			if !dropped[strings.ToLower(m[1])] {
				t.Errorf("%s creates %s but its down migration does not drop it", base, m[1])
			}
		}
	}
}

func TestDownMigrationsHaveNoOrphans(t *testing.T) {
	matches, err := filepath.Glob(filepath.Join(migrationsDir(), "*.down.sql"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	for _, down := range matches {
		up := strings.TrimSuffix(down, ".down.sql") + ".up.sql"
		if _, err := os.Stat(up); err != nil {
			t.Errorf("%s has no matching up migration", filepath.Base(down))
		}
	}
}
