package db

import (
	"strings"
	"testing"
)

func TestMigrations_OrderedAndNonEmpty(t *testing.T) {
	migrations, err := Migrations()
	if err != nil {
		t.Fatalf("load migrations: %v", err)
	}
	if len(migrations) < 2 {
		t.Fatalf("expected at least two migrations, got %d", len(migrations))
	}
	for i, m := range migrations {
		if strings.TrimSpace(m.SQL) == "" {
			t.Fatalf("migration %s is empty", m.Version)
		}
		if i > 0 && migrations[i-1].Version >= m.Version {
			t.Fatalf("migrations out of order: %s before %s", migrations[i-1].Version, m.Version)
		}
	}
	if !strings.Contains(migrations[0].SQL, "listing_credentials") {
		t.Fatal("expected initial migration to create listing_credentials")
	}
	var all strings.Builder
	for _, m := range migrations {
		all.WriteString(m.SQL)
	}
	if !strings.Contains(all.String(), "CREATE UNIQUE INDEX IF NOT EXISTS logs_deadline_overdue_once") {
		t.Fatal("expected a unique index guarding deadline_overdue flags")
	}
}
