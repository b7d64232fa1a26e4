package database

import "testing"

func TestPgx5URL(t *testing.T) {
	cases := map[string]string{
		"postgres://u:p@localhost:5432/db": "pgx5://u:p@localhost:5432/db",
		"postgresql://u@db/giftledger":     "pgx5://u@db/giftledger",
		"pgx5://already/rewritten":         "pgx5://already/rewritten",
	}
	for in, want := range cases {
		if got := pgx5URL(in); got != want {
			t.Errorf("pgx5URL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		t.Fatalf("read embedded migrations: %v", err)
	}
	if len(entries) < 2 {
		t.Fatalf("expected up and down migrations, got %d files", len(entries))
	}
}
