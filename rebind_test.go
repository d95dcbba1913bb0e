package zgraph

import "testing"

func TestRebind(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "Simple",
			input:    "SELECT * FROM people WHERE id = ?",
			expected: "SELECT * FROM people WHERE id = $1",
		},
		{
			name:     "Tuple",
			input:    "SELECT * FROM people WHERE (a, b) IN ((?, ?), (?, ?))",
			expected: "SELECT * FROM people WHERE (a, b) IN (($1, $2), ($3, $4))",
		},
		{
			name:     "Inside Quotes",
			input:    "SELECT * FROM people WHERE name = 'Question?' AND age = ?",
			expected: "SELECT * FROM people WHERE name = 'Question?' AND age = $1",
		},
		{
			name:     "Quoted Alias",
			input:    `SELECT t1.id AS "pets:id?" FROM pets AS t1 WHERE t1.owner_id = ?`,
			expected: `SELECT t1.id AS "pets:id?" FROM pets AS t1 WHERE t1.owner_id = $1`,
		},
		{
			name:     "Empty",
			input:    "",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := rebind(tt.input)
			if got != tt.expected {
				t.Errorf("rebind() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestDialectRebind(t *testing.T) {
	q := "SELECT * FROM people WHERE id = ?"
	if got := MySQL.Rebind(q); got != q {
		t.Errorf("MySQL.Rebind() = %q, want unchanged", got)
	}
	if got := SQLite.Rebind(q); got != q {
		t.Errorf("SQLite.Rebind() = %q, want unchanged", got)
	}
	if got := Postgres.Rebind(q); got != "SELECT * FROM people WHERE id = $1" {
		t.Errorf("Postgres.Rebind() = %q", got)
	}
}

func TestDialectQuote(t *testing.T) {
	tests := []struct {
		d    *Dialect
		in   string
		want string
	}{
		{Postgres, "people", `"people"`},
		{Postgres, "t0.first_name", `"t0"."first_name"`},
		{MySQL, "people", "`people`"},
		{SQLite, `we"ird`, `"we""ird"`},
	}
	for _, tt := range tests {
		if got := tt.d.Quote(tt.in); got != tt.want {
			t.Errorf("%s.Quote(%q) = %q, want %q", tt.d.Name, tt.in, got, tt.want)
		}
	}
	if got := Postgres.QuoteAlias("pets.owner:id"); got != `"pets.owner:id"` {
		t.Errorf("QuoteAlias() = %q", got)
	}
}

func TestDialectFor(t *testing.T) {
	for name, want := range map[string]*Dialect{
		"postgres":   Postgres,
		"PostgreSQL": Postgres,
		"pgx":        Postgres,
		"mysql":      MySQL,
		"sqlite":     SQLite,
		"sqlite3":    SQLite,
	} {
		got, err := DialectFor(name)
		if err != nil {
			t.Fatalf("DialectFor(%q): %v", name, err)
		}
		if got != want {
			t.Errorf("DialectFor(%q) = %s, want %s", name, got.Name, want.Name)
		}
	}
	if _, err := DialectFor("oracle"); err == nil {
		t.Error("expected error for unknown dialect")
	}
}
