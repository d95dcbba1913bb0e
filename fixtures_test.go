package zgraph

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

const testSchema = `
CREATE TABLE people (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	first_name TEXT,
	last_name  TEXT,
	age        INTEGER,
	parent_id  INTEGER REFERENCES people(id)
);
CREATE TABLE animals (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	name     TEXT NOT NULL,
	species  TEXT,
	owner_id INTEGER REFERENCES people(id)
);
CREATE TABLE movies (
	id   INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE
);
CREATE TABLE persons_movies (
	person_id INTEGER NOT NULL REFERENCES people(id),
	movie_id  INTEGER NOT NULL REFERENCES movies(id),
	role      TEXT,
	PRIMARY KEY (person_id, movie_id)
);
CREATE TABLE orders (
	tenant_id INTEGER NOT NULL,
	order_no  INTEGER NOT NULL,
	note      TEXT,
	PRIMARY KEY (tenant_id, order_no)
);
CREATE TABLE lines (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	tenant_id INTEGER NOT NULL,
	order_no  INTEGER NOT NULL,
	sku       TEXT NOT NULL,
	FOREIGN KEY (tenant_id, order_no) REFERENCES orders(tenant_id, order_no)
);
`

// testDefs declares the entities of the test schema. Person, Animal and
// Movie follow the usual people/pets/movies example; Order and Line have a
// composite key.
func testDefs() []EntityDef {
	return []EntityDef{
		{
			Name:    "Person",
			Columns: []string{"firstName", "lastName", "age"},
			Relations: []RelationDef{
				{Name: "pets", Kind: HasMany, Target: "Animal", From: []string{"id"}, To: []string{"ownerId"}},
				{Name: "parent", Kind: BelongsToOne, Target: "Person", From: []string{"parentId"}, To: []string{"id"}},
				{Name: "children", Kind: HasMany, Target: "Person", From: []string{"id"}, To: []string{"parentId"}},
				{
					Name: "movies", Kind: ManyToMany, Target: "Movie", From: []string{"id"}, To: []string{"id"},
					Through: &ThroughDef{Table: "persons_movies", From: []string{"person_id"}, To: []string{"movie_id"}, Extra: []string{"role"}},
				},
			},
			Modifiers: map[string]Modifier{
				"adults": func(q *Query) { q.WhereOp("age", ">=", 18) },
			},
		},
		{
			Name:    "Animal",
			Columns: []string{"name", "species"},
			Relations: []RelationDef{
				{Name: "owner", Kind: BelongsToOne, Target: "Person", From: []string{"ownerId"}, To: []string{"id"}},
			},
			Modifiers: map[string]Modifier{
				"onlyDogs": func(q *Query) { q.Where("species", "dog") },
				"byName":   func(q *Query) { q.OrderBy("name", ASC) },
			},
		},
		{
			Name:    "Movie",
			Columns: []string{"name"},
			Relations: []RelationDef{
				{
					Name: "actors", Kind: ManyToMany, Target: "Person", From: []string{"id"}, To: []string{"id"},
					Through: &ThroughDef{Table: "persons_movies", From: []string{"movie_id"}, To: []string{"person_id"}, Extra: []string{"role"}},
				},
			},
		},
		{
			Name:      "Order",
			IDColumns: []string{"tenantId", "orderNo"},
			Columns:   []string{"note"},
			Relations: []RelationDef{
				{Name: "lines", Kind: HasMany, Target: "Line", From: []string{"tenantId", "orderNo"}, To: []string{"tenantId", "orderNo"}},
			},
		},
		{
			Name:    "Line",
			Columns: []string{"sku"},
			Relations: []RelationDef{
				{Name: "order", Kind: BelongsToOne, Target: "Order", From: []string{"tenantId", "orderNo"}, To: []string{"tenantId", "orderNo"}},
			},
		},
	}
}

// newTestRegistry registers testDefs. mutate, when given, may adjust a def
// before it is registered.
func newTestRegistry(t testing.TB, mutate func(def *EntityDef)) *Registry {
	t.Helper()
	reg := NewRegistry()
	for _, def := range testDefs() {
		if mutate != nil {
			mutate(&def)
		}
		require.NoError(t, reg.Register(def))
	}
	require.NoError(t, reg.Freeze())
	return reg
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// openTestDB opens an in-memory SQLite database holding testSchema. A
// single connection keeps every statement on the same database.
func openTestDB(t testing.TB) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:?_foreign_keys=1")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(testSchema)
	require.NoError(t, err)
	return db
}

func newTestClient(t testing.TB, reg *Registry, opts ...Option) (*Client, *sql.DB) {
	t.Helper()
	if reg == nil {
		reg = newTestRegistry(t, nil)
	}
	db := openTestDB(t)
	opts = append([]Option{WithLogger(discardLogger())}, opts...)
	c := NewClient(db, SQLite, reg, opts...)
	t.Cleanup(func() { c.Close() })
	return c, db
}

// seed inserts a small graph with plain SQL:
//
//	1 Jennifer Aniston (50)
//	  pets: 1 Doggo (dog), 2 Kat (cat)
//	  movies: 1 Friends (Rachel), 2 Office Space (Joanna)
//	  children: 3 Emma (8)
//	2 Brad Pitt (55)
//	  pets: 3 Rex (dog)
//	  movies: 1 Friends (Will)
func seed(t testing.TB, db *sql.DB) {
	t.Helper()
	stmts := []string{
		`INSERT INTO people (id, first_name, last_name, age) VALUES (1, 'Jennifer', 'Aniston', 50), (2, 'Brad', 'Pitt', 55)`,
		`INSERT INTO people (id, first_name, last_name, age, parent_id) VALUES (3, 'Emma', 'Aniston', 8, 1)`,
		`INSERT INTO animals (id, name, species, owner_id) VALUES (1, 'Doggo', 'dog', 1), (2, 'Kat', 'cat', 1), (3, 'Rex', 'dog', 2)`,
		`INSERT INTO movies (id, name) VALUES (1, 'Friends'), (2, 'Office Space')`,
		`INSERT INTO persons_movies (person_id, movie_id, role) VALUES (1, 1, 'Rachel'), (1, 2, 'Joanna'), (2, 1, 'Will')`,
	}
	for _, s := range stmts {
		_, err := db.Exec(s)
		require.NoError(t, err, s)
	}
}

func countRows(t testing.TB, db *sql.DB, table string) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRowContext(context.Background(), "SELECT COUNT(*) FROM "+table).Scan(&n))
	return n
}

func names(nodes []*Node, prop string) []any {
	out := make([]any, len(nodes))
	for i, n := range nodes {
		out[i] = n.Props[prop]
	}
	return out
}
