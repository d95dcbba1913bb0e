package zgraph

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// withPlugins returns a registry whose entity named entity carries plugins.
func withPlugins(t *testing.T, entity string, plugins ...any) *Registry {
	return newTestRegistry(t, func(def *EntityDef) {
		if def.Name == entity {
			def.Plugins = append(def.Plugins, plugins...)
		}
	})
}

func TestHooks_FetchQueryRewrite(t *testing.T) {
	var seen []Operation
	reg := withPlugins(t, "Animal",
		BeforeFunc(func(_ context.Context, ev *HookEvent) error {
			seen = append(seen, ev.Op)
			ev.Query.Where("species", "dog")
			return nil
		}),
		AfterFunc(func(_ context.Context, ev *HookEvent) error {
			for _, n := range ev.Nodes {
				n.Set("seen", true)
			}
			return nil
		}),
	)
	c, db := newTestClient(t, reg)
	seed(t, db)

	for _, s := range []Strategy{SeparateQueries, JoinedQuery} {
		t.Run(s.String(), func(t *testing.T) {
			jen, err := c.FindByID(context.Background(), "Person", 1, "pets", WithStrategy(s))
			require.NoError(t, err)
			require.Len(t, jen.Related("pets"), 1)
			assert.Equal(t, "Doggo", jen.Related("pets")[0].Get("name"))
			assert.Equal(t, true, jen.Related("pets")[0].Get("seen"))
		})
	}
	assert.Equal(t, []Operation{OpFetch, OpFetch}, seen)
}

func TestHooks_FetchVeto(t *testing.T) {
	veto := BeforeFunc(func(context.Context, *HookEvent) error { return ErrCancel })

	t.Run("relation", func(t *testing.T) {
		c, db := newTestClient(t, withPlugins(t, "Animal", veto))
		seed(t, db)
		for _, s := range []Strategy{SeparateQueries, JoinedQuery} {
			jen, err := c.FindByID(context.Background(), "Person", 1, "[pets, movies]", WithStrategy(s))
			require.NoError(t, err)
			assert.True(t, jen.Loaded("pets"))
			assert.Empty(t, jen.Related("pets"))
			assert.Len(t, jen.Related("movies"), 2)
		}
	})

	t.Run("root", func(t *testing.T) {
		c, db := newTestClient(t, withPlugins(t, "Person", veto))
		seed(t, db)
		people, err := c.Fetch(context.Background(), "Person", nil, "pets")
		require.NoError(t, err)
		assert.Empty(t, people)
	})
}

func TestHooks_InsertDefaultsAndAfter(t *testing.T) {
	var ids []any
	reg := withPlugins(t, "Animal",
		BeforeFunc(func(_ context.Context, ev *HookEvent) error {
			if ev.Op == OpInsert && ev.Nodes[0].Get("species") == nil {
				ev.Nodes[0].Set("species", "unknown")
			}
			return nil
		}),
		AfterFunc(func(_ context.Context, ev *HookEvent) error {
			if ev.Op == OpInsert {
				ids = append(ids, ev.Nodes[0].Get("id"))
			}
			return nil
		}),
	)
	c, db := newTestClient(t, reg)

	n := NewNode(map[string]any{"firstName": "A"}).With("pets", NewNode(map[string]any{"name": "Spot"}))
	_, err := c.InsertOne(context.Background(), "Person", n)
	require.NoError(t, err)

	require.Len(t, ids, 1)
	assert.NotNil(t, ids[0])
	assert.Equal(t, 1, countRows(t, db, "animals WHERE species = 'unknown'"))
}

func TestHooks_InsertVetoFailsTheWrite(t *testing.T) {
	reg := withPlugins(t, "Animal", BeforeFunc(func(_ context.Context, ev *HookEvent) error {
		if ev.Op == OpInsert {
			return ErrCancel
		}
		return nil
	}))
	c, db := newTestClient(t, reg)

	n := NewNode(map[string]any{"firstName": "A"}).With("pets", NewNode(map[string]any{"name": "Spot"}))
	_, err := c.InsertOne(context.Background(), "Person", n)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCancel))

	var ce *CancelledError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "Animal", ce.Entity)
	assert.Equal(t, OpInsert, ce.Op)
	assert.Equal(t, 0, countRows(t, db, "people"))
}

func TestHooks_UpdateAndDeleteVeto(t *testing.T) {
	var patches []map[string]any
	reg := withPlugins(t, "Animal", BeforeFunc(func(_ context.Context, ev *HookEvent) error {
		switch ev.Op {
		case OpUpdate:
			patches = append(patches, ev.Patch)
			if _, renaming := ev.Patch["name"]; renaming {
				return ErrCancel
			}
		case OpDelete:
			return ErrCancel
		}
		return nil
	}))
	c, db := newTestClient(t, reg)
	seed(t, db)

	jen := NewNode(map[string]any{"id": 1}).With("pets", NewNode(map[string]any{"id": 1, "name": "Renamed"}))
	_, err := c.UpsertOne(context.Background(), "Person", jen)
	require.NoError(t, err)

	require.Len(t, patches, 1)
	assert.Equal(t, map[string]any{"name": "Renamed"}, patches[0])
	assert.Equal(t, 1, countRows(t, db, "animals WHERE name = 'Doggo'"))
	assert.Equal(t, 1, countRows(t, db, "animals WHERE name = 'Kat'"), "the vetoed delete is skipped")
}

func TestHooks_AfterErrorRollsBack(t *testing.T) {
	boom := errors.New("boom")
	reg := withPlugins(t, "Animal", AfterFunc(func(_ context.Context, ev *HookEvent) error {
		if ev.Op == OpInsert {
			return boom
		}
		return nil
	}))
	c, db := newTestClient(t, reg)

	n := NewNode(map[string]any{"firstName": "A"}).With("pets", NewNode(map[string]any{"name": "Spot"}))
	_, err := c.InsertOne(context.Background(), "Person", n)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 0, countRows(t, db, "people"))
	assert.Equal(t, 0, countRows(t, db, "animals"))
}

func TestValidators(t *testing.T) {
	trim := ValidatorFunc(func(_ context.Context, args *ValidateArgs) (map[string]any, error) {
		if s, ok := args.Data["name"].(string); ok {
			args.Data["name"] = strings.TrimSpace(s)
		}
		return args.Data, nil
	})
	c, db := newTestClient(t, withPlugins(t, "Animal", trim, RequireFields("name")))
	seed(t, db)
	ctx := context.Background()

	t.Run("transform", func(t *testing.T) {
		n := NewNode(map[string]any{"firstName": "A"}).With("pets", NewNode(map[string]any{"name": "  Spot  "}))
		_, err := c.InsertOne(ctx, "Person", n)
		require.NoError(t, err)
		assert.Equal(t, "Spot", n.One("pets").Get("name"))
		assert.Equal(t, 1, countRows(t, db, "animals WHERE name = 'Spot'"))
	})

	t.Run("insert missing field", func(t *testing.T) {
		n := NewNode(map[string]any{"firstName": "B"}).With("pets", NewNode(map[string]any{"name": "   "}))
		_, err := c.InsertOne(ctx, "Person", n)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrValidation))

		var ve *ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, "Animal", ve.Entity)
		assert.Equal(t, 0, countRows(t, db, "people WHERE first_name = 'B'"))
	})

	t.Run("update leaves unchanged fields alone", func(t *testing.T) {
		jen := NewNode(map[string]any{"id": 1}).
			With("pets", NewNode(map[string]any{"id": 1, "species": "wolf"}), NewNode(map[string]any{"id": 2}))
		_, err := c.UpsertOne(ctx, "Person", jen)
		require.NoError(t, err)
		assert.Equal(t, 1, countRows(t, db, "animals WHERE name = 'Doggo' AND species = 'wolf'"))
	})

	t.Run("update clearing field", func(t *testing.T) {
		jen := NewNode(map[string]any{"id": 1}).
			With("pets", NewNode(map[string]any{"id": 1, "name": nil}), NewNode(map[string]any{"id": 2}))
		_, err := c.UpsertOne(ctx, "Person", jen)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrValidation))
	})
}
