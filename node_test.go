package zgraph

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKey(t *testing.T) {
	assert.True(t, K(1).Equal(K(int64(1))))
	assert.True(t, K(1.0).Equal(K(int32(1))))
	assert.True(t, K(7, "a").Equal(K(int64(7), []byte("a"))))
	assert.False(t, K(1).Equal(K(1, 2)))
	assert.False(t, K(1).Equal(K(2)))
	assert.False(t, K(nil).Equal(K(0)))

	assert.Equal(t, "n2:12|s2:ab", K(12, "ab").String())
	assert.Equal(t, K(12, "ab").String(), K(uint8(12), []byte("ab")).String())
	assert.Equal(t, "-|n1:1", K(nil, 1).String())
	assert.NotEqual(t, K("1|1").String(), K("1", "1").String(), "parts are length prefixed")

	// Text and numbers never collide; booleans are stored as numbers.
	assert.NotEqual(t, K("1").String(), K(1).String())
	assert.False(t, K("1").Equal(K(1)))
	assert.False(t, K([]byte("12")).Equal(K(int64(12))))
	assert.NotEqual(t, K("true").String(), K(true).String())
	assert.Equal(t, K(1).String(), K(true).String())
	assert.Equal(t, K(2.0).String(), K(uint64(2)).String())
	assert.True(t, sameValue("50", 50), "column values compare by text")

	assert.True(t, K(1, "a").Complete())
	assert.False(t, K(1, nil).Complete())
	assert.False(t, K().Complete())

	assert.Equal(t, Key{5}, toKey(5))
	assert.Equal(t, Key{1, 2}, toKey([]any{1, 2}))
	assert.Nil(t, toKey(nil))

	k, ok := keyOf(map[string]any{"tenantId": 1, "orderNo": 2}, []string{"tenantId", "orderNo"})
	require.True(t, ok)
	assert.Equal(t, Key{1, 2}, k)
	_, ok = keyOf(map[string]any{"tenantId": 1, "orderNo": nil}, []string{"tenantId", "orderNo"})
	assert.False(t, ok)
}

func TestNode_Relations(t *testing.T) {
	n := NewNode(nil).Set("firstName", "Jennifer")
	assert.False(t, n.Loaded("pets"))
	assert.Nil(t, n.One("parent"))

	n.With("pets", NewNode(map[string]any{"name": "Doggo"})).
		With("pets", NewNode(map[string]any{"name": "Kat"})).
		SetOne("parent", nil)

	assert.Len(t, n.Related("pets"), 2)
	assert.True(t, n.Loaded("parent"))
	assert.Empty(t, n.Related("parent"))
	assert.Nil(t, n.One("parent"))

	mom := NewNode(map[string]any{"firstName": "Mom"})
	n.SetOne("parent", mom)
	assert.Same(t, mom, n.One("parent"))

	assert.Equal(t, "mom", RefNode("mom").Ref)
	assert.Equal(t, Key{1, 2}, DBRefNode(1, 2).DBRef)
}

func TestNode_ToMap(t *testing.T) {
	person := newTestRegistry(t, nil).mustResolve(t, "Person")

	n := NewNode(map[string]any{"firstName": "Jennifer"}).WithID("jen").
		With("pets", NewNode(map[string]any{"name": "Doggo"})).
		With("movies", DBRefNode(1)).
		SetOne("parent", nil)

	m := n.ToMap(person)
	assert.Equal(t, "Jennifer", m["firstName"])
	assert.Equal(t, "jen", m[MarkerID])
	assert.Nil(t, m["parent"])
	assert.Equal(t, []any{map[string]any{"name": "Doggo"}}, m["pets"])
	assert.Equal(t, []any{map[string]any{MarkerDBRef: []any{1}}}, m["movies"])

	n.SetOne("parent", NewNode(map[string]any{"firstName": "Mom"}))
	assert.Equal(t, map[string]any{"firstName": "Mom"}, n.ToMap(person)["parent"])
	assert.Equal(t, []any{map[string]any{"firstName": "Mom"}}, n.ToMap(nil)["parent"], "without an entity every relation is a list")

	n.Props["firstName"] = "changed"
	assert.Equal(t, "Jennifer", m["firstName"], "props are copied")
}

func TestNode_ToMapCycle(t *testing.T) {
	a := NewNode(map[string]any{"firstName": "A"})
	b := NewNode(map[string]any{"firstName": "B"})
	a.With("children", b)
	b.With("children", a)

	m := a.ToMap(nil)
	child := m["children"].([]any)[0].(map[string]any)
	back := child["children"].([]any)[0].(map[string]any)
	assert.Equal(t, "A", back["firstName"])
	assert.NotContains(t, back, "children", "a node already being rendered stops the recursion")
}

func TestDecodeGraph(t *testing.T) {
	reg := newTestRegistry(t, nil)

	nodes, err := reg.DecodeGraph("Person", []byte(`[
		{
			"#id": "mom",
			"firstName": "Jennifer",
			"age": 50,
			"pets": [{"name": "Doggo", "species": "dog"}],
			"movies": [{"#dbRef": [1], "role": "Rachel"}]
		},
		{"FirstName": "Emma", "parent": {"#ref": "mom"}, "children": null, "score": 1.5}
	]`))
	require.NoError(t, err)
	require.Len(t, nodes, 2)

	jen, emma := nodes[0], nodes[1]
	assert.Equal(t, "mom", jen.ID)
	assert.Equal(t, int64(50), jen.Get("age"))
	require.Len(t, jen.Related("pets"), 1)
	assert.Equal(t, "dog", jen.Related("pets")[0].Get("species"))
	movie := jen.Related("movies")[0]
	assert.Equal(t, Key{int64(1)}, movie.DBRef)
	assert.Equal(t, "Rachel", movie.Get("role"))

	assert.Equal(t, "Emma", emma.Get("firstName"), "keys match columns case insensitively")
	assert.Equal(t, "mom", emma.One("parent").Ref)
	assert.True(t, emma.Loaded("children"), "null is an empty relation")
	assert.Empty(t, emma.Related("children"))
	assert.Equal(t, 1.5, emma.Get("score"))

	single, err := reg.DecodeGraph("Movie", []byte(`{"name": "Friends"}`))
	require.NoError(t, err)
	require.Len(t, single, 1)
	assert.Equal(t, "Friends", single[0].Get("name"))
}

func TestDecodeGraph_Errors(t *testing.T) {
	reg := newTestRegistry(t, nil)

	_, err := reg.DecodeGraph("Dragon", []byte(`{}`))
	assert.True(t, errors.Is(err, ErrUnknownEntity))

	for _, input := range []string{`"x"`, `[1]`, `{"pets": [2]}`, `{"firstName":`} {
		_, err := reg.DecodeGraph("Person", []byte(input))
		assert.Error(t, err, input)
	}
}

func TestNodeFromStruct_Maps(t *testing.T) {
	person := newTestRegistry(t, nil).mustResolve(t, "Person")

	n, err := NodeFromStruct(person, map[string]any{
		"FirstName": "Jennifer",
		"id":        0,
		"pets":      nil,
		"children":  []map[string]any{{"firstName": "Emma"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "Jennifer", n.Get("firstName"))
	assert.NotContains(t, n.Props, "id")
	assert.False(t, n.Loaded("pets"))
	require.Len(t, n.Related("children"), 1)
	assert.Equal(t, "Emma", n.Related("children")[0].Get("firstName"))

	_, err = NodeFromStruct(person, 5)
	assert.Error(t, err)
	_, err = NodeFromStruct(person, (*schemaPerson)(nil))
	assert.Error(t, err)
}
