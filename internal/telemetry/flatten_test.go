package telemetry

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, s string) *Node {
	t.Helper()
	n, err := Parse([]byte(s))
	require.NoError(t, err)
	return n
}

func TestFlatten(t *testing.T) {
	doc := mustParse(t, `{
		"a": 1,
		"b": {"c": "x", "d": {"e": true}},
		"list": [10, 20],
		"objs": [{"p": 1}, {"p": 2, "q": null}],
		"mixed": [{"p": 1}, 5],
		"grid": [[1, 2], [3]],
		"empty": {},
		"none": []
	}`)

	row, err := Flatten(doc, "", DefaultSeparator)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"a",
		"b_c", "b_d_e",
		"list_0", "list_1",
		"objs_0_p", "objs_1_p", "objs_1_q",
		"mixed_0_p", "mixed_1",
		"grid_0_0", "grid_0_1", "grid_1_0",
	}, row.Keys())

	v, _ := row.Get("b_d_e")
	assert.Equal(t, Bool(true), v)
	v, _ = row.Get("objs_1_p")
	assert.Equal(t, Int(2), v)
	v, _ = row.Get("objs_1_q")
	assert.True(t, v.IsNull())
}

func TestFlattenPrefixAndSeparator(t *testing.T) {
	doc := mustParse(t, `{"a":{"b":1},"c":[{"d":2}]}`)

	row, err := Flatten(doc, "root", ".")
	require.NoError(t, err)
	assert.Equal(t, []string{"root.a.b", "root.c_0.d"}, row.Keys())
}

func TestFlattenCollision(t *testing.T) {
	doc := mustParse(t, `{"a_b": 1, "a": {"b": 2}}`)

	_, err := Flatten(doc, "", DefaultSeparator)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCollision))

	var ce *CollisionError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "a_b", ce.Key)
	assert.Equal(t, "$.a_b", ce.First)
	assert.Equal(t, "$.a.b", ce.Second)
}

func TestFlattenListIndexCollision(t *testing.T) {
	doc := mustParse(t, `{"x_0": "direct", "x": ["indexed"]}`)

	_, err := Flatten(doc, "", DefaultSeparator)
	assert.True(t, errors.Is(err, ErrCollision))
}

// randomTree builds a document whose keys are purely alphabetic, so no two
// leaf paths can be ambiguous under "_" joining. It returns the tree and
// the number of leaves it holds.
func randomTree(r *rand.Rand, depth int) (*Node, int) {
	if depth == 0 || r.Intn(4) == 0 {
		switch r.Intn(4) {
		case 0:
			return &Node{Kind: NodeScalar, Scalar: Int(r.Int63())}, 1
		case 1:
			return &Node{Kind: NodeScalar, Scalar: Float(r.Float64())}, 1
		case 2:
			return &Node{Kind: NodeScalar, Scalar: String("s")}, 1
		default:
			return &Node{Kind: NodeScalar, Scalar: Null()}, 1
		}
	}

	if r.Intn(3) == 0 {
		n := &Node{Kind: NodeArray}
		leaves := 0
		for i := r.Intn(4); i > 0; i-- {
			child, l := randomTree(r, depth-1)
			n.Items = append(n.Items, child)
			leaves += l
		}
		return n, leaves
	}

	n := &Node{Kind: NodeObject}
	seen := map[string]bool{}
	leaves := 0
	for i := r.Intn(5); i > 0; i-- {
		key := randomKey(r)
		if seen[key] {
			continue
		}
		seen[key] = true
		child, l := randomTree(r, depth-1)
		n.Members = append(n.Members, Member{Key: key, Value: child})
		leaves += l
	}
	return n, leaves
}

func randomKey(r *rand.Rand) string {
	const letters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	b := make([]byte, 1+r.Intn(6))
	for i := range b {
		b[i] = letters[r.Intn(len(letters))]
	}
	return string(b)
}

func TestProperty_FlattenInjective(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("every leaf of an unambiguous document gets its own key", prop.ForAll(
		func(seed int64) bool {
			r := rand.New(rand.NewSource(seed))
			doc, leaves := randomTree(r, 5)
			if doc.Kind != NodeObject {
				doc = &Node{Kind: NodeObject, Members: []Member{{Key: "root", Value: doc}}}
			}

			row, err := Flatten(doc, "", DefaultSeparator)
			if err != nil {
				return false
			}
			return row.Len() == leaves && len(row.Map()) == leaves
		},
		gen.Int64(),
	))

	properties.Property("flattening is deterministic", prop.ForAll(
		func(seed int64) bool {
			doc, _ := randomTree(rand.New(rand.NewSource(seed)), 4)
			a, errA := Flatten(doc, "p", DefaultSeparator)
			b, errB := Flatten(doc, "p", DefaultSeparator)
			if errA != nil || errB != nil {
				return false
			}
			if a.Len() != b.Len() {
				return false
			}
			for i, f := range a.Fields() {
				if b.Fields()[i] != f {
					return false
				}
			}
			return true
		},
		gen.Int64(),
	))

	properties.TestingRun(t)
}
