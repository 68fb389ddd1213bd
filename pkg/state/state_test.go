package state

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSchema(t *testing.T) *Schema {
	t.Helper()
	schema, err := NewSchema(
		FieldSpec{Name: "topic", Kind: KindString},
		FieldSpec{Name: "count", Kind: KindNumber},
		FieldSpec{Name: "done", Kind: KindBool},
		FieldSpec{Name: "results", Kind: KindList, Reducer: Append},
		FieldSpec{Name: "meta", Kind: KindMap, Reducer: MergeMaps},
	)
	require.NoError(t, err)
	return schema
}

func TestNewSchema_Defaults(t *testing.T) {
	schema, err := NewSchema(FieldSpec{Name: "x"})
	require.NoError(t, err)

	spec, ok := schema.Field("x")
	require.True(t, ok)
	assert.Equal(t, KindAny, spec.Kind)
	require.NotNil(t, spec.Reducer)

	v, err := spec.Reducer("old", "new")
	require.NoError(t, err)
	assert.Equal(t, "new", v)
}

func TestNewSchema_Rejections(t *testing.T) {
	_, err := NewSchema(FieldSpec{Name: ""})
	assert.Error(t, err)

	_, err = NewSchema(FieldSpec{Name: "a"}, FieldSpec{Name: "a"})
	assert.Error(t, err)

	_, err = NewSchema(FieldSpec{Name: "a", Kind: Kind("weird")})
	assert.Error(t, err)
}

func TestNewSchema_OrderPreserved(t *testing.T) {
	schema, err := NewSchema(
		FieldSpec{Name: "c"},
		FieldSpec{Name: "a"},
		FieldSpec{Name: "b"},
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a", "b"}, schema.Names())
}

func TestNew_ValidatesInitial(t *testing.T) {
	schema := testSchema(t)

	_, err := New(nil, nil)
	assert.ErrorIs(t, err, ErrNilSchema)

	_, err = New(schema, map[string]interface{}{"nope": 1})
	assert.ErrorIs(t, err, ErrUnknownField)

	_, err = New(schema, map[string]interface{}{"count": "ten"})
	assert.ErrorIs(t, err, ErrTypeMismatch)

	st, err := New(schema, map[string]interface{}{"topic": "go", "count": 3})
	require.NoError(t, err)

	v, ok := st.Get("topic")
	require.True(t, ok)
	assert.Equal(t, "go", v)
	assert.Equal(t, uint64(0), st.Version())
}

func TestMerge_ReplaceAndVersion(t *testing.T) {
	st, err := New(testSchema(t), nil)
	require.NoError(t, err)

	require.NoError(t, st.Merge(map[string]interface{}{"topic": "first"}))
	require.NoError(t, st.Merge(map[string]interface{}{"topic": "second"}))

	v, _ := st.Get("topic")
	assert.Equal(t, "second", v)
	assert.Equal(t, uint64(2), st.Version())
}

func TestMerge_AppendReducer(t *testing.T) {
	st, err := New(testSchema(t), nil)
	require.NoError(t, err)

	require.NoError(t, st.Merge(map[string]interface{}{"results": []interface{}{"a"}}))
	require.NoError(t, st.Merge(map[string]interface{}{"results": []string{"b", "c"}}))

	v, _ := st.Get("results")
	assert.Equal(t, []interface{}{"a", "b", "c"}, v)
}

func TestMerge_MergeMapsReducer(t *testing.T) {
	st, err := New(testSchema(t), nil)
	require.NoError(t, err)

	require.NoError(t, st.Merge(map[string]interface{}{"meta": map[string]interface{}{"a": 1, "b": 1}}))
	require.NoError(t, st.Merge(map[string]interface{}{"meta": map[string]interface{}{"b": 2, "c": 3}}))

	v, _ := st.Get("meta")
	assert.Equal(t, map[string]interface{}{"a": 1, "b": 2, "c": 3}, v)
}

func TestMerge_AllOrNothing(t *testing.T) {
	st, err := New(testSchema(t), map[string]interface{}{"topic": "keep", "count": 1})
	require.NoError(t, err)

	// "count" sorts before "topic", so the valid field is reduced first and
	// must still be discarded when the later field fails.
	err = st.Merge(map[string]interface{}{
		"count": 2,
		"topic": 42, // wrong kind
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTypeMismatch)

	v, _ := st.Get("count")
	assert.Equal(t, 1, v)
	v, _ = st.Get("topic")
	assert.Equal(t, "keep", v)
	assert.Equal(t, uint64(0), st.Version())
}

func TestMerge_UnknownField(t *testing.T) {
	st, err := New(testSchema(t), nil)
	require.NoError(t, err)

	err = st.Merge(map[string]interface{}{"missing": 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownField)

	var unknownErr *UnknownFieldError
	require.True(t, errors.As(err, &unknownErr))
	assert.Equal(t, "missing", unknownErr.Field)
}

func TestMerge_ReducerFailure(t *testing.T) {
	boom := errors.New("boom")
	schema, err := NewSchema(FieldSpec{
		Name: "x",
		Reducer: func(existing, incoming interface{}) (interface{}, error) {
			return nil, boom
		},
	})
	require.NoError(t, err)

	st, err := New(schema, nil)
	require.NoError(t, err)

	err = st.Merge(map[string]interface{}{"x": 1})
	require.Error(t, err)

	var reducerErr *ReducerError
	require.True(t, errors.As(err, &reducerErr))
	assert.Equal(t, "x", reducerErr.Field)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, uint64(0), st.Version())
}

func TestMergeAll_OrderAndVersion(t *testing.T) {
	st, err := New(testSchema(t), nil)
	require.NoError(t, err)

	err = st.MergeAll([]map[string]interface{}{
		{"results": []interface{}{"first"}, "topic": "a"},
		{"results": []interface{}{"second"}},
		{"results": []interface{}{"third"}, "topic": "b"},
	})
	require.NoError(t, err)

	v, _ := st.Get("results")
	assert.Equal(t, []interface{}{"first", "second", "third"}, v)
	v, _ = st.Get("topic")
	assert.Equal(t, "b", v)
	assert.Equal(t, uint64(3), st.Version())
}

func TestMergeAll_FailureDiscardsEverything(t *testing.T) {
	st, err := New(testSchema(t), nil)
	require.NoError(t, err)

	err = st.MergeAll([]map[string]interface{}{
		{"results": []interface{}{"kept?"}},
		{"count": "not a number"},
	})
	require.Error(t, err)

	_, ok := st.Get("results")
	assert.False(t, ok)
	assert.Equal(t, uint64(0), st.Version())
}

func TestMergeAll_EmptyUpdatesSkipped(t *testing.T) {
	st, err := New(testSchema(t), nil)
	require.NoError(t, err)

	err = st.MergeAll([]map[string]interface{}{
		{},
		{"count": 1},
		nil,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), st.Version())
}

func TestSnapshot_Isolation(t *testing.T) {
	st, err := New(testSchema(t), map[string]interface{}{"topic": "before"})
	require.NoError(t, err)

	view := st.Snapshot()
	require.NoError(t, st.Merge(map[string]interface{}{"topic": "after"}))

	v, _ := view.Get("topic")
	assert.Equal(t, "before", v)
	assert.Equal(t, uint64(0), view.Version())

	// Mutating the exported map must not leak back into the view.
	m := view.Map()
	m["topic"] = "tampered"
	v, _ = view.Get("topic")
	assert.Equal(t, "before", v)
}

func TestView_Overlay(t *testing.T) {
	st, err := New(testSchema(t), map[string]interface{}{"topic": "base", "count": 1})
	require.NoError(t, err)

	base := st.Snapshot()
	scoped := base.Overlay(map[string]interface{}{"topic": "scoped"})

	v, _ := scoped.Get("topic")
	assert.Equal(t, "scoped", v)
	v, _ = scoped.Get("count")
	assert.Equal(t, 1, v)

	// Base view is untouched.
	v, _ = base.Get("topic")
	assert.Equal(t, "base", v)

	// Empty overlay returns the same view.
	assert.Same(t, base, base.Overlay(nil))
}

func TestCheckKind(t *testing.T) {
	assert.True(t, checkKind(KindNumber, 3.14))
	assert.True(t, checkKind(KindNumber, int64(7)))
	assert.False(t, checkKind(KindNumber, "7"))
	assert.True(t, checkKind(KindList, []string{"a"}))
	assert.False(t, checkKind(KindList, "a"))
	assert.True(t, checkKind(KindMap, map[string]int{"a": 1}))
	assert.False(t, checkKind(KindMap, map[int]int{1: 1}))
	assert.True(t, checkKind(KindString, nil))
	assert.True(t, checkKind(KindAny, struct{}{}))
}

func TestAppend_DoesNotAliasInputs(t *testing.T) {
	existing := []interface{}{"a"}
	combined, err := Append(existing, []interface{}{"b"})
	require.NoError(t, err)

	list := combined.([]interface{})
	list[0] = "mutated"
	assert.Equal(t, "a", existing[0])
}
