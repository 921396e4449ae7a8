package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChangesetSetDropsNoOps(t *testing.T) {
	var cs Changeset
	assert.True(t, cs.Set("status", nil, "open"))
	assert.False(t, cs.Set("subject", "same", "same"))
	assert.False(t, cs.Set("description", "", nil))
	assert.False(t, cs.Set("notes", "  ", []any{}))

	assert.Equal(t, []string{"status"}, cs.Fields())
	assert.Equal(t, 1, cs.Len())
}

func TestChangesetSetReplacesAndKeepsOrder(t *testing.T) {
	cs := NewChangeset(
		FieldChange{Field: "a", Old: 1, New: 2},
		FieldChange{Field: "b", Old: "x", New: "y"},
	)
	cs.Set("a", 1, 5)

	change, ok := cs.Get("a")
	require.True(t, ok)
	assert.Equal(t, 5, change.New)
	assert.Equal(t, []string{"a", "b"}, cs.Fields())

	cs.Set("a", 1, 1)
	assert.Equal(t, []string{"b"}, cs.Fields())
	assert.False(t, cs.Has("a"))
}

func TestChangesetCompose(t *testing.T) {
	first := NewChangeset(FieldChange{Field: "x", Old: 1, New: 2})
	second := NewChangeset(
		FieldChange{Field: "x", Old: 2, New: 3},
		FieldChange{Field: "y", Old: nil, New: "new"},
	)

	composed := first.Compose(second)
	x, ok := composed.Get("x")
	require.True(t, ok)
	assert.Equal(t, FieldChange{Field: "x", Old: 1, New: 3}, x)
	assert.True(t, composed.Has("y"))

	// the receiver is unchanged
	x, _ = first.Get("x")
	assert.Equal(t, 2, x.New)

	backToStart := composed.Compose(NewChangeset(FieldChange{Field: "x", Old: 3, New: 1}))
	assert.False(t, backToStart.Has("x"))
	assert.Equal(t, []string{"y"}, backToStart.Fields())
}

func TestChangesetInverse(t *testing.T) {
	cs := NewChangeset(
		FieldChange{Field: "status", Old: "open", New: "closed"},
		FieldChange{Field: "assignee", Old: nil, New: "ann"},
	)

	inverse := cs.Inverse()
	status, _ := inverse.Get("status")
	assert.Equal(t, "closed", status.Old)
	assert.Equal(t, "open", status.New)
	assert.True(t, cs.Compose(inverse).IsEmpty())
}

func TestChangesetJSON(t *testing.T) {
	cs := NewChangeset(
		FieldChange{Field: "b", Old: "1", New: "2"},
		FieldChange{Field: "a", Old: nil, New: true},
	)

	encoded, err := json.Marshal(cs)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"field":"b","old":"1","new":"2"},{"field":"a","old":null,"new":true}]`, string(encoded))

	var decoded Changeset
	require.NoError(t, json.Unmarshal(encoded, &decoded))
	assert.Equal(t, []string{"b", "a"}, decoded.Fields())

	var empty Changeset
	encoded, err = json.Marshal(empty)
	require.NoError(t, err)
	assert.Equal(t, "[]", string(encoded))
}

func TestChangesetUnmarshalObjectForm(t *testing.T) {
	var cs Changeset
	require.NoError(t, json.Unmarshal([]byte(`{"status":["open","closed"],"noop":["",null]}`), &cs))

	assert.Equal(t, []string{"status"}, cs.Fields())
}

func TestChangesetUnmarshalObjectFormIsOrderedByName(t *testing.T) {
	data := []byte(`{"status":["open","closed"],"assignee":[null,"alice"],"priority":["low","high"],"due":["a","b"]}`)
	for i := 0; i < 20; i++ {
		var cs Changeset
		require.NoError(t, json.Unmarshal(data, &cs))
		require.Equal(t, []string{"assignee", "due", "priority", "status"}, cs.Fields())
	}
}
