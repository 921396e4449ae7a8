package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsBlank(t *testing.T) {
	var nilMap map[string]int
	var nilPtr *string
	empty := ""

	assert.True(t, IsBlank(nil))
	assert.True(t, IsBlank(""))
	assert.True(t, IsBlank(" \t"))
	assert.True(t, IsBlank([]any{}))
	assert.True(t, IsBlank(map[string]any{}))
	assert.True(t, IsBlank(nilMap))
	assert.True(t, IsBlank(nilPtr))
	assert.True(t, IsBlank(&empty))

	assert.False(t, IsBlank(false))
	assert.False(t, IsBlank(0))
	assert.False(t, IsBlank("x"))
	assert.False(t, IsBlank([]string{"a"}))
}

func TestValuesEqual(t *testing.T) {
	assert.True(t, ValuesEqual("", nil))
	assert.True(t, ValuesEqual(nil, []any{}))
	assert.True(t, ValuesEqual(3, float64(3)))
	assert.True(t, ValuesEqual(map[string]any{"a": 1}, map[string]any{"a": float64(1)}))

	assert.False(t, ValuesEqual("", "x"))
	assert.False(t, ValuesEqual(false, nil))
	assert.False(t, ValuesEqual(1, "1"))
}
