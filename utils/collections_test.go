package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUniqueSlice(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, UniqueSlice([]string{"a", "b", "a", "c", "b"}))
	assert.Equal(t, []int{1, 2, 3}, UniqueSlice([]int{1, 2, 3}))
	assert.Equal(t, []string{}, UniqueSlice([]string{}))
}

func TestReverseSlice(t *testing.T) {
	assert.Equal(t, []int{3, 2, 1}, ReverseSlice([]int{1, 2, 3}))
	assert.Equal(t, []int{}, ReverseSlice([]int{}))
}

func TestCloneMap(t *testing.T) {
	m := map[string]int{"a": 1}
	c := CloneMap(m)
	c["a"] = 2
	assert.Equal(t, 1, m["a"])
}
