package id

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewUniqueAndSorted(t *testing.T) {
	t.Parallel()

	ids := make([]string, 100)
	seen := make(map[string]bool)
	for i := range ids {
		ids[i] = New()
		assert.Len(t, ids[i], 26)
		assert.False(t, seen[ids[i]], "duplicate id %s", ids[i])
		seen[ids[i]] = true
	}

	assert.True(t, sort.StringsAreSorted(ids), "ids must be generated in increasing order")
}
