package uuid

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewIDIsUniqueAndNonEmpty(t *testing.T) {
	t.Parallel()
	gen := New()

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id, err := gen.NewID()
		require.NoError(t, err)
		require.NotEmpty(t, id)
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}
