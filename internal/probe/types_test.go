package probe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOperation(t *testing.T) {
	t.Run("CaseInsensitive", func(t *testing.T) {
		for _, input := range []string{"select", "SELECT", " Select "} {
			op, err := ParseOperation(input)
			require.NoError(t, err)
			assert.Equal(t, OpSelect, op)
		}
	})

	t.Run("Unknown", func(t *testing.T) {
		_, err := ParseOperation("truncate")
		assert.Error(t, err)
	})
}

func TestParseOutcome(t *testing.T) {
	for _, input := range []string{"allow", "ALLOW", " Allow "} {
		outcome, err := ParseOutcome(input)
		require.NoError(t, err)
		assert.Equal(t, OutcomeAllow, outcome)
	}

	_, err := ParseOutcome("maybe")
	assert.Error(t, err)
}

func TestOperationsOrder(t *testing.T) {
	assert.Equal(t, []Operation{OpSelect, OpInsert, OpUpdate, OpDelete}, Operations())
}
