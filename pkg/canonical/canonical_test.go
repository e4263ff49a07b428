package canonical

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONSortsKeys(t *testing.T) {
	out, err := JSON(map[string]any{"b": 1, "a": 2, "c": map[string]any{"z": true, "y": false}})
	require.NoError(t, err)
	assert.Equal(t, `{"a":2,"b":1,"c":{"y":false,"z":true}}`, string(out))
}

func TestJSONNoHTMLEscaping(t *testing.T) {
	out, err := JSON(map[string]string{"url": "https://example.com/a?b=1&c=<2>"})
	require.NoError(t, err)
	assert.Contains(t, string(out), "&c=<2>")
}

func TestHashDeterministic(t *testing.T) {
	a, err := Hash(map[string]any{"x": 1, "y": "two"})
	require.NoError(t, err)
	b, err := Hash(map[string]any{"y": "two", "x": 1})
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestHashDiffersOnContent(t *testing.T) {
	a, _ := Hash(map[string]any{"x": 1})
	b, _ := Hash(map[string]any{"x": 2})
	assert.NotEqual(t, a, b)
}
