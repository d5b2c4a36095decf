package canonicalize

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJCS_Sorting(t *testing.T) {
	input := map[string]any{
		"c": 3,
		"a": 1,
		"b": 2,
	}

	b, err := JCS(input)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":2,"c":3}`, string(b))
}

func TestJCS_RecursiveSorting(t *testing.T) {
	input := map[string]any{
		"z": map[string]any{
			"y": "foo",
			"x": "bar",
		},
		"a": 1,
	}

	b, err := JCS(input)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"z":{"x":"bar","y":"foo"}}`, string(b))
}

func TestJCS_NoHTMLEscaping(t *testing.T) {
	// encoding/json alone would produce <script>...
	input := map[string]string{
		"html": "<script>alert('xss')</script> &",
	}

	b, err := JCS(input)
	require.NoError(t, err)
	assert.Equal(t, `{"html":"<script>alert('xss')</script> &"}`, string(b))
}

func TestJCS_Numbers(t *testing.T) {
	b, err := JCS(map[string]any{
		"num":   json.Number("123.456"),
		"whole": 4.0,
	})
	require.NoError(t, err)
	assert.Equal(t, `{"num":123.456,"whole":4}`, string(b))
}

func TestCanonicalHash_Stability(t *testing.T) {
	type S struct {
		B int `json:"b"`
		A int `json:"a"`
	}

	h1, err := CanonicalHash(map[string]any{"a": 1, "b": 2})
	require.NoError(t, err)
	h2, err := CanonicalHash(S{A: 1, B: 2})
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestHashJSON(t *testing.T) {
	h1, err := HashJSON(json.RawMessage(`{ "b": [1, 2], "a": "x" }`))
	require.NoError(t, err)
	h2, err := HashJSON(json.RawMessage(`{"a":"x","b":[1,2]}`))
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	empty, err := HashJSON(nil)
	require.NoError(t, err)
	assert.Equal(t, HashBytes([]byte("null")), empty)

	_, err = HashJSON(json.RawMessage(`{"a":`))
	assert.Error(t, err)
}
