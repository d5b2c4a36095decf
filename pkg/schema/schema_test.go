package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const assetSchema = `{
	"type": "object",
	"properties": {
		"name": {"type": "string"},
		"count": {"type": "integer", "minimum": 0}
	},
	"required": ["name"],
	"additionalProperties": false
}`

func TestCompiler_Validate(t *testing.T) {
	c := NewCompiler()

	require.NoError(t, c.Validate(json.RawMessage(assetSchema), json.RawMessage(`{"name":"pump","count":2}`)))

	err := c.Validate(json.RawMessage(assetSchema), json.RawMessage(`{"count":-1}`))
	assert.ErrorIs(t, err, ErrNonConforming)

	err = c.Validate(json.RawMessage(assetSchema), json.RawMessage(`{"name":"pump","color":"red"}`))
	assert.ErrorIs(t, err, ErrNonConforming)

	err = c.Validate(json.RawMessage(assetSchema), json.RawMessage(`not json`))
	assert.ErrorIs(t, err, ErrNonConforming)
}

func TestCompiler_CachesByCanonicalContent(t *testing.T) {
	c := NewCompiler()

	s1, err := c.Compile(json.RawMessage(`{"type":"object","required":["a"]}`))
	require.NoError(t, err)
	s2, err := c.Compile(json.RawMessage(`{ "required": ["a"], "type": "object" }`))
	require.NoError(t, err)

	assert.Same(t, s1, s2)
	assert.Len(t, c.cache, 1)
}

func TestCompiler_InvalidSchema(t *testing.T) {
	c := NewCompiler()

	_, err := c.Compile(json.RawMessage(`{"type": 12}`))
	assert.ErrorIs(t, err, ErrInvalidSchema)

	_, err = c.Compile(json.RawMessage(`{`))
	assert.ErrorIs(t, err, ErrInvalidSchema)
}

func TestCompiler_BooleanSchema(t *testing.T) {
	c := NewCompiler()
	require.NoError(t, c.Validate(json.RawMessage(`true`), json.RawMessage(`{"anything":1}`)))
	assert.ErrorIs(t, c.Validate(json.RawMessage(`false`), json.RawMessage(`{}`)), ErrNonConforming)
}
