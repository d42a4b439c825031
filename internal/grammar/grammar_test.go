package grammar_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noxrun/noxrun/internal/grammar"
)

func TestFromJSONSchemaObject(t *testing.T) {
	schema := []byte(`{
		"type": "object",
		"properties": {
			"name": {"type": "string"},
			"age": {"type": "integer"}
		},
		"required": ["name", "age"]
	}`)
	g, err := grammar.FromJSONSchema(schema)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(g, "root ::="))
	require.Contains(t, g, `"\"name\""`)
	require.Contains(t, g, `"\"age\""`)
}

func TestFromJSONSchemaOptionalProperty(t *testing.T) {
	schema := []byte(`{
		"type": "object",
		"properties": {
			"name": {"type": "string"},
			"nickname": {"type": "string"}
		},
		"required": ["name"]
	}`)
	g, err := grammar.FromJSONSchema(schema)
	require.NoError(t, err)
	// name is unconditionally part of the object rule; nickname only ever
	// appears inside an optional group.
	require.Contains(t, g, `"\"name\"" ws ":"`)
	require.Contains(t, g, `( "," ws "\"nickname\"" ws ":" ws string )?`)
	require.NotContains(t, g, `"\"name\"" ws ":" ws string )?`, "required property must not be optional")
}

func TestFromJSONSchemaAllOptionalProperties(t *testing.T) {
	schema := []byte(`{
		"type": "object",
		"properties": {
			"a": {"type": "integer"},
			"b": {"type": "integer"}
		}
	}`)
	g, err := grammar.FromJSONSchema(schema)
	require.NoError(t, err)
	// with nothing required, the whole property list is one optional
	// alternation: either key may open the object, or it may be empty.
	require.Contains(t, g, `| "\"b\""`)
	require.Contains(t, g, `)?`)
}

func TestFromJSONSchemaEnum(t *testing.T) {
	schema := []byte(`{"enum": ["red", "green", "blue"]}`)
	g, err := grammar.FromJSONSchema(schema)
	require.NoError(t, err)
	require.Contains(t, g, `"\"red\""`)
	require.Contains(t, g, `"\"green\""`)
}

func TestFromJSONSchemaArray(t *testing.T) {
	schema := []byte(`{"type": "array", "items": {"type": "integer"}}`)
	g, err := grammar.FromJSONSchema(schema)
	require.NoError(t, err)
	require.Contains(t, g, "root ::=")
}

func TestFromJSONSchemaInvalid(t *testing.T) {
	_, err := grammar.FromJSONSchema([]byte(`not json`))
	require.Error(t, err)
}

func TestFromJSONSchemaIsDeterministic(t *testing.T) {
	schema := []byte(`{"type": "object", "properties": {"a": {"type": "string"}, "b": {"type": "integer"}}}`)
	g1, err := grammar.FromJSONSchema(schema)
	require.NoError(t, err)
	g2, err := grammar.FromJSONSchema(schema)
	require.NoError(t, err)
	require.Equal(t, g1, g2)
}
