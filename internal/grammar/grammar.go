// Package grammar compiles JSON Schema documents into GBNF grammars, the
// same constrained-decoding format llama.cpp's own grammar sampler
// consumes. Conversion is a pure function of the schema: it is run once,
// at sampler-construction time, never inside the decode loop.
package grammar

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// FromJSONSchema compiles a JSON Schema document into GBNF grammar text
// rooted at "root". It supports the common subset needed for structured
// generation: object/array/string/integer/number/boolean/enum/null,
// required properties, and nested schemas.
func FromJSONSchema(schema []byte) (string, error) {
	var node any
	if err := json.Unmarshal(schema, &node); err != nil {
		return "", fmt.Errorf("grammar: invalid json schema: %w", err)
	}
	c := &compiler{rules: map[string]string{}}
	rootRef, err := c.compile(node)
	if err != nil {
		return "", err
	}
	c.rules["root"] = rootRef
	return c.render(), nil
}

type compiler struct {
	rules   map[string]string
	counter int
}

func (c *compiler) newRuleName(prefix string) string {
	c.counter++
	return fmt.Sprintf("%s-%d", prefix, c.counter)
}

// compile returns a grammar fragment (a rule reference or inline literal)
// for the given schema node, registering any helper rules it needs.
func (c *compiler) compile(node any) (string, error) {
	schema, ok := node.(map[string]any)
	if !ok {
		return "", fmt.Errorf("grammar: schema node must be an object, got %T", node)
	}

	if enumVals, ok := schema["enum"].([]any); ok {
		return c.compileEnum(enumVals)
	}

	t, _ := schema["type"].(string)
	switch t {
	case "object":
		return c.compileObject(schema)
	case "array":
		return c.compileArray(schema)
	case "string":
		return "string", nil
	case "integer":
		return "integer", nil
	case "number":
		return "number", nil
	case "boolean":
		return "boolean", nil
	case "null":
		return `"null"`, nil
	default:
		return "value", nil
	}
}

func (c *compiler) compileEnum(vals []any) (string, error) {
	name := c.newRuleName("enum")
	alts := make([]string, 0, len(vals))
	for _, v := range vals {
		b, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("grammar: marshal enum value: %w", err)
		}
		alts = append(alts, gbnfString(string(b)))
	}
	c.rules[name] = strings.Join(alts, " | ")
	return name, nil
}

// compileObject emits an object rule where properties named in "required"
// always appear and the rest are optional. Required properties come first,
// then optionals, each set in sorted key order; optionals may be present
// in any combination without producing a stray comma.
func (c *compiler) compileObject(schema map[string]any) (string, error) {
	props, _ := schema["properties"].(map[string]any)
	required := map[string]bool{}
	if reqList, ok := schema["required"].([]any); ok {
		for _, r := range reqList {
			if s, ok := r.(string); ok {
				required[s] = true
			}
		}
	}
	if len(props) == 0 {
		return "object", nil
	}

	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var reqFrags, optFrags []string
	for _, k := range keys {
		ref, err := c.compile(props[k])
		if err != nil {
			return "", fmt.Errorf("grammar: property %q: %w", k, err)
		}
		frag := fmt.Sprintf("%s ws \":\" ws %s", gbnfString(mustJSON(k)), ref)
		if required[k] {
			reqFrags = append(reqFrags, frag)
		} else {
			optFrags = append(optFrags, frag)
		}
	}

	name := c.newRuleName("obj")
	var b strings.Builder
	b.WriteString(`"{" ws `)
	if len(reqFrags) > 0 {
		b.WriteString(reqFrags[0])
		for _, f := range reqFrags[1:] {
			b.WriteString(` "," ws ` + f)
		}
		for _, f := range optFrags {
			b.WriteString(` ( "," ws ` + f + ` )?`)
		}
	} else {
		// every property optional: alternate on which appears first, then
		// allow each later key independently, keeping the fixed key order.
		alts := make([]string, len(optFrags))
		for i, f := range optFrags {
			alt := f
			for _, g := range optFrags[i+1:] {
				alt += ` ( "," ws ` + g + ` )?`
			}
			alts[i] = alt
		}
		b.WriteString(`( ` + strings.Join(alts, " | ") + ` )?`)
	}
	b.WriteString(` ws "}"`)
	c.rules[name] = b.String()
	return name, nil
}

func (c *compiler) compileArray(schema map[string]any) (string, error) {
	itemsSchema, ok := schema["items"]
	if !ok {
		return "array", nil
	}
	itemRef, err := c.compile(itemsSchema)
	if err != nil {
		return "", fmt.Errorf("grammar: array items: %w", err)
	}
	name := c.newRuleName("arr")
	c.rules[name] = fmt.Sprintf(
		`"[" ws (%s (ws "," ws %s)*)? ws "]"`, itemRef, itemRef,
	)
	return name, nil
}

func mustJSON(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// gbnfString wraps an already-JSON-encoded literal as a GBNF terminal.
func gbnfString(jsonLiteral string) string {
	return fmt.Sprintf("%q", jsonLiteral)
}

// render emits the full grammar text: the caller's rules followed by the
// fixed base rules every generated grammar depends on (string/number/ws).
func (c *compiler) render() string {
	var b strings.Builder
	names := make([]string, 0, len(c.rules))
	for k := range c.rules {
		if k != "root" {
			names = append(names, k)
		}
	}
	sort.Strings(names)

	fmt.Fprintf(&b, "root ::= %s\n", c.rules["root"])
	for _, n := range names {
		fmt.Fprintf(&b, "%s ::= %s\n", n, c.rules[n])
	}
	b.WriteString(baseRules)
	return b.String()
}

const baseRules = `value ::= object | array | string | number | boolean | "null"
object ::= "{" ws (string ws ":" ws value (ws "," ws string ws ":" ws value)*)? ws "}"
array ::= "[" ws (value (ws "," ws value)*)? ws "]"
string ::= "\"" ([^"\\] | "\\" (["\\/bfnrt] | "u" [0-9a-fA-F] [0-9a-fA-F] [0-9a-fA-F] [0-9a-fA-F]))* "\""
integer ::= "-"? ("0" | [1-9] [0-9]*)
number ::= integer ("." [0-9]+)? ([eE] [-+]? [0-9]+)?
boolean ::= "true" | "false"
ws ::= [ \t\n]*
`
