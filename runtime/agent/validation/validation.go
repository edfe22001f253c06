// Package validation wraps github.com/santhosh-tekuri/jsonschema/v6 to
// validate values against the JSON-Schema-like shapes carried by
// domain.FunctionTool.InputSchema, domain.ToolConfig tool inputs, and
// domain.DataComponent/domain.ArtifactComponent schemas, compiling each
// distinct schema document once and caching the result.
package validation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

var (
	cacheMu sync.Mutex
	cache   = map[string]*jsonschema.Schema{}
)

// Validate compiles schema (a JSON-Schema-like map, as carried by the
// domain types) and validates instance against it. A nil or empty schema is
// treated as "anything goes" and always succeeds.
func Validate(schema map[string]any, instance any) error {
	if len(schema) == 0 {
		return nil
	}
	compiled, err := compile(schema)
	if err != nil {
		return fmt.Errorf("compiling schema: %w", err)
	}
	payload, err := json.Marshal(instance)
	if err != nil {
		return fmt.Errorf("encoding instance: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return fmt.Errorf("decoding instance: %w", err)
	}
	return compiled.Validate(decoded)
}

func compile(schema map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	key := string(raw)

	cacheMu.Lock()
	defer cacheMu.Unlock()
	if s, ok := cache[key]; ok {
		return s, nil
	}

	c := jsonschema.NewCompiler()
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	const resourceName = "schema.json"
	if err := c.AddResource(resourceName, doc); err != nil {
		return nil, err
	}
	s, err := c.Compile(resourceName)
	if err != nil {
		return nil, err
	}
	cache[key] = s
	return s, nil
}
