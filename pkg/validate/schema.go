package validate

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/openclaw/guardian/pkg/contracts"
)

// CompileSchema compiles a JSON Schema (draft 2020-12) for structured
// document validation. The name only scopes the synthetic resource URL.
func CompileSchema(name, schemaJSON string) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	schemaURL := fmt.Sprintf("https://openclaw.schemas.local/guardian/%s.schema.json", name)
	if err := c.AddResource(schemaURL, strings.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("schema load failed: %w", err)
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("schema compile failed: %w", err)
	}
	return compiled, nil
}

// JSONDocument validates a JSON file written by a guarded action: the file
// must exist, parse, and (when a schema is given) conform. Parse and
// conformance problems are outcomes, not validator faults, since they
// describe the produced artifact rather than a broken validator.
func JSONDocument(path string, schema *jsonschema.Schema) Func {
	return func(any) (Outcome, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return Fail(contracts.Evidence{"path": path, "reason": "unreadable", "error": err.Error()}), nil
		}
		var doc any
		if err := json.Unmarshal(data, &doc); err != nil {
			return Fail(contracts.Evidence{"path": path, "reason": "invalid_json", "error": err.Error()}), nil
		}
		if schema != nil {
			if err := schema.Validate(doc); err != nil {
				return Fail(contracts.Evidence{"path": path, "reason": "schema_violation", "error": err.Error()}), nil
			}
		}
		return Success(contracts.Evidence{"path": path, "bytes": len(data), "parsed": true}), nil
	}
}
