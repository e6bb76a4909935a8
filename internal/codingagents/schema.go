package codingagents

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed backend-definition-schema.json
var backendDefinitionSchemaText string

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func backendDefinitionSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("backend-definition-schema.json", strings.NewReader(backendDefinitionSchemaText)); err != nil {
			schemaErr = fmt.Errorf("load backend definition schema: %w", err)
			return
		}
		compiledSchema, schemaErr = compiler.Compile("backend-definition-schema.json")
	})
	return compiledSchema, schemaErr
}

// validateAgainstSchema checks a raw custom definition before decoding it
// into BackendDefinition, so schema violations carry field-level messages
// instead of surfacing as half-populated structs.
func validateAgainstSchema(payload []byte, extension string) error {
	schema, err := backendDefinitionSchema()
	if err != nil {
		return err
	}

	var document any
	switch strings.TrimSpace(strings.ToLower(extension)) {
	case ".json":
		if err := json.Unmarshal(payload, &document); err != nil {
			return fmt.Errorf("parse JSON: %w", err)
		}
	default:
		var intermediate any
		if err := yaml.Unmarshal(payload, &intermediate); err != nil {
			return fmt.Errorf("parse YAML: %w", err)
		}
		// jsonschema validates JSON-shaped values; round-trip the YAML
		// so map keys become strings.
		encoded, err := json.Marshal(intermediate)
		if err != nil {
			return fmt.Errorf("encode YAML document: %w", err)
		}
		if err := json.Unmarshal(encoded, &document); err != nil {
			return fmt.Errorf("decode YAML document: %w", err)
		}
	}

	return schema.Validate(document)
}
