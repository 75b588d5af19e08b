package config

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/invopop/jsonschema"
)

var (
	schemaOnce sync.Once
	schemaJSON []byte
	schemaErr  error
)

// JSONSchema returns the JSON Schema for the configuration file format,
// suitable for editor validation and documentation. The schema is generated
// once and cached.
func JSONSchema() ([]byte, error) {
	schemaOnce.Do(func() {
		reflector := &jsonschema.Reflector{
			FieldNameTag:               "yaml",
			RequiredFromJSONSchemaTags: true,
			ExpandedStruct:             true,
		}
		schema := reflector.Reflect(&Config{})
		schema.Title = "NEXUS3 Configuration"
		schema.Description = "Configuration schema for the NEXUS3 multi-agent runtime."

		data, err := json.MarshalIndent(schema, "", "  ")
		if err != nil {
			schemaErr = fmt.Errorf("marshal schema: %w", err)
			return
		}
		schemaJSON = data
	})
	if schemaErr != nil {
		return nil, schemaErr
	}
	out := make([]byte, len(schemaJSON))
	copy(out, schemaJSON)
	return out, nil
}
