package unit

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// SchemaJSON emits the JSON schema for unit documents, used by editors for
// completions on the Schema key.
func SchemaJSON() (string, error) {
	reflector := &jsonschema.Reflector{
		ExpandedStruct: true,
		DoNotReference: false,
	}

	schema := reflector.Reflect(&Definition{})
	schema.Title = "wpm unit"
	schema.Description = "A wpm unit definition"

	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return "", err
	}

	return string(data), nil
}
