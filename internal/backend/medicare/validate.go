package medicare

import (
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Argument schemas compiled once at init. The server validates tool
// arguments itself so malformed calls fail with a clear message instead of a
// handler panic.
var (
	documentArgsSchema = mustCompile("document_args.json", `{
		"type": "object",
		"properties": {
			"filename": {"type": "string", "minLength": 1}
		},
		"required": ["filename"],
		"additionalProperties": false
	}`)

	datasetRowsArgsSchema = mustCompile("dataset_rows_args.json", `{
		"type": "object",
		"properties": {
			"dataset_name": {"type": "string", "minLength": 1},
			"limit":        {"type": "integer", "minimum": 1, "maximum": 1000},
			"offset":       {"type": "integer", "minimum": 0}
		},
		"required": ["dataset_name"],
		"additionalProperties": false
	}`)
)

func mustCompile(name, schema string) *jsonschema.Schema {
	s, err := jsonschema.CompileString(name, schema)
	if err != nil {
		panic(fmt.Sprintf("compile %s: %v", name, err))
	}
	return s
}

// validateArgs checks raw tool arguments against a schema, normalizing the
// validator's error to a short message.
func validateArgs(schema *jsonschema.Schema, args map[string]any) error {
	if args == nil {
		args = map[string]any{}
	}
	if err := schema.Validate(args); err != nil {
		return fmt.Errorf("invalid arguments: %v", err)
	}
	return nil
}
