package httpapi

import (
	"bytes"
	"embed"
	"fmt"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schemas/*.json
var schemaFS embed.FS

var (
	syncBodySchema     = mustCompileSchema("sync.json")
	resolveBodySchema  = mustCompileSchema("resolve.json")
	notebookBodySchema = mustCompileSchema("notebook_create.json")
	memberBodySchema   = mustCompileSchema("member_role.json")
)

func mustCompileSchema(name string) *jsonschema.Schema {
	data, err := schemaFS.ReadFile("schemas/" + name)
	if err != nil {
		panic(fmt.Sprintf("embedded schema %s: %v", name, err))
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		panic(fmt.Sprintf("embedded schema %s: %v", name, err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, doc); err != nil {
		panic(fmt.Sprintf("embedded schema %s: %v", name, err))
	}
	return compiler.MustCompile(name)
}

// validateBody checks a raw JSON body against a compiled schema before it
// is decoded into a typed request.
func validateBody(schema *jsonschema.Schema, body []byte) error {
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("invalid json body: %w", err)
	}
	return schema.Validate(instance)
}
