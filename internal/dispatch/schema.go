package dispatch

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"

	"github.com/goccy/go-json"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema/envelope.schema.json
var defaultEnvelopeSchema []byte

const schemaURL = "envelope.schema.json"

// SchemaValidator checks envelopes against a JSON schema before they leave
// the host.
type SchemaValidator struct {
	schema *jsonschema.Schema
}

// NewSchemaValidator compiles the schema at path, or the built-in envelope
// schema when path is empty.
func NewSchemaValidator(path string) (*SchemaValidator, error) {
	src := defaultEnvelopeSchema
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read schema: %w", err)
		}
		src = data
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft7
	c.AssertFormat = true
	if err := c.AddResource(schemaURL, bytes.NewReader(src)); err != nil {
		return nil, fmt.Errorf("load schema: %w", err)
	}
	schema, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &SchemaValidator{schema: schema}, nil
}

func (v *SchemaValidator) Validate(env Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return v.ValidateJSON(raw)
}

func (v *SchemaValidator) ValidateJSON(raw []byte) error {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	return v.schema.Validate(doc)
}
