package gateway

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Submission bodies are validated against a schema before any coordinator
// call, so malformed requests are rejected with a precise message instead of
// a decode error deep in the stack.
const submitSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["text"],
	"properties": {
		"text": {"type": "string", "minLength": 1}
	},
	"additionalProperties": false
}`

const maxSubmitBodyBytes = 1 << 20

var (
	submitSchemaOnce sync.Once
	submitSchema     *jsonschema.Schema
	submitSchemaErr  error
)

func compileSubmitSchema() error {
	submitSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(submitSchemaJSON))
		if err != nil {
			submitSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("submit.json", doc); err != nil {
			submitSchemaErr = err
			return
		}
		submitSchema, submitSchemaErr = compiler.Compile("submit.json")
	})
	return submitSchemaErr
}

// decodeSubmit validates and extracts the task text from a submission body.
func decodeSubmit(r *http.Request) (string, error) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxSubmitBodyBytes))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return "", fmt.Errorf("invalid JSON: %w", err)
	}
	if err := submitSchema.Validate(doc); err != nil {
		return "", fmt.Errorf("invalid submission: %w", err)
	}
	body := doc.(map[string]any)
	text, _ := body["text"].(string)
	return text, nil
}
