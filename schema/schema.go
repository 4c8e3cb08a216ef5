// Package schema defines the input-validation contract consumed by the task
// executor and a JSON Schema backed implementation of it.
//
// The executor only needs the contract: validate an input value and report
// every failing field, or describe the expected structure. Callers with
// bespoke validation can supply their own Validator.
package schema

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"goa.design/retrace/runtime/task/record"
)

type (
	// Validator checks a task input value before execution.
	Validator interface {
		// Validate returns nil when the input is acceptable and a
		// *ValidationError listing every failing field otherwise.
		Validate(input any) error
		// Describe returns a structural description of the expected input.
		Describe() string
	}

	// Issue is one failing field: where it is and what is wrong with it.
	Issue struct {
		// Path locates the failing value within the input ("/" separated,
		// empty for the root).
		Path string `json:"path"`
		// Message explains the violation.
		Message string `json:"message"`
	}

	// ValidationError aggregates every issue found in one input value.
	ValidationError struct {
		Issues []Issue
	}

	// JSON validates inputs against a compiled JSON Schema.
	JSON struct {
		compiled *jsonschema.Schema
		source   string
	}
)

// Error lists every failing field in a single descriptive message.
func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return "input validation failed"
	}
	parts := make([]string, len(e.Issues))
	for i, issue := range e.Issues {
		if issue.Path == "" {
			parts[i] = issue.Message
			continue
		}
		parts[i] = fmt.Sprintf("%s: %s", issue.Path, issue.Message)
	}
	return "input validation failed: " + strings.Join(parts, "; ")
}

// NewJSON compiles the given JSON Schema document into a Validator.
func NewJSON(schemaJSON []byte) (*JSON, error) {
	var doc any
	if err := json.Unmarshal(schemaJSON, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &JSON{compiled: compiled, source: string(schemaJSON)}, nil
}

// MustJSON is NewJSON that panics on compilation failure. Intended for
// schemas declared as constants alongside task definitions.
func MustJSON(schemaJSON []byte) *JSON {
	v, err := NewJSON(schemaJSON)
	if err != nil {
		panic(err)
	}
	return v
}

// Validate checks the input against the compiled schema. The input is
// canonicalized first so any JSON-serializable Go value can be validated, not
// only decoded JSON documents.
func (j *JSON) Validate(input any) error {
	err := j.compiled.Validate(record.Canonical(input))
	if err == nil {
		return nil
	}
	if ve, ok := err.(*jsonschema.ValidationError); ok {
		return &ValidationError{Issues: collectIssues(ve)}
	}
	return &ValidationError{Issues: []Issue{{Message: err.Error()}}}
}

// Describe returns the schema source document.
func (j *JSON) Describe() string {
	return j.source
}

var issuePrinter = message.NewPrinter(language.English)

// collectIssues flattens the validation error tree into leaf issues so the
// resulting message names every failing field exactly once.
func collectIssues(ve *jsonschema.ValidationError) []Issue {
	if len(ve.Causes) == 0 {
		return []Issue{{
			Path:    "/" + strings.Join(ve.InstanceLocation, "/"),
			Message: ve.ErrorKind.LocalizedString(issuePrinter),
		}}
	}
	var issues []Issue
	for _, cause := range ve.Causes {
		issues = append(issues, collectIssues(cause)...)
	}
	return issues
}
