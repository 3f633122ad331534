package policy

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// documentSchema is the structural contract of a policy document. It covers
// shapes only; principal syntax, duration literals, and CEL expressions are
// checked by the builders and the semantic pass.
const documentSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "policy": {"$ref": "#/definitions/policy"},
    "policies": {"type": "array", "items": {"$ref": "#/definitions/policy"}}
  },
  "additionalProperties": false,
  "definitions": {
    "policy": {
      "type": "object",
      "properties": {
        "name": {"type": "string"},
        "displayName": {"type": "string"},
        "description": {"type": "string"},
        "access": {"$ref": "#/definitions/access"},
        "constraints": {"$ref": "#/definitions/constraints"},
        "systems": {"type": "array", "items": {"$ref": "#/definitions/system"}}
      },
      "additionalProperties": false
    },
    "system": {
      "type": "object",
      "properties": {
        "name": {"type": "string"},
        "displayName": {"type": "string"},
        "description": {"type": "string"},
        "access": {"$ref": "#/definitions/access"},
        "constraints": {"$ref": "#/definitions/constraints"},
        "groups": {"type": "array", "items": {"$ref": "#/definitions/group"}}
      },
      "additionalProperties": false
    },
    "group": {
      "type": "object",
      "properties": {
        "name": {"type": "string"},
        "displayName": {"type": "string"},
        "description": {"type": "string"},
        "access": {"$ref": "#/definitions/access"},
        "constraints": {"$ref": "#/definitions/constraints"},
        "approval": {
          "type": "object",
          "properties": {
            "minimumPeers": {"type": "integer"},
            "maximumPeers": {"type": "integer"}
          },
          "additionalProperties": false
        },
        "privileges": {
          "type": "array",
          "items": {
            "type": "object",
            "properties": {"type": {"type": "string"}},
            "required": ["type"]
          }
        }
      },
      "additionalProperties": false
    },
    "access": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "principal": {"type": "string"},
          "access": {"type": "string"},
          "permissions": {"type": "array", "items": {"type": "string"}}
        },
        "required": ["principal"],
        "additionalProperties": false
      }
    },
    "constraints": {
      "type": "object",
      "properties": {
        "join": {"$ref": "#/definitions/constraintList"},
        "approve": {"$ref": "#/definitions/constraintList"}
      },
      "additionalProperties": false
    },
    "constraintList": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {"type": {"type": "string"}},
        "required": ["type"]
      }
    }
  }
}`

var (
	compiledDocumentSchema    *jsonschema.Schema
	compiledDocumentSchemaErr error
	compileDocumentSchemaOnce sync.Once
)

func compileDocumentSchema() (*jsonschema.Schema, error) {
	compileDocumentSchemaOnce.Do(func() {
		parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(documentSchema))
		if err != nil {
			compiledDocumentSchemaErr = fmt.Errorf("parse document schema: %w", err)
			return
		}
		compiler := jsonschema.NewCompiler()
		compiler.DefaultDraft(jsonschema.Draft7)
		if err := compiler.AddResource("policy-document.json", parsed); err != nil {
			compiledDocumentSchemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		compiledDocumentSchema, compiledDocumentSchemaErr = compiler.Compile("policy-document.json")
	})
	return compiledDocumentSchema, compiledDocumentSchemaErr
}

// validateDocumentSchema runs the structural pass over a normalized JSON
// document and returns one FILE_INVALID_SYNTAX issue per violation.
func validateDocumentSchema(jsonData []byte) []Issue {
	schema, err := compileDocumentSchema()
	if err != nil {
		// A schema that does not compile is a bug, not a document problem,
		// but surfacing it as an issue keeps the caller's contract simple.
		return []Issue{{
			Severity: SeverityError,
			Scope:    "file",
			Code:     CodeFileInvalidSyntax,
			Details:  err.Error(),
		}}
	}

	instance, err := jsonschema.UnmarshalJSON(strings.NewReader(string(jsonData)))
	if err != nil {
		return []Issue{{
			Severity: SeverityError,
			Scope:    "file",
			Code:     CodeFileInvalidSyntax,
			Details:  fmt.Sprintf("cannot parse document: %v", err),
		}}
	}

	if err := schema.Validate(instance); err != nil {
		ve, ok := err.(*jsonschema.ValidationError)
		if !ok {
			return []Issue{{
				Severity: SeverityError,
				Scope:    "file",
				Code:     CodeFileInvalidSyntax,
				Details:  err.Error(),
			}}
		}
		var issues []Issue
		for _, cause := range leafCauses(ve) {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Scope:    "file",
				Code:     CodeFileInvalidSyntax,
				Details:  fmt.Sprintf("%s: %s", instancePath(cause.InstanceLocation), cause.Error()),
			})
		}
		return issues
	}
	return nil
}

// leafCauses flattens a validation error tree into its most specific causes.
func leafCauses(ve *jsonschema.ValidationError) []*jsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*jsonschema.ValidationError{ve}
	}
	var leaves []*jsonschema.ValidationError
	for _, cause := range ve.Causes {
		leaves = append(leaves, leafCauses(cause)...)
	}
	return leaves
}

// instancePath renders an instance location as a dotted path ("$.policy.name").
func instancePath(location []string) string {
	var parts []string
	for _, p := range location {
		if p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return "$"
	}
	return "$." + strings.Join(parts, ".")
}
