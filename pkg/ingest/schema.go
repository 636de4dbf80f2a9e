package ingest

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// batchSchemaJSON pins the sync wire format. Agents in the field run
// older builds for long stretches, so unknown metadata fields pass while
// structural mistakes are rejected before any blob is written.
const batchSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["batch"],
  "properties": {
    "batch": {
      "type": "array",
      "maxItems": 500,
      "items": {
        "type": "object",
        "required": ["id", "key", "metadata", "blob_b64"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "key": {"type": "string", "minLength": 1},
          "blob_b64": {"type": "string", "minLength": 1},
          "metadata": {
            "type": "object",
            "properties": {
              "from": {"type": ["string", "null"]},
              "to": {"type": ["string", "null"]},
              "subject": {"type": ["string", "null"]},
              "date": {"type": ["string", "null"]},
              "message_id": {"type": ["string", "null"]},
              "in_reply_to": {"type": "array", "items": {"type": "string"}},
              "references": {"type": "array", "items": {"type": "string"}},
              "envelope_from": {"type": ["string", "null"]},
              "envelope_rcpt": {"type": "array", "items": {"type": "string"}},
              "size": {"type": "integer", "minimum": 0},
              "has_attachments": {"type": "boolean"},
              "cas_attachments": {"type": "array", "items": {"type": "string", "pattern": "^[a-fA-F0-9]{64}$"}},
              "attachment_content": {"type": ["string", "null"]}
            }
          }
        }
      }
    }
  }
}`

// casBatchSchemaJSON validates CAS upload payloads.
const casBatchSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["batch"],
  "properties": {
    "batch": {
      "type": "array",
      "maxItems": 500,
      "items": {
        "type": "object",
        "required": ["hash", "blob_b64"],
        "properties": {
          "hash": {"type": "string", "pattern": "^[a-fA-F0-9]{64}$"},
          "blob_b64": {"type": "string", "minLength": 1}
        }
      }
    }
  }
}`

var (
	batchSchema    = mustCompileSchema("https://openarchive.schemas.local/sync-batch.schema.json", batchSchemaJSON)
	casBatchSchema = mustCompileSchema("https://openarchive.schemas.local/cas-batch.schema.json", casBatchSchemaJSON)
)

func mustCompileSchema(url, src string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(url, strings.NewReader(src)); err != nil {
		panic(fmt.Sprintf("ingest: add schema resource: %v", err))
	}
	compiled, err := c.Compile(url)
	if err != nil {
		panic(fmt.Sprintf("ingest: compile schema: %v", err))
	}
	return compiled
}

// ValidateBatch checks a raw sync payload against the batch schema.
func ValidateBatch(raw []byte) error {
	return validateRaw(batchSchema, raw, "sync batch")
}

// ValidateCASBatch checks a raw CAS upload payload.
func ValidateCASBatch(raw []byte) error {
	return validateRaw(casBatchSchema, raw, "cas batch")
}

func validateRaw(schema *jsonschema.Schema, raw []byte, what string) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("ingest: %s is not valid JSON: %w", what, err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("ingest: invalid %s: %w", what, err)
	}
	return nil
}
