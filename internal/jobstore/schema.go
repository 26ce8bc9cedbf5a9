package jobstore

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// PayloadValidator checks a job's payload against a JSON Schema registered
// for its type before the job is durably created. §6 requires payload
// round-trips to be lossless; this catches a malformed full_sync /
// incremental_sync payload at submission time instead of at dispatch time,
// when a misshapen payload would otherwise surface only as a handler error
// that consumes the job's attempts inside the runner.
type PayloadValidator struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

// NewPayloadValidator builds a validator with no registered schemas. A job
// type with no registered schema is accepted unvalidated.
func NewPayloadValidator() *PayloadValidator {
	return &PayloadValidator{schemas: map[string]*jsonschema.Schema{}}
}

// Register compiles schemaJSON and associates it with jobType. Call once
// per job type during startup wiring.
func (v *PayloadValidator) Register(jobType, schemaJSON string) error {
	jobType = strings.TrimSpace(jobType)
	if jobType == "" {
		return ErrInvalidInput
	}
	resourceURL := "mem://jobstore/" + jobType + ".json"
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		return fmt.Errorf("jobstore: decoding schema for %s: %w", jobType, err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(resourceURL, doc); err != nil {
		return fmt.Errorf("jobstore: compiling schema for %s: %w", jobType, err)
	}
	schema, err := compiler.Compile(resourceURL)
	if err != nil {
		return fmt.Errorf("jobstore: compiling schema for %s: %w", jobType, err)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.schemas[jobType] = schema
	return nil
}

// Validate checks payload against the schema registered for jobType, if
// any. A job type with no registered schema always passes.
func (v *PayloadValidator) Validate(jobType string, payload json.RawMessage) error {
	v.mu.RLock()
	schema, ok := v.schemas[jobType]
	v.mu.RUnlock()
	if !ok {
		return nil
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return fmt.Errorf("%w: %v", ErrSchemaValidation, err)
	}
	if err := schema.Validate(decoded); err != nil {
		return fmt.Errorf("%w: %v", ErrSchemaValidation, err)
	}
	return nil
}

// FullSyncPayloadSchema is the schema for a full_sync job's payload.
const FullSyncPayloadSchema = `{
	"type": "object",
	"properties": {
		"sync_id": {"type": "string", "minLength": 1},
		"resume_from": {"type": "string"}
	},
	"required": ["sync_id"]
}`

// IncrementalSyncPayloadSchema is the schema for an incremental_sync job's
// payload.
const IncrementalSyncPayloadSchema = `{
	"type": "object",
	"properties": {
		"sync_id": {"type": "string", "minLength": 1},
		"start_page_token": {"type": "string"}
	},
	"required": ["sync_id", "start_page_token"]
}`
