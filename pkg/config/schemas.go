package config

import (
	"context"
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry manages CUE schemas for validation.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}

	sr.RegisterSchema("run", builtinRunSchema)
	sr.RegisterSchema("generation", builtinGenerationSchema)
	sr.RegisterSchema("execution", builtinExecutionSchema)

	return sr
}

// RegisterSchema registers a CUE schema with the given name.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	sr.schemas[name] = val
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// ValidateAgainstSchema validates data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(ctx context.Context, schemaName string, data interface{}) error {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	unified := schema.Unify(dataVal)
	if err := unified.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	return nil
}

// ListSchemas returns all registered schema names.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	return names
}

// Built-in schema definitions

const builtinRunSchema = `
// Run schema for stackprobe run configuration
{
	// Manifest is the architecture manifest file or directory
	manifest: string

	// StateFile is where resumable run state lives
	state_file?: string

	// Archive configures the SQLite result archive
	archive?: {
		path?: string
	}

	// Generation configures the probe generation collaborator
	generation: {
		service_url:      string
		api_key?:         string
		timeout_seconds?: int & >=1
		token_budget?:    int & >=0
		skip?:            bool
	}

	// Execution configures the bounded deploy/test executor
	execution?: {
		parallelism?:          int & >=1 & <=64
		task_timeout_seconds?: int & >=1
		work_dir?:             string
	}

	// Backend configures the emulated backend containers
	backend?: {
		image?:                 string
		start_timeout_seconds?: int & >=1
		memory?:                string
		cpus?:                  string
		pids_limit?:            int & >=1
	}

	// Policy configures static probe validation
	policy?: {
		enabled?: bool
		paths?: [...string]
		watch?: bool
	}

	// Selector is a Starlark script choosing which architectures to run
	selector?: string
}
`

const builtinGenerationSchema = `
// Generation schema for the probe generation collaborator
{
	service_url:      string
	api_key?:         string
	timeout_seconds?: int & >=1
	token_budget?:    int & >=0
	skip?:            bool
}
`

const builtinExecutionSchema = `
// Execution schema for the bounded deploy/test executor
{
	parallelism?:          int & >=1 & <=64
	task_timeout_seconds?: int & >=1
	work_dir?:             string
}
`
